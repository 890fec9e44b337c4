package handlers

import (
	"net/http"

	"github.com/titan-scrape/titan/internal/middleware"
)

// Router builds the full HTTP mux: the inbound scrape/job API (C9), the
// CAPTCHA resolver API (C10), and the health/metrics endpoints. Route
// matching uses the standard library's method+pattern mux (Go 1.22+)
// rather than a hand-rolled dispatcher, since these are independent REST
// resources instead of one multiplexed command field.
//
// The /resolver/* routes are exempt from the caller's API-key middleware
// and carry their own JWT bearer check instead, since those routes are meant for human
// operators rather than the service-to-service callers of /api/* and
// /internal/task.
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", h.handleDashboard)
	mux.HandleFunc("GET /api/docs", h.handleAPIDocs)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /metrics/summary", h.handleMetricsSummary)

	mux.HandleFunc("POST /api/scrape", h.handleScrape)
	mux.HandleFunc("POST /api/scrape/batch", h.handleScrapeBatch)
	mux.HandleFunc("GET /api/job/{id}", h.handleJobGet)
	mux.HandleFunc("POST /api/job/{id}/cancel", h.handleJobCancel)

	mux.HandleFunc("POST /internal/task", h.handleInternalTaskEnqueue)

	resolverAuth := middleware.ResolverAuth(h.cfg)
	mux.Handle("GET /resolver/tasks", resolverAuth(http.HandlerFunc(h.handleResolverTaskList)))
	mux.Handle("POST /resolver/task/{id}/assign", resolverAuth(http.HandlerFunc(h.handleResolverTaskAssign)))
	mux.Handle("POST /resolver/task/{id}/solve", resolverAuth(http.HandlerFunc(h.handleResolverTaskSolve)))
	mux.Handle("POST /resolver/task/{id}/mark-unsolvable", resolverAuth(http.HandlerFunc(h.handleResolverTaskMarkUnsolvable)))
	mux.Handle("GET /resolver/session/{domain}", resolverAuth(http.HandlerFunc(h.handleResolverSession)))

	return mux
}
