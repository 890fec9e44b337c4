// Package handlers implements Titan's two HTTP surfaces: the inbound
// scrape/job API (C9) and the CAPTCHA resolver API (C10), plus the
// health and dual-export metrics endpoints (C8).
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/titan-scrape/titan/internal/assets"
	"github.com/titan-scrape/titan/internal/config"
	"github.com/titan-scrape/titan/internal/jobs"
	"github.com/titan-scrape/titan/internal/security"
	"github.com/titan-scrape/titan/internal/sessionstore"
	"github.com/titan-scrape/titan/internal/stats"
	"github.com/titan-scrape/titan/internal/swarm"
	"github.com/titan-scrape/titan/internal/telemetry"
	"github.com/titan-scrape/titan/internal/titan"
	"github.com/titan-scrape/titan/internal/types"
	"github.com/titan-scrape/titan/pkg/version"
)

const maxBodySize = 1 << 20 // 1MB inbound body cap
const maxBatchSize = 50     // caps one /api/scrape/batch call's fan-out

// resolverQueue is the slice of *taskqueue.Queue's behavior the resolver
// API depends on, narrowed to an interface for the same testability
// reason the orchestrator narrows its own task queue dependency.
type resolverQueue interface {
	Enqueue(ctx context.Context, url, domain string, challenge titan.ChallengeTag, priority int, proxyURL, requestID string, ttl time.Duration) (string, error)
	Get(ctx context.Context, taskUUID string) (*titan.CaptchaTask, error)
	List(ctx context.Context, status string, limit int) ([]*titan.CaptchaTask, error)
	AssignByID(ctx context.Context, taskUUID, operator string) (*titan.CaptchaTask, error)
	Submit(ctx context.Context, taskUUID string, result titan.SolverResult, solverTTL time.Duration) error
	MarkUnsolvable(ctx context.Context, taskUUID, notes string) error
}

// Handler implements http.Handler via Router and owns every dependency
// the two API surfaces call into.
type Handler struct {
	jobs        *jobs.Manager
	swarm       *swarm.Engine // nil disables /api/scrape/batch
	tasks       resolverQueue // nil when no task queue DSN is configured
	sessions    *sessionstore.Store
	domainStats *stats.Manager
	recorder    *telemetry.Recorder
	cfg         *config.Config
	startedAt   time.Time
}

func New(jobMgr *jobs.Manager, swarmEngine *swarm.Engine, tasks resolverQueue, sessions *sessionstore.Store, domainStats *stats.Manager, recorder *telemetry.Recorder, cfg *config.Config) *Handler {
	return &Handler{jobs: jobMgr, swarm: swarmEngine, tasks: tasks, sessions: sessions, domainStats: domainStats, recorder: recorder, cfg: cfg, startedAt: time.Now()}
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Debug().Err(err).Msg("error closing request body")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		return
	}
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, types.ErrorResponse{Error: message})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer closeBody(r.Body)

	buf := getBuffer()
	defer putBuffer(buf)
	if _, err := io.Copy(buf, r.Body); err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if buf.Len() == 0 {
		return true // empty body is valid for request types with no required fields
	}
	if err := json.Unmarshal(buf.Bytes(), dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request: "+err.Error())
		return false
	}
	return true
}

// --- C9: inbound scrape/job API ---

func (h *Handler) handleScrape(w http.ResponseWriter, r *http.Request) {
	var body types.ScrapeRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if err := security.ValidateURLWithContext(r.Context(), body.URL); err != nil {
		log.Warn().Str("url", security.RedactURL(body.URL)).Err(err).Msg("rejected scrape target")
		writeError(w, http.StatusBadRequest, "url failed safety validation: "+err.Error())
		return
	}

	req := buildTitanRequest(body.URL, body.Strategy, body.Options)
	jobID := h.jobs.Submit(context.Background(), req)
	log.Info().Str("job_id", jobID).Str("url", security.RedactURL(body.URL)).Msg("scrape job accepted")
	writeJSON(w, http.StatusAccepted, types.ScrapeAcceptedResponse{JobID: jobID})
}

// handleScrapeBatch runs a bounded list of URLs through the Swarm
// Engine and blocks until all of them finish, for callers that would
// rather make one request than poll N jobs.
func (h *Handler) handleScrapeBatch(w http.ResponseWriter, r *http.Request) {
	if h.swarm == nil {
		writeError(w, http.StatusServiceUnavailable, "batch scraping is not configured")
		return
	}
	var body types.BatchScrapeRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if len(body.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls is required and must be non-empty")
		return
	}
	if len(body.URLs) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("urls exceeds the %d-url batch limit", maxBatchSize))
		return
	}

	reqs := make([]*titan.Request, 0, len(body.URLs))
	for _, url := range body.URLs {
		if err := security.ValidateURLWithContext(r.Context(), url); err != nil {
			log.Warn().Str("url", security.RedactURL(url)).Err(err).Msg("rejected batch scrape target")
			writeError(w, http.StatusBadRequest, "url failed safety validation: "+url)
			return
		}
		reqs = append(reqs, buildTitanRequest(url, "", body.Options))
	}

	results, err := h.swarm.Run(r.Context(), reqs, nil)
	if err != nil && len(results) == 0 {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]*types.JobResult, len(results))
	for i, res := range results {
		out[i] = types.NewJobResult(res)
	}
	writeJSON(w, http.StatusOK, types.BatchScrapeResponse{Results: out})
}

func buildTitanRequest(url, strategy string, opts types.ScrapeRequestOptions) *titan.Request {
	req := &titan.Request{
		URL:         url,
		ForcedTier:  parseTier(strategy),
		Timeout:     time.Duration(opts.TimeoutSeconds) * time.Second,
		BlockImages: opts.BlockImages,
		ProxyURL:    opts.ProxyURL,
		PostBody:    []byte(opts.PostBody),
		ContentType: opts.ContentType,
	}
	if opts.WaitSelector != "" || opts.WaitDelayMs > 0 {
		req.Wait = titan.WaitCondition{
			Selector: opts.WaitSelector,
			Delay:    time.Duration(opts.WaitDelayMs) * time.Millisecond,
		}
	}
	return req
}

func (h *Handler) handleJobGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.jobs.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (h *Handler) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.jobs.Cancel(id)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		job, _ := h.jobs.Get(id)
		writeJSON(w, http.StatusOK, jobToResponse(job))
	}
}

func jobToResponse(j *jobs.Job) types.JobResponse {
	return types.JobResponse{
		JobID:     j.ID,
		Status:    string(j.Status),
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339),
		Result:    types.NewJobResult(j.Result),
	}
}

func parseTier(strategy string) titan.Tier {
	switch strategy {
	case "T1":
		return titan.T1ImpersonatingClient
	case "T2":
		return titan.T2LightweightBrowser
	case "T3":
		return titan.T3StealthCDPBrowser
	case "T4":
		return titan.T4StealthAVEvasion
	case "T5":
		return titan.T5FullBrowserCaptchaSolver
	default:
		return titan.TierUnknown
	}
}

// --- health / metrics (C8) ---

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Full(),
	})
}

// handleDashboard renders a human-browsable status page at the root path,
// for an operator opening the server URL directly instead of curling
// /healthz. Unlike /healthz this goes through html/template so every
// field is auto-escaped, which matters for Version: it can originate
// from build-time ldflags an operator doesn't fully control.
func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	poolSize := 0
	if h.swarm != nil {
		poolSize = h.swarm.Concurrency()
	}
	sessionCount := 0
	if h.sessions != nil {
		if entries, err := h.sessions.Enumerate(r.Context()); err == nil {
			sessionCount = len(entries)
		}
	}

	page, err := assets.RenderHealthPage(assets.HealthPageData{
		Version:   version.Full(),
		GoVersion: version.GoVersion(),
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		PoolSize:  poolSize,
		Sessions:  sessionCount,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rendering health page: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(page))
}

// handleAPIDocs serves a static Markdown summary of the API surface, for
// an operator who wants the endpoint list without reading source.
func (h *Handler) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(assets.APIDocumentation))
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	telemetry.Handler().ServeHTTP(w, r)
}

func (h *Handler) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary := h.recorder.Summary()
	var domains map[string]stats.DomainStatsJSON
	if h.domainStats != nil {
		domains = h.domainStats.AllStats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": summary,
		"domains": domains,
	})
}

// --- C10: CAPTCHA resolver API ---

func (h *Handler) handleInternalTaskEnqueue(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "no task queue configured")
		return
	}
	var body types.EnqueueTaskRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if body.URL == "" || body.Domain == "" {
		writeError(w, http.StatusBadRequest, "url and domain are required")
		return
	}
	priority := body.Priority
	if priority == 0 {
		priority = 5
	}
	id, err := h.tasks.Enqueue(r.Context(), body.URL, body.Domain, titan.ChallengeTag(body.ChallengeType), priority, body.ProxyURL, body.RequestID, 30*time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, types.EnqueueTaskResponse{TaskID: id})
}

func (h *Handler) handleResolverTaskList(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "no task queue configured")
		return
	}
	status := r.URL.Query().Get("status")
	tasks, err := h.tasks.List(r.Context(), status, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]types.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskToView(t))
	}
	writeJSON(w, http.StatusOK, types.TaskListResponse{Tasks: views})
}

func (h *Handler) handleResolverTaskAssign(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "no task queue configured")
		return
	}
	var body types.AssignTaskRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if body.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}
	// Operator carries the resolver console's session identifier for
	// whoever is claiming the task, not a free-text name, so it goes
	// through the same validation a session ID does elsewhere.
	if msg := security.ValidateSessionID(body.Operator); msg != "" {
		writeError(w, http.StatusBadRequest, "operator: "+msg)
		return
	}
	task, err := h.tasks.AssignByID(r.Context(), r.PathValue("id"), body.Operator)
	if err != nil {
		writeResolverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToView(task))
}

func (h *Handler) handleResolverTaskSolve(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "no task queue configured")
		return
	}
	var body types.SolveTaskRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if body.ClearanceCookie == "" {
		writeError(w, http.StatusBadRequest, "cf_clearance is required")
		return
	}
	result := titan.SolverResult{ClearanceCookie: body.ClearanceCookie, UserAgent: body.UserAgent, Cookies: body.Cookies}
	if err := h.tasks.Submit(r.Context(), r.PathValue("id"), result, 10*time.Minute); err != nil {
		writeResolverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "solved"})
}

func (h *Handler) handleResolverTaskMarkUnsolvable(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "no task queue configured")
		return
	}
	var body types.MarkUnsolvableRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}
	if err := h.tasks.MarkUnsolvable(r.Context(), r.PathValue("id"), body.Notes); err != nil {
		writeResolverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsolvable"})
}

func (h *Handler) handleResolverSession(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	entry, err := h.sessions.Get(r.Context(), domain)
	if err != nil || entry == nil {
		writeJSON(w, http.StatusOK, types.SessionView{Domain: domain, Cached: false})
		return
	}
	writeJSON(w, http.StatusOK, types.SessionView{
		Domain:    domain,
		Cached:    true,
		ExpiresAt: entry.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func writeResolverError(w http.ResponseWriter, err error) {
	if errors.Is(err, titan.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func taskToView(t *titan.CaptchaTask) types.TaskView {
	return types.TaskView{
		UUID:          t.UUID,
		URL:           t.URL,
		Domain:        t.Domain,
		Status:        string(t.Status),
		Priority:      t.Priority,
		AssignedTo:    t.AssignedTo,
		ChallengeType: string(t.ChallengeType),
		Attempts:      t.Attempts,
		CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:     t.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
