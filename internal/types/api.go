package types

import "github.com/titan-scrape/titan/internal/titan"

// ScrapeRequest is the body of POST /api/scrape.
type ScrapeRequest struct {
	URL      string              `json:"url"`
	Strategy string              `json:"strategy,omitempty"` // forced starting tier, e.g. "T3"; empty lets the orchestrator pick
	Options  ScrapeRequestOptions `json:"options,omitempty"`
}

// ScrapeRequestOptions carries the optional per-request knobs spec.md's
// Request type exposes (timeout, wait condition, proxy override, ...).
type ScrapeRequestOptions struct {
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	WaitSelector   string `json:"wait_selector,omitempty"`
	WaitDelayMs    int    `json:"wait_delay_ms,omitempty"`
	BlockImages    bool   `json:"block_images,omitempty"`
	ProxyURL       string `json:"proxy_url,omitempty"`
	PostBody       string `json:"post_body,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
}

// ScrapeAcceptedResponse is returned 202 Accepted from POST /api/scrape.
type ScrapeAcceptedResponse struct {
	JobID string `json:"job_id"`
}

// JobResponse is returned from GET /api/job/{id}.
type JobResponse struct {
	JobID     string         `json:"job_id"`
	Status    string         `json:"status"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	Result    *JobResult     `json:"result,omitempty"`
}

// JobResult mirrors titan.Result for the wire, leaving out the raw
// acquisition outcome body (available only via the solution payload).
type JobResult struct {
	Success        bool     `json:"success"`
	FinalTier      string   `json:"final_tier"`
	EscalationPath []string `json:"escalation_path"`
	ElapsedMs      int64    `json:"elapsed_ms"`
	ErrorKind      string   `json:"error_kind,omitempty"`
	Message        string   `json:"message,omitempty"`
	CaptchaTaskID  string   `json:"captcha_task_id,omitempty"`
	StatusCode     int      `json:"status_code,omitempty"`
	Body           string   `json:"body,omitempty"`
	ContentType    string   `json:"content_type,omitempty"`
}

// NewJobResult projects a titan.Result onto the wire shape.
func NewJobResult(r *titan.Result) *JobResult {
	if r == nil {
		return nil
	}
	jr := &JobResult{
		Success:        r.Success,
		FinalTier:      r.FinalTier.String(),
		EscalationPath: r.EscalationPath.Strings(),
		ElapsedMs:      r.Elapsed.Milliseconds(),
		ErrorKind:      string(r.ErrKind),
		Message:        r.Message,
		CaptchaTaskID:  r.CaptchaTaskID,
	}
	if r.Outcome != nil {
		jr.StatusCode = r.Outcome.StatusCode
		jr.Body = string(r.Outcome.Body)
		jr.ContentType = r.Outcome.ContentType
	}
	return jr
}

// BatchScrapeRequest is the body of POST /api/scrape/batch: a bounded
// list of URLs run under the Swarm Engine's concurrency cap instead of
// one job each, for callers that want a single synchronous round trip
// over many pages.
type BatchScrapeRequest struct {
	URLs    []string             `json:"urls"`
	Options ScrapeRequestOptions `json:"options,omitempty"`
}

// BatchScrapeResponse answers POST /api/scrape/batch, index-aligned with
// the request's URLs.
type BatchScrapeResponse struct {
	Results []*JobResult `json:"results"`
}

// EnqueueTaskRequest is the body of POST /internal/task — the
// orchestrator asking the resolver subsystem to park a challenge.
type EnqueueTaskRequest struct {
	URL           string `json:"url"`
	Domain        string `json:"domain"`
	ChallengeType string `json:"challenge_type"`
	Priority      int    `json:"priority,omitempty"`
	ProxyURL      string `json:"proxy_url,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// EnqueueTaskResponse answers POST /internal/task.
type EnqueueTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskView is one row as presented to an operator via GET
// /resolver/tasks or POST /resolver/task/{id}/assign.
type TaskView struct {
	UUID          string `json:"uuid"`
	URL           string `json:"url"`
	Domain        string `json:"domain"`
	Status        string `json:"status"`
	Priority      int    `json:"priority"`
	AssignedTo    string `json:"assigned_to,omitempty"`
	ChallengeType string `json:"challenge_type"`
	Attempts      int    `json:"attempts"`
	CreatedAt     string `json:"created_at"`
	ExpiresAt     string `json:"expires_at"`
}

// TaskListResponse answers GET /resolver/tasks.
type TaskListResponse struct {
	Tasks []TaskView `json:"tasks"`
}

// AssignTaskRequest is the body of POST /resolver/task/{id}/assign.
type AssignTaskRequest struct {
	Operator string `json:"operator"`
}

// SolveTaskRequest is the body of POST /resolver/task/{id}/solve.
type SolveTaskRequest struct {
	ClearanceCookie string            `json:"cf_clearance"`
	UserAgent       string            `json:"user_agent"`
	Cookies         map[string]string `json:"cookies,omitempty"`
}

// MarkUnsolvableRequest is the body of POST /resolver/task/{id}/mark-unsolvable.
type MarkUnsolvableRequest struct {
	Notes string `json:"notes,omitempty"`
}

// SessionView answers GET /resolver/session/{domain}.
type SessionView struct {
	Domain    string `json:"domain"`
	Cached    bool   `json:"cached"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// ErrorResponse is the uniform JSON error envelope for every handler in
// this package.
type ErrorResponse struct {
	Error string `json:"error"`
}
