// Package orchestrator implements the Tier Orchestrator (C7): the
// top-level per-URL state machine that selects a starting tier, invokes
// the matching driver, consults the classifier, and escalates, retries,
// or parks the work behind a human-solve task.
package orchestrator

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/classify"
	"github.com/titan-scrape/titan/internal/ratelimit"
	"github.com/titan-scrape/titan/internal/rotator"
	"github.com/titan-scrape/titan/internal/security"
	"github.com/titan-scrape/titan/internal/sessionstore"
	"github.com/titan-scrape/titan/internal/stats"
	"github.com/titan-scrape/titan/internal/telemetry"
	"github.com/titan-scrape/titan/internal/tier"
	"github.com/titan-scrape/titan/internal/titan"
)

// taskQueue is the slice of *taskqueue.Queue's behavior the orchestrator
// needs, narrowed to an interface so tests can substitute an in-memory
// fake instead of a live Postgres connection.
type taskQueue interface {
	Enqueue(ctx context.Context, url, domain string, challenge titan.ChallengeTag, priority int, proxyURL, requestID string, ttl time.Duration) (string, error)
	Get(ctx context.Context, taskUUID string) (*titan.CaptchaTask, error)
}

const (
	maxAttemptsPerTier  = 2
	defaultStartTier    = titan.T1ImpersonatingClient
	captchaPollInterval = 2 * time.Second
	captchaSolverTTL    = 10 * time.Minute
	minBackoffMs        = 500
	maxBackoffMs        = 30000
)

// Config bounds one orchestrator instance's behavior.
type Config struct {
	OverallDeadline  time.Duration
	RotatorStrategy  rotator.Strategy
	MaxPerTier       int
	CaptchaTaskTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		OverallDeadline: 120 * time.Second,
		RotatorStrategy: rotator.StrategyStickySession,
		MaxPerTier:      maxAttemptsPerTier,
		CaptchaTaskTTL:  30 * time.Minute,
	}
}

// Orchestrator wires C1-C6 + C8 together behind a single Run entry
// point. One Orchestrator instance is shared across all incoming URLs.
type Orchestrator struct {
	cfg       Config
	drivers   *tier.Registry
	rotator   *rotator.Rotator
	sessions  *sessionstore.Store
	tasks     taskQueue
	domains   *stats.Manager
	recorder  *telemetry.Recorder
	log       zerolog.Logger
}

func New(cfg Config, drivers *tier.Registry, rot *rotator.Rotator, sessions *sessionstore.Store,
	tasks taskQueue, domains *stats.Manager, recorder *telemetry.Recorder, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, drivers: drivers, rotator: rot, sessions: sessions,
		tasks: tasks, domains: domains, recorder: recorder,
		log: log.With().Str("component", "orchestrator").Logger(),
	}
}

// Run executes the full per-URL state machine described by the tier
// escalation algorithm, returning a single classified Result — never a
// panic or an unwrapped transport error.
func (o *Orchestrator) Run(ctx context.Context, req *titan.Request) *titan.Result {
	start := time.Now()
	deadline := o.cfg.OverallDeadline
	if req.Timeout > 0 && req.Timeout < deadline {
		deadline = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	domain := domainOf(req.URL)
	result := o.runLoop(ctx, req, domain, start)
	result.Elapsed = time.Since(start)

	o.recorder.Record(telemetry.Operation{
		URL: req.URL, FinalTier: result.FinalTier, Success: result.Success,
		Status:         resultStatus(result),
		ElapsedMs:      float64(result.Elapsed.Milliseconds()),
		ErrKind:        result.ErrKind,
		EscalationPath: result.EscalationPath,
	})
	if o.domains != nil {
		o.domains.RecordRequest(domain, result.Elapsed.Milliseconds(), result.Success, result.ErrKind == titan.ErrKindRateLimit)
		if result.FinalTier != titan.TierUnknown {
			o.domains.RecordTier(domain, result.FinalTier)
		}
	}
	return result
}

func (o *Orchestrator) runLoop(ctx context.Context, req *titan.Request, domain string, start time.Time) *titan.Result {
	startTier := req.ForcedTier
	if startTier == titan.TierUnknown {
		startTier = defaultStartTier
		if o.domains != nil {
			if hint := o.domains.StartTierHint(domain); hint > startTier {
				startTier = hint
			}
		}
	}

	workReq := *req
	cachedSessionUsed := false
	if sess, err := o.sessions.Get(ctx, domain); err == nil && sess != nil {
		injectSession(&workReq, sess)
		cachedSessionUsed = true
	}

	currentTier := startTier
	attemptsAtTier := 0
	var path titan.EscalationPath

	for {
		select {
		case <-ctx.Done():
			return &titan.Result{
				URL: req.URL, Success: false, FinalTier: currentTier, EscalationPath: path,
				ErrKind: titan.ErrKindDeadlineExceeded, Message: "orchestration deadline exceeded",
			}
		default:
		}

		driver, ok := o.drivers.Get(currentTier)
		if !ok {
			return &titan.Result{
				URL: req.URL, Success: false, FinalTier: currentTier, EscalationPath: path,
				ErrKind: titan.ErrKindDriverCrash, Message: "no driver registered for tier " + currentTier.String(),
			}
		}
		if len(path) == 0 || path[len(path)-1] != currentTier {
			path = append(path, currentTier)
		}

		proxyURL := workReq.ProxyURL
		if proxyURL == "" {
			if p, err := o.rotator.Select(o.cfg.RotatorStrategy, domain); err == nil {
				proxyURL = p
			}
		}
		attemptReq := workReq
		attemptReq.ProxyURL = proxyURL

		outcome, err := driver.Execute(ctx, &attemptReq)
		if err != nil {
			return &titan.Result{
				URL: req.URL, Success: false, FinalTier: currentTier, EscalationPath: path,
				ErrKind: titan.ErrKindDriverCrash, Message: err.Error(),
			}
		}
		assignSessionID(outcome)

		verdict := classify.Classify(outcome, currentTier, attemptsAtTier)
		rlInfo := tagRateLimitErrKind(outcome)

		switch verdict.Class {
		case titan.ClassSuccess:
			if outcome.NewSession != nil {
				_, _ = o.sessions.Put(ctx, domain, outcome.NewSession.ClearanceCookie, outcome.NewSession.UserAgent, outcome.NewSession.ExtraCookies, 0)
			}
			return &titan.Result{
				URL: req.URL, Success: true, Outcome: outcome, FinalTier: currentTier,
				EscalationPath: path, ErrKind: titan.ErrKindNone,
				Message: successMessage(cachedSessionUsed),
			}

		case titan.ClassTransientRetry:
			attemptsAtTier++
			if attemptsAtTier >= o.cfg.MaxPerTier {
				if next, more := currentTier.Next(); more {
					currentTier, attemptsAtTier = next, 0
					continue
				}
				return &titan.Result{
					URL: req.URL, Success: false, Outcome: outcome, FinalTier: currentTier,
					EscalationPath: path, ErrKind: outcome.ErrKind, Message: "retries exhausted at final tier",
				}
			}
			if !sleepBackoff(ctx, attemptsAtTier, rlInfo) {
				kind, msg := titan.ErrKindCancelled, ""
				if ctx.Err() == context.DeadlineExceeded {
					kind, msg = titan.ErrKindDeadlineExceeded, "orchestration deadline exceeded"
				}
				return &titan.Result{URL: req.URL, Success: false, FinalTier: currentTier, EscalationPath: path, ErrKind: kind, Message: msg}
			}
			continue

		case titan.ClassChallengeEscalate:
			if proxyURL != "" {
				markProxy(o.rotator, proxyURL, verdict.MarkProxy)
			}
			next, more := currentTier.Next()
			if !more {
				result := o.parkForManualSolve(ctx, req, domain, outcome, path, start)
				return result
			}
			currentTier, attemptsAtTier = next, 0
			continue

		case titan.ClassNeedsManualSolve:
			return o.parkForManualSolve(ctx, req, domain, outcome, path, start)

		default: // titan.ClassFatal
			return &titan.Result{
				URL: req.URL, Success: false, Outcome: outcome, FinalTier: currentTier,
				EscalationPath: path, ErrKind: outcome.ErrKind, Message: verdict.Reason,
			}
		}
	}
}

// parkForManualSolve enqueues (or joins) a CAPTCHA task for domain and
// blocks cooperatively until it reaches a terminal state or the overall
// deadline expires. On a solved task it resumes the loop at T1 — per
// the resolved open question, a forced tier above T1 does not replay at
// the forced tier once a human has supplied clearance.
func (o *Orchestrator) parkForManualSolve(ctx context.Context, req *titan.Request, domain string, outcome *titan.AcquisitionOutcome, path titan.EscalationPath, start time.Time) *titan.Result {
	if o.tasks == nil {
		return &titan.Result{
			URL: req.URL, Success: false, Outcome: outcome, FinalTier: outcome.Tier,
			EscalationPath: path, ErrKind: titan.ErrKindManualSolveFailed,
			Message: "no captcha task queue configured",
		}
	}

	taskID, err := o.tasks.Enqueue(ctx, req.URL, domain, outcome.Challenge, 5, outcome.ProxyURL, req.RequestID, o.cfg.CaptchaTaskTTL)
	if err != nil {
		return &titan.Result{
			URL: req.URL, Success: false, FinalTier: outcome.Tier, EscalationPath: path,
			ErrKind: titan.ErrKindManualSolveFailed, Message: err.Error(),
		}
	}

	ticker := time.NewTicker(captchaPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &titan.Result{
				URL: req.URL, Success: false, FinalTier: outcome.Tier, EscalationPath: path,
				ErrKind: titan.ErrKindDeadlineExceeded, Message: "manual solve wait exceeded orchestration deadline",
				CaptchaTaskID: taskID,
			}
		case <-ticker.C:
			task, err := o.tasks.Get(ctx, taskID)
			if err != nil {
				continue
			}
			switch task.Status {
			case titan.CaptchaSolved:
				if task.SolverResult != nil {
					_, _ = o.sessions.Put(ctx, domain, task.SolverResult.ClearanceCookie, task.SolverResult.UserAgent, task.SolverResult.Cookies, captchaSolverTTL)
				}
				resumeReq := *req
				resumeReq.ForcedTier = titan.T1ImpersonatingClient
				return o.runLoop(ctx, &resumeReq, domain, start)
			case titan.CaptchaFailed, titan.CaptchaExpired, titan.CaptchaUnsolvable:
				return &titan.Result{
					URL: req.URL, Success: false, FinalTier: outcome.Tier, EscalationPath: path,
					ErrKind: titan.ErrKindManualSolveFailed, Message: "manual solve did not succeed",
					CaptchaTaskID: taskID,
				}
			}
		}
	}
}

// assignSessionID stamps a fresh attempt identifier on an outcome that
// doesn't already carry one, so logs and downstream consumers can
// correlate one driver invocation across its own log lines without
// reusing the domain's cf_clearance cookie or the CAPTCHA task UUID as a
// makeshift key.
func assignSessionID(o *titan.AcquisitionOutcome) {
	if o.SessionID != "" {
		return
	}
	if id, err := security.GenerateSessionID(); err == nil {
		o.SessionID = id
	}
}

func injectSession(req *titan.Request, sess *titan.SessionEntry) {
	req.Cookies = append(req.Cookies, &http.Cookie{Name: "cf_clearance", Value: sess.ClearanceCookie})
	for k, v := range sess.Cookies {
		req.Cookies = append(req.Cookies, &http.Cookie{Name: k, Value: v})
	}
}

func markProxy(r *rotator.Rotator, proxyURL string, hint titan.ProxyHealthHint) {
	switch hint {
	case titan.ProxyHintSoftFailure:
		r.MarkSoft(proxyURL)
	case titan.ProxyHintHardBan:
		r.MarkHardBan(proxyURL)
	}
}

// tagRateLimitErrKind runs the response body and status through the
// rate-limit/WAF detector and stamps outcome.ErrKind with a more specific
// taxonomy entry when the driver itself only reported a raw status code.
// It returns the detector's Info so sleepBackoff can use its suggested
// delay instead of the flat per-attempt formula.
func tagRateLimitErrKind(o *titan.AcquisitionOutcome) ratelimit.Info {
	info := ratelimit.Detect(o.StatusCode, string(o.Body))
	if !info.Detected || o.ErrKind != titan.ErrKindNone {
		return info
	}
	switch info.Category {
	case ratelimit.CategoryRateLimit:
		o.ErrKind = titan.ErrKindRateLimit
	case ratelimit.CategoryAccessDenied:
		o.ErrKind = titan.ErrKindWAFBlock
	case ratelimit.CategoryCaptcha:
		o.ErrKind = titan.ErrKindChallengeCF
	}
	return info
}

// backoffDuration picks the wait for one retry interval. When the detector
// recognized a specific error (a Cloudflare rate-limit code, a
// Retry-After-style message) its suggested delay takes precedence over the
// flat per-attempt formula, clamped to [minBackoffMs, maxBackoffMs].
func backoffDuration(attempt int, info ratelimit.Info) time.Duration {
	if info.Detected && info.SuggestedDelay > 0 {
		return time.Duration(ratelimit.AdjustDelay(info.SuggestedDelay, minBackoffMs, maxBackoffMs)) * time.Millisecond
	}
	return time.Duration(attempt) * 500 * time.Millisecond
}

func sleepBackoff(ctx context.Context, attempt int, info ratelimit.Info) bool {
	select {
	case <-time.After(backoffDuration(attempt, info)):
		return true
	case <-ctx.Done():
		return false
	}
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}

func successMessage(cachedSessionUsed bool) string {
	if cachedSessionUsed {
		return "served using cached session"
	}
	return ""
}

func resultStatus(r *titan.Result) string {
	if r.Success {
		return "success"
	}
	if r.ErrKind == titan.ErrKindManualSolveFailed || r.ErrKind == titan.ErrKindManualSolveExpired {
		return "captcha_required"
	}
	if r.ErrKind == titan.ErrKindTimeout || r.ErrKind == titan.ErrKindDeadlineExceeded {
		return "timeout"
	}
	return "failed"
}
