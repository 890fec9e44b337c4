package telemetry

import (
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/titan-scrape/titan/internal/titan"
)

const (
	globalSampleCap = 10000
	tierSampleCap   = 5000
	topFailureLimit = 10
)

// Operation is one completed orchestration run, the unit record() takes.
type Operation struct {
	URL             string
	FinalTier       titan.Tier
	Success         bool
	Status          string // "success", "blocked", "failed", "timeout", "captcha_required"
	ElapsedMs       float64
	ResponseBytes   int
	ErrKind         titan.ErrorKind
	Challenge       titan.ChallengeTag
	EscalationPath  titan.EscalationPath
	CachedSessionUsed bool
}

// Recorder is the process-wide sink for completed operations: it both
// increments the Prometheus series above and feeds the bounded sample
// buffers used for exact percentile derivation.
type Recorder struct {
	mu sync.Mutex

	startedAt time.Time

	requestsTotal       int64
	successTotal        int64
	failureTotal        int64
	escalationsTotal    int64
	captchaRequiredTotal int64
	cachedSessionsUsed  int64

	requestsByTier   map[titan.Tier]int64
	errorsByType     map[titan.ErrorKind]int64
	challengesByType map[titan.ChallengeTag]int64
	failuresByDomain map[string]int64

	samples       []float64
	samplesByTier map[titan.Tier][]float64
}

func NewRecorder() *Recorder {
	return &Recorder{
		startedAt:        time.Now(),
		requestsByTier:   make(map[titan.Tier]int64),
		errorsByType:     make(map[titan.ErrorKind]int64),
		challengesByType: make(map[titan.ChallengeTag]int64),
		failuresByDomain: make(map[string]int64),
		samplesByTier:    make(map[titan.Tier][]float64),
	}
}

// Record ingests one completed operation, updating both the Prometheus
// series and the bounded sample buffers.
func (r *Recorder) Record(op Operation) {
	domain := extractDomain(op.URL)

	RequestsTotal.WithLabelValues(statusLabel(op.Success)).Inc()
	RequestsByTier.WithLabelValues(op.FinalTier.String()).Inc()
	RequestDuration.WithLabelValues(op.FinalTier.String()).Observe(op.ElapsedMs / 1000.0)
	if len(op.EscalationPath) > 1 {
		EscalationsTotal.Inc()
	}
	if op.Status == "captcha_required" {
		CaptchaRequiredTotal.Inc()
	}
	if op.CachedSessionUsed {
		CachedSessionsUsed.Inc()
	}
	if op.ErrKind != titan.ErrKindNone {
		ErrorsByType.WithLabelValues(string(op.ErrKind)).Inc()
	}
	if op.Challenge != titan.ChallengeNone {
		ChallengesByType.WithLabelValues(string(op.Challenge)).Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsTotal++
	r.requestsByTier[op.FinalTier]++
	if op.Success {
		r.successTotal++
	} else {
		r.failureTotal++
		r.failuresByDomain[domain]++
		if op.ErrKind != titan.ErrKindNone {
			r.errorsByType[op.ErrKind]++
		}
	}
	if op.Challenge != titan.ChallengeNone {
		r.challengesByType[op.Challenge]++
	}
	if len(op.EscalationPath) > 1 {
		r.escalationsTotal++
	}
	if op.Status == "captcha_required" {
		r.captchaRequiredTotal++
	}
	if op.CachedSessionUsed {
		r.cachedSessionsUsed++
	}

	r.samples = appendBounded(r.samples, op.ElapsedMs, globalSampleCap)
	r.samplesByTier[op.FinalTier] = appendBounded(r.samplesByTier[op.FinalTier], op.ElapsedMs, tierSampleCap)
}

// appendBounded appends v to buf, trimming from the front once cap is
// exceeded — the same last-N-samples discipline the reference metrics
// module uses to bound memory growth.
func appendBounded(buf []float64, v float64, limit int) []float64 {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return buf
}

// TimingStats is the exact-percentile summary for one sample set.
type TimingStats struct {
	Samples int
	MinMs   float64
	MaxMs   float64
	MeanMs  float64
	P50Ms   float64
	P90Ms   float64
	P99Ms   *float64 // nil until at least 100 samples are present
}

func computeTimingStats(samples []float64) TimingStats {
	if len(samples) == 0 {
		return TimingStats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	n := len(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	stats := TimingStats{
		Samples: n,
		MinMs:   sorted[0],
		MaxMs:   sorted[n-1],
		MeanMs:  sum / float64(n),
		P50Ms:   sorted[n/2],
		P90Ms:   sorted[int(float64(n)*0.9)],
	}
	if n >= 100 {
		p99 := sorted[int(float64(n)*0.99)]
		stats.P99Ms = &p99
	}
	return stats
}

// FailureCount names a domain's failure tally for the top-failures list.
type FailureCount struct {
	Domain   string
	Failures int64
}

// Summary is the JSON-shaped structured summary exposed at
// GET /metrics/summary, mirroring the reference service's
// TitanMetrics.get_summary().
type Summary struct {
	UptimeSeconds      float64
	RequestsTotal      int64
	SuccessTotal       int64
	FailureTotal       int64
	SuccessRatePct     float64
	RequestsByTier     map[string]int64
	ErrorsByType       map[string]int64
	Escalations        int64
	CaptchaRequired    int64
	ChallengesByType   map[string]int64
	Timing             TimingStats
	TimingByTier       map[string]TimingStats
	CachedSessionsUsed int64
	TopFailureDomains  []FailureCount
}

func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	var successRate float64
	if r.requestsTotal > 0 {
		successRate = float64(r.successTotal) / float64(r.requestsTotal) * 100
	}

	byTier := make(map[string]int64, len(r.requestsByTier))
	for t, c := range r.requestsByTier {
		byTier[t.String()] = c
	}
	errByType := make(map[string]int64, len(r.errorsByType))
	for k, c := range r.errorsByType {
		errByType[string(k)] = c
	}
	challengesByType := make(map[string]int64, len(r.challengesByType))
	for k, c := range r.challengesByType {
		challengesByType[string(k)] = c
	}
	timingByTier := make(map[string]TimingStats, len(r.samplesByTier))
	for t, s := range r.samplesByTier {
		timingByTier[t.String()] = computeTimingStats(s)
	}

	return Summary{
		UptimeSeconds:      time.Since(r.startedAt).Seconds(),
		RequestsTotal:      r.requestsTotal,
		SuccessTotal:       r.successTotal,
		FailureTotal:       r.failureTotal,
		SuccessRatePct:     roundTo2(successRate),
		RequestsByTier:     byTier,
		ErrorsByType:       errByType,
		Escalations:        r.escalationsTotal,
		CaptchaRequired:    r.captchaRequiredTotal,
		ChallengesByType:   challengesByType,
		Timing:             computeTimingStats(r.samples),
		TimingByTier:       timingByTier,
		CachedSessionsUsed: r.cachedSessionsUsed,
		TopFailureDomains:  r.topFailures(topFailureLimit),
	}
}

func (r *Recorder) topFailures(n int) []FailureCount {
	out := make([]FailureCount, 0, len(r.failuresByDomain))
	for d, c := range r.failuresByDomain {
		out = append(out, FailureCount{Domain: d, Failures: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Failures > out[j].Failures })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
