// Package stats provides domain-level statistics tracking for request patterns.
package stats

import (
	"math"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/titan-scrape/titan/internal/titan"
)

// maxDomains is the maximum number of domains to track before LRU eviction.
const maxDomains = 10000

// evictionBatchSize is the number of domains to evict at once to reduce eviction overhead.
const evictionBatchSize = 100

// DomainStats tracks request statistics for a single domain.
type DomainStats struct {
	mu sync.RWMutex

	// Counters
	RequestCount   int64 `json:"requestCount"`
	SuccessCount   int64 `json:"successCount"`
	ErrorCount     int64 `json:"errorCount"`
	RateLimitCount int64 `json:"rateLimitCount"`

	// Timing (internal, for calculations)
	totalLatencyMs int64

	// Timestamps
	LastRequestTime time.Time `json:"lastRequestTime,omitempty"`
	LastSuccessTime time.Time `json:"lastSuccessTime,omitempty"`
	LastRateLimited time.Time `json:"lastRateLimited,omitempty"`
	LastAccess      time.Time `json:"-"` // For LRU eviction, not serialized

	// Configuration (optional overrides)
	CrawlDelay    *int `json:"crawlDelay,omitempty"`    // Seconds, from robots.txt
	ManualDelayMs *int `json:"manualDelayMs,omitempty"` // User override

	// Cached calculation
	// Audit Issue 8: Use -1 as invalid marker since 0 is a valid delay value
	cachedDelay int // -1 means cache is invalid
	// Fix #44: Uses time.Now() which includes monotonic clock component
	// for accurate elapsed time calculations even if wall clock changes.
	// Go's time.Time automatically uses monotonic clock for time.Since().
	lastCalculation time.Time

	// HighestTier is the highest acquisition tier this domain has required
	// within the escalation-memory window. A domain that only ever needed
	// T1 stays cheap; one that has recently needed T4/T5 skips the wasted
	// low-tier attempts on the next request.
	HighestTier titan.Tier `json:"-"`
	tierSetAt   time.Time

	// SolveStats tracks this domain's CAPTCHA-solve history across T5's
	// in-browser ("native") resolution and its external provider chain, so
	// GetPreferredSolveMethod/ShouldSkipNative can stop paying for a method
	// that keeps failing against this specific domain.
	SolveStats SolveStats `json:"-"`

	// TurnstileMethods tracks which humanized interaction method
	// (shadow/keyboard/widget/iframe/positional) actually resolves this
	// domain's Turnstile widget, so GetTurnstileMethodOrder can try the
	// historically successful one first instead of the default order.
	TurnstileMethods TurnstileMethodStats `json:"-"`
}

// SolveStats accumulates native-vs-external CAPTCHA solve outcomes for one
// domain.
type SolveStats struct {
	NativeAttempts    int64
	NativeSuccesses   int64
	NativeTotalTimeMs int64

	// ExternalAttempts/ExternalSuccesses are keyed by provider name (e.g.
	// "2captcha", "capsolver").
	ExternalAttempts  map[string]int64
	ExternalSuccesses map[string]int64

	// LastSuccessMethod is "native" or the provider name of whichever
	// method most recently solved this domain's challenge.
	LastSuccessMethod string
}

// SolveStatsJSON is the JSON-serializable summary of SolveStats.
type SolveStatsJSON struct {
	NativeAttempts    int64            `json:"nativeAttempts"`
	NativeSuccesses   int64            `json:"nativeSuccesses"`
	NativeAvgTimeMs   int64            `json:"nativeAvgTimeMs"`
	NativeSuccessRate float64          `json:"nativeSuccessRate"`
	ExternalAttempts  map[string]int64 `json:"externalAttempts,omitempty"`
	ExternalSuccesses map[string]int64 `json:"externalSuccesses,omitempty"`
	LastSuccessMethod string           `json:"lastSuccessMethod,omitempty"`
}

// TurnstileMethodStats tracks per-method success for the humanized
// interaction strategies T5 tries against a visible Turnstile widget.
type TurnstileMethodStats struct {
	MethodAttempts  map[string]int64
	MethodSuccesses map[string]int64
	LastSuccess     string
	LastSuccessTime time.Time
}

// turnstileRecencyWindow bounds how long a method's most recent success
// keeps it preferred over a method with a better all-time success rate —
// sites occasionally change widget behavior, so old history shouldn't pin
// a method forever.
const turnstileRecencyWindow = time.Hour

// GetBestMethod returns the interaction method most likely to resolve this
// domain's widget: the most recent success if it happened within
// turnstileRecencyWindow, otherwise the method with the best all-time
// success rate. A nil receiver or one with no recorded attempts returns "".
func (t *TurnstileMethodStats) GetBestMethod() string {
	if t == nil || len(t.MethodAttempts) == 0 {
		return ""
	}
	if t.LastSuccess != "" && time.Since(t.LastSuccessTime) < turnstileRecencyWindow {
		return t.LastSuccess
	}

	best, bestRate := "", -1.0
	for method, attempts := range t.MethodAttempts {
		if attempts == 0 {
			continue
		}
		rate := float64(t.MethodSuccesses[method]) / float64(attempts)
		if rate > bestRate {
			bestRate = rate
			best = method
		}
	}
	return best
}

// defaultTurnstileMethodOrder is the order T5 tries humanized interaction
// methods against a widget it has no history for. "wait" goes first since
// most Turnstile widgets resolve from the ordinary interstitial poll
// without any interaction at all.
var defaultTurnstileMethodOrder = []string{"wait", "shadow", "keyboard", "widget", "iframe", "positional"}

// turnstileMethodScore ranks method within a domain's history: untried
// methods are scored above ones that have failed every attempt but below
// any method with at least one recorded success, so a new method gets a
// fair try before a proven-bad one and a proven-good one still wins.
func (t *TurnstileMethodStats) turnstileMethodScore(method string) float64 {
	attempts := t.MethodAttempts[method]
	if attempts == 0 {
		return 0.3
	}
	successes := t.MethodSuccesses[method]
	if successes == 0 {
		return -0.1 * float64(attempts)
	}
	return float64(successes) / float64(attempts)
}

// SolverPreferences lets an operator override a domain's automatic
// solve-method selection.
type SolverPreferences struct {
	NativeFirst       bool
	NativeAttempts    *int
	PreferredProvider string
	TimeoutOverrideMs *int
	DisableMethods    []string
}

func (p *SolverPreferences) disables(method string) bool {
	if p == nil {
		return false
	}
	for _, m := range p.DisableMethods {
		if m == method {
			return true
		}
	}
	return false
}

// DomainStatsJSON is the JSON-serializable representation of DomainStats.
type DomainStatsJSON struct {
	RequestCount     int64           `json:"requestCount"`
	SuccessCount     int64           `json:"successCount"`
	ErrorCount       int64           `json:"errorCount"`
	RateLimitCount   int64           `json:"rateLimitCount"`
	AvgLatencyMs     int64           `json:"avgLatencyMs"`
	LastRequestTime  time.Time       `json:"lastRequestTime,omitempty"`
	LastSuccessTime  time.Time       `json:"lastSuccessTime,omitempty"`
	LastRateLimited  time.Time       `json:"lastRateLimited,omitempty"`
	SuggestedDelayMs int             `json:"suggestedDelayMs"`
	CrawlDelay       *int            `json:"crawlDelay,omitempty"`
	SolveStats       *SolveStatsJSON `json:"solveStats,omitempty"`
}

// ToJSON converts DomainStats to its JSON-serializable form.
func (s *DomainStats) ToJSON(minDelay, maxDelay int) DomainStatsJSON {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var avgLatency int64
	if s.RequestCount > 0 {
		avgLatency = s.totalLatencyMs / s.RequestCount
	}

	result := DomainStatsJSON{
		RequestCount:     s.RequestCount,
		SuccessCount:     s.SuccessCount,
		ErrorCount:       s.ErrorCount,
		RateLimitCount:   s.RateLimitCount,
		AvgLatencyMs:     avgLatency,
		LastRequestTime:  s.LastRequestTime,
		LastSuccessTime:  s.LastSuccessTime,
		LastRateLimited:  s.LastRateLimited,
		SuggestedDelayMs: s.suggestedDelayMs(minDelay, maxDelay),
		CrawlDelay:       s.CrawlDelay,
	}

	if s.SolveStats.NativeAttempts > 0 || len(s.SolveStats.ExternalAttempts) > 0 {
		var nativeAvg int64
		var nativeRate float64
		if s.SolveStats.NativeAttempts > 0 {
			nativeAvg = s.SolveStats.NativeTotalTimeMs / s.SolveStats.NativeAttempts
			nativeRate = float64(s.SolveStats.NativeSuccesses) / float64(s.SolveStats.NativeAttempts)
		}
		result.SolveStats = &SolveStatsJSON{
			NativeAttempts:    s.SolveStats.NativeAttempts,
			NativeSuccesses:   s.SolveStats.NativeSuccesses,
			NativeAvgTimeMs:   nativeAvg,
			NativeSuccessRate: nativeRate,
			ExternalAttempts:  s.SolveStats.ExternalAttempts,
			ExternalSuccesses: s.SolveStats.ExternalSuccesses,
			LastSuccessMethod: s.SolveStats.LastSuccessMethod,
		}
	}

	return result
}

// suggestedDelayMs calculates the recommended delay (must hold read lock).
// Fix: Adds NaN/Inf protection and validation for calculated values.
func (s *DomainStats) suggestedDelayMs(minDelay, maxDelay int) int {
	// Base case: no data yet
	if s.RequestCount == 0 {
		return minDelay
	}

	// Validate RequestCount is positive (should never be negative, but defensive)
	if s.RequestCount < 0 {
		return minDelay
	}

	// Calculate average latency with NaN protection
	avgLatencyMs := float64(s.totalLatencyMs) / float64(s.RequestCount)
	if math.IsNaN(avgLatencyMs) || math.IsInf(avgLatencyMs, 0) {
		avgLatencyMs = 0
	}

	// Calculate error rate with NaN protection
	errorRate := float64(s.ErrorCount) / float64(s.RequestCount)
	if math.IsNaN(errorRate) || math.IsInf(errorRate, 0) || errorRate < 0 {
		errorRate = 0
	}
	rateLimitRate := float64(s.RateLimitCount) / float64(s.RequestCount)
	if math.IsNaN(rateLimitRate) || math.IsInf(rateLimitRate, 0) || rateLimitRate < 0 {
		rateLimitRate = 0
	}

	// Start with latency-based delay (AutoThrottle concept)
	// Target: 2 concurrent requests equivalent
	targetConcurrency := 2.0
	baseDelay := avgLatencyMs / targetConcurrency

	// Apply error rate multiplier: 0% = 1.0x, 10% = 1.5x, 20% = 2.0x
	errorMultiplier := 1.0 + (errorRate * 5.0)
	baseDelay *= errorMultiplier

	// Apply rate limit penalty: >5% rate limited = 2x delay
	if rateLimitRate > 0.05 {
		baseDelay *= 2.0
	}

	// Check for recent rate limiting (within 5 minutes)
	if !s.LastRateLimited.IsZero() && time.Since(s.LastRateLimited) < 5*time.Minute {
		// Exponential decay: full penalty at 0 min, half at 2.5 min, quarter at 5 min
		minutesSince := time.Since(s.LastRateLimited).Minutes()
		recentPenalty := 10000.0 * math.Pow(0.5, minutesSince/2.5)
		baseDelay = math.Max(baseDelay, recentPenalty)
	}

	// Honor robots.txt crawl-delay if set
	if s.CrawlDelay != nil {
		crawlDelayMs := float64(*s.CrawlDelay * 1000)
		baseDelay = math.Max(baseDelay, crawlDelayMs)
	}

	// Honor manual override if set
	if s.ManualDelayMs != nil {
		baseDelay = math.Max(baseDelay, float64(*s.ManualDelayMs))
	}

	// Clamp to configured bounds
	result := int(math.Max(float64(minDelay), math.Min(float64(maxDelay), baseDelay)))
	return result
}

// SuggestedDelayMs returns the recommended delay for this domain.
// Fix: Uses simple write lock instead of error-prone double-checked locking.
// The performance cost of always acquiring write lock is negligible compared
// to the complexity and potential bugs of double-checked locking with RWMutex.
func (s *DomainStats) SuggestedDelayMs(minDelay, maxDelay int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check cache validity
	if time.Since(s.lastCalculation) < 5*time.Second && s.cachedDelay >= 0 {
		return s.cachedDelay
	}

	// Calculate, cache, and update timestamp atomically under write lock
	delay := s.suggestedDelayMs(minDelay, maxDelay)
	s.cachedDelay = delay
	s.lastCalculation = time.Now()
	return delay
}

// ErrorRate returns the error rate (0.0-1.0) for this domain.
func (s *DomainStats) ErrorRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.ErrorCount) / float64(s.RequestCount)
}

// tierMemoryWindow is how long a domain's escalation history keeps
// influencing the next run's starting tier before it decays back to T1.
const tierMemoryWindow = 30 * time.Minute

// recordTier raises HighestTier if the outcome's final tier exceeds what is
// already remembered, and refreshes the decay clock. Must be called without
// the lock held (it takes it itself).
func (s *DomainStats) recordTier(tier titan.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := s.tierSetAt.IsZero() || time.Since(s.tierSetAt) > tierMemoryWindow
	if expired || tier > s.HighestTier {
		s.HighestTier = tier
	}
	s.tierSetAt = time.Now()
}

// startTierHint returns the tier a fresh request against this domain should
// begin at: T1 for a domain with no recent escalation history, or the
// highest tier it has needed within tierMemoryWindow otherwise. This skips
// attempts at tiers the domain is known to reject, at the cost of spending
// more overhead than T1 would on a domain whose block has since lifted.
func (s *DomainStats) startTierHint() titan.Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tierSetAt.IsZero() || time.Since(s.tierSetAt) > tierMemoryWindow {
		return titan.T1ImpersonatingClient
	}
	if s.HighestTier < titan.T1ImpersonatingClient {
		return titan.T1ImpersonatingClient
	}
	return s.HighestTier
}

// Manager manages statistics for all domains.
type Manager struct {
	mu      sync.RWMutex
	domains map[string]*DomainStats

	// Configuration
	DefaultMinDelayMs int
	DefaultMaxDelayMs int

	// solverPrefs holds operator overrides for solve-method selection,
	// keyed by domain. Kept separate from domains so an operator can set a
	// preference before the domain has any recorded traffic.
	prefsMu     sync.RWMutex
	solverPrefs map[string]*SolverPreferences

	// Fix #14: Background cleanup
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a new domain stats manager.
// Fix #14: Starts background cleanup routine for stale entries.
func NewManager() *Manager {
	m := &Manager{
		domains:           make(map[string]*DomainStats),
		DefaultMinDelayMs: 1000,  // 1 second minimum
		DefaultMaxDelayMs: 30000, // 30 second maximum
		solverPrefs:       make(map[string]*SolverPreferences),
		stopCh:            make(chan struct{}),
	}

	// Start background cleanup routine
	m.wg.Add(1)
	go m.cleanupRoutine()

	return m
}

// cleanupRoutine periodically removes stale domain stats entries.
// Fix #14: Prevents unbounded memory growth from domains that are no longer accessed.
func (m *Manager) cleanupRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStale(30 * time.Minute)
		case <-m.stopCh:
			return
		}
	}
}

// cleanupStale removes domain stats that haven't been accessed recently.
func (m *Manager) cleanupStale(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var removed int

	for domain, stats := range m.domains {
		stats.mu.RLock()
		lastAccess := stats.LastAccess
		stats.mu.RUnlock()

		if now.Sub(lastAccess) > maxAge {
			delete(m.domains, domain)
			removed++
		}
	}

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", len(m.domains)).
			Msg("Cleaned up stale domain stats")
	}
}

// Close stops the background cleanup routine.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// ExtractDomain extracts the domain from a URL.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// getOrCreate returns the stats for a domain, creating if needed.
// Implements LRU eviction when the domain count exceeds maxDomains.
// Fix: Releases the manager lock before taking a domain's stats lock to
// update LastAccess.
func (m *Manager) getOrCreate(domain string) *DomainStats {
	m.mu.Lock()

	stats, exists := m.domains[domain]
	if !exists {
		// Evict oldest domains in batch if at capacity
		if len(m.domains) >= maxDomains {
			m.evictOldestBatchLocked(evictionBatchSize)
		}
		stats = &DomainStats{
			cachedDelay: -1,         // Initialize with invalid cache marker
			LastAccess:  time.Now(), // Safe - no one else has reference yet
		}
		m.domains[domain] = stats
		m.mu.Unlock() // Release manager lock before any further operations
		return stats
	}

	// Release manager lock before acquiring stats lock to prevent nested lock
	m.mu.Unlock()

	// Update last access time with stats lock
	stats.mu.Lock()
	stats.LastAccess = time.Now()
	stats.mu.Unlock()

	return stats
}

// evictOldestBatchLocked removes the N least recently accessed domains.
// Must be called with m.mu held.
// Evicting in batches reduces the overhead of repeated single evictions.
// Fix: Takes a snapshot of LastAccess times, reading each under that
// domain's read lock while m.mu is held. Since we hold m.mu, no new entries
// can be added, and the values read are good enough for LRU approximation.
func (m *Manager) evictOldestBatchLocked(count int) {
	if count <= 0 || len(m.domains) == 0 {
		return
	}

	// For small domain counts, use simple approach
	if len(m.domains) <= count {
		// Clear all
		for domain := range m.domains {
			delete(m.domains, domain)
		}
		return
	}

	// Collect domains with their access times
	// Note: We hold m.mu, so no new domains can be added while collecting;
	// a time that goes stale right after it is read is acceptable for LRU
	type domainTime struct {
		domain     string
		lastAccess time.Time
	}
	candidates := make([]domainTime, 0, len(m.domains))
	for domain, stats := range m.domains {
		// Read LastAccess under the domain's read lock
		stats.mu.RLock()
		lastAccess := stats.LastAccess
		stats.mu.RUnlock()
		candidates = append(candidates, domainTime{domain, lastAccess})
	}

	// Find the N oldest domains using a simple selection approach
	// For the typical batch size of 100 out of 10000, this is efficient enough
	for i := 0; i < count && i < len(candidates); i++ {
		minIdx := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].lastAccess.Before(candidates[minIdx].lastAccess) {
				minIdx = j
			}
		}
		if minIdx != i {
			candidates[i], candidates[minIdx] = candidates[minIdx], candidates[i]
		}
		// Delete the oldest
		delete(m.domains, candidates[i].domain)
	}
}

// Get returns the stats for a domain (nil if not tracked).
func (m *Manager) Get(domain string) *DomainStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domains[domain]
}

// Maximum counter value to prevent overflow (2^62, about half of int64 max)
const maxCounterValue int64 = (1 << 62)

// RecordRequest updates stats after a request completes.
// Fix: Adds overflow protection for counters.
func (m *Manager) RecordRequest(domain string, latencyMs int64, success bool, rateLimited bool) {
	if domain == "" {
		return
	}

	stats := m.getOrCreate(domain)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	// Overflow protection: reset counters if approaching max value
	// Fix: Reset timestamps atomically along with counters to maintain consistency
	if stats.RequestCount >= maxCounterValue {
		log.Warn().
			Str("domain", domain).
			Int64("request_count", stats.RequestCount).
			Msg("Counter overflow protection triggered, resetting stats")
		stats.RequestCount = 0
		stats.SuccessCount = 0
		stats.ErrorCount = 0
		stats.RateLimitCount = 0
		stats.totalLatencyMs = 0
		// Reset timestamps to prevent stale data correlation
		stats.LastRequestTime = time.Time{}
		stats.LastSuccessTime = time.Time{}
		stats.LastRateLimited = time.Time{}
	}

	stats.RequestCount++
	// Protect latency accumulator from overflow
	if stats.totalLatencyMs < maxCounterValue-latencyMs {
		stats.totalLatencyMs += latencyMs
	}
	stats.LastRequestTime = time.Now()

	if success {
		stats.SuccessCount++
		stats.LastSuccessTime = time.Now()
	} else {
		stats.ErrorCount++
	}

	if rateLimited {
		stats.RateLimitCount++
		stats.LastRateLimited = time.Now()
	}

	// Invalidate cache (use -1 as invalid marker since 0 is a valid delay)
	stats.cachedDelay = -1
}

// RecordTier updates the domain's escalation memory with the tier a
// completed run finished at, so the next request against the same domain
// can start there instead of re-walking the ladder from T1.
func (m *Manager) RecordTier(domain string, tier titan.Tier) {
	if domain == "" {
		return
	}
	m.getOrCreate(domain).recordTier(tier)
}

// StartTierHint returns the tier a fresh request against domain should
// begin at, based on recent escalation history. Domains with no tracked
// history, or whose history has decayed past tierMemoryWindow, get T1.
func (m *Manager) StartTierHint(domain string) titan.Tier {
	stats := m.Get(domain)
	if stats == nil {
		return titan.T1ImpersonatingClient
	}
	return stats.startTierHint()
}

// minSolveAttemptsForSkipDecision is how many native attempts must have
// accumulated before ShouldSkipNative trusts the success rate over the
// possibility of a short unlucky streak.
const minSolveAttemptsForSkipDecision = 5

// nativeSkipSuccessRate is the native success rate below which, once
// minSolveAttemptsForSkipDecision is reached, T5 should stop trying native
// resolution against this domain and go straight to external providers.
const nativeSkipSuccessRate = 0.2

// RecordSolveOutcome records one CAPTCHA-solve attempt for domain. method
// is "native" for T5's in-browser resolution, or a provider name (e.g.
// "2captcha", "capsolver") for an external solve.
func (m *Manager) RecordSolveOutcome(domain, method string, success bool, timeMs int64) {
	if domain == "" || method == "" {
		return
	}
	stats := m.getOrCreate(domain)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	if method == "native" {
		stats.SolveStats.NativeAttempts++
		stats.SolveStats.NativeTotalTimeMs += timeMs
		if success {
			stats.SolveStats.NativeSuccesses++
			stats.SolveStats.LastSuccessMethod = "native"
		}
		return
	}

	if stats.SolveStats.ExternalAttempts == nil {
		stats.SolveStats.ExternalAttempts = make(map[string]int64)
		stats.SolveStats.ExternalSuccesses = make(map[string]int64)
	}
	stats.SolveStats.ExternalAttempts[method]++
	if success {
		stats.SolveStats.ExternalSuccesses[method]++
		stats.SolveStats.LastSuccessMethod = method
	}
}

// GetPreferredSolveMethod returns the solve method T5 should try first for
// domain: an operator-set PreferredProvider if one exists, otherwise
// "native" when its success rate looks viable, otherwise whichever external
// provider has the best recorded success rate. Returns "" when there is
// neither a preference nor any solve history for domain.
func (m *Manager) GetPreferredSolveMethod(domain string) string {
	if prefs := m.GetDomainSolverPrefs(domain); prefs != nil && prefs.PreferredProvider != "" {
		return prefs.PreferredProvider
	}

	stats := m.Get(domain)
	if stats == nil {
		return ""
	}
	stats.mu.RLock()
	defer stats.mu.RUnlock()

	nativeRate := -1.0
	if stats.SolveStats.NativeAttempts > 0 {
		nativeRate = float64(stats.SolveStats.NativeSuccesses) / float64(stats.SolveStats.NativeAttempts)
	}

	bestExternal, bestRate := "", -1.0
	for method, attempts := range stats.SolveStats.ExternalAttempts {
		if attempts == 0 {
			continue
		}
		rate := float64(stats.SolveStats.ExternalSuccesses[method]) / float64(attempts)
		if rate > bestRate {
			bestRate = rate
			bestExternal = method
		}
	}

	if nativeRate >= nativeSkipSuccessRate || (nativeRate >= 0 && bestExternal == "") {
		return "native"
	}
	if bestExternal != "" {
		return bestExternal
	}
	if nativeRate >= 0 {
		return "native"
	}
	return ""
}

// ShouldSkipNative reports whether T5 should skip in-browser native
// resolution for domain and go straight to its external provider chain,
// either because an operator disabled it via preferences or because it has
// a poor track record with enough attempts to trust the rate.
func (m *Manager) ShouldSkipNative(domain string) bool {
	if prefs := m.GetDomainSolverPrefs(domain); prefs.disables("native") {
		return true
	}

	stats := m.Get(domain)
	if stats == nil {
		return false
	}
	stats.mu.RLock()
	defer stats.mu.RUnlock()

	if stats.SolveStats.NativeAttempts < minSolveAttemptsForSkipDecision {
		return false
	}
	rate := float64(stats.SolveStats.NativeSuccesses) / float64(stats.SolveStats.NativeAttempts)
	return rate < nativeSkipSuccessRate
}

// NativeSuccessRate returns domain's native solve success rate, or -1 if it
// has no recorded native attempts.
func (m *Manager) NativeSuccessRate(domain string) float64 {
	stats := m.Get(domain)
	if stats == nil {
		return -1
	}
	stats.mu.RLock()
	defer stats.mu.RUnlock()
	if stats.SolveStats.NativeAttempts == 0 {
		return -1
	}
	return float64(stats.SolveStats.NativeSuccesses) / float64(stats.SolveStats.NativeAttempts)
}

// SetDomainSolverPrefs sets an operator override for domain's solve-method
// selection.
func (m *Manager) SetDomainSolverPrefs(domain string, prefs *SolverPreferences) {
	if domain == "" {
		return
	}
	m.prefsMu.Lock()
	defer m.prefsMu.Unlock()
	m.solverPrefs[domain] = prefs
}

// GetDomainSolverPrefs returns domain's operator override, or nil if none
// is set.
func (m *Manager) GetDomainSolverPrefs(domain string) *SolverPreferences {
	m.prefsMu.RLock()
	defer m.prefsMu.RUnlock()
	return m.solverPrefs[domain]
}

// RecordTurnstileMethod records one humanized-interaction attempt against
// domain's Turnstile widget.
func (m *Manager) RecordTurnstileMethod(domain, method string, success bool) {
	if domain == "" || method == "" {
		return
	}
	stats := m.getOrCreate(domain)
	stats.mu.Lock()
	defer stats.mu.Unlock()

	if stats.TurnstileMethods.MethodAttempts == nil {
		stats.TurnstileMethods.MethodAttempts = make(map[string]int64)
		stats.TurnstileMethods.MethodSuccesses = make(map[string]int64)
	}
	stats.TurnstileMethods.MethodAttempts[method]++
	if success {
		stats.TurnstileMethods.MethodSuccesses[method]++
		stats.TurnstileMethods.LastSuccess = method
		stats.TurnstileMethods.LastSuccessTime = time.Now()
	}
}

// GetBestTurnstileMethod returns the interaction method most likely to
// resolve domain's widget, or "" if domain has no recorded attempts.
func (m *Manager) GetBestTurnstileMethod(domain string) string {
	stats := m.Get(domain)
	if stats == nil {
		return ""
	}
	stats.mu.RLock()
	defer stats.mu.RUnlock()
	return stats.TurnstileMethods.GetBestMethod()
}

// GetTurnstileMethodOrder returns the interaction methods T5 should try, in
// priority order, against domain's widget. A domain with no history gets
// defaultTurnstileMethodOrder verbatim; otherwise methods are ranked by
// turnstileMethodScore, stable on ties so the default order still breaks
// them.
func (m *Manager) GetTurnstileMethodOrder(domain string) []string {
	order := append([]string(nil), defaultTurnstileMethodOrder...)

	stats := m.Get(domain)
	if stats == nil {
		return order
	}
	stats.mu.RLock()
	defer stats.mu.RUnlock()

	sort.SliceStable(order, func(i, j int) bool {
		return stats.TurnstileMethods.turnstileMethodScore(order[i]) > stats.TurnstileMethods.turnstileMethodScore(order[j])
	})
	return order
}

// SuggestedDelay returns the suggested delay for a domain.
func (m *Manager) SuggestedDelay(domain string) int {
	stats := m.Get(domain)
	if stats == nil {
		return m.DefaultMinDelayMs
	}
	return stats.SuggestedDelayMs(m.DefaultMinDelayMs, m.DefaultMaxDelayMs)
}

// ErrorRate returns the error rate for a domain.
func (m *Manager) ErrorRate(domain string) float64 {
	stats := m.Get(domain)
	if stats == nil {
		return 0
	}
	return stats.ErrorRate()
}

// RequestCount returns the request count for a domain.
func (m *Manager) RequestCount(domain string) int64 {
	stats := m.Get(domain)
	if stats == nil {
		return 0
	}
	stats.mu.RLock()
	defer stats.mu.RUnlock()
	return stats.RequestCount
}

// AllStats returns a copy of all domain statistics.
func (m *Manager) AllStats() map[string]DomainStatsJSON {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]DomainStatsJSON, len(m.domains))
	for domain, stats := range m.domains {
		result[domain] = stats.ToJSON(m.DefaultMinDelayMs, m.DefaultMaxDelayMs)
	}
	return result
}

// SetManualDelay sets a manual delay override for a domain.
// Fix #31: Uses manager lock for getOrCreate then stats lock for update,
// ensuring consistent lock ordering and preventing races.
func (m *Manager) SetManualDelay(domain string, delayMs int) {
	stats := m.getOrCreate(domain)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	stats.ManualDelayMs = &delayMs
	stats.cachedDelay = -1 // Invalidate cache
}

// ClearManualDelay removes the manual delay override for a domain.
func (m *Manager) ClearManualDelay(domain string) {
	stats := m.Get(domain)
	if stats == nil {
		return
	}
	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.ManualDelayMs = nil
	stats.cachedDelay = -1 // Invalidate cache
}

// Reset clears all statistics for a domain.
func (m *Manager) Reset(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.domains, domain)
}

// ResetAll clears all domain statistics.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains = make(map[string]*DomainStats)
}

// DomainCount returns the number of tracked domains.
func (m *Manager) DomainCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.domains)
}
