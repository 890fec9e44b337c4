// Package rotator implements the Proxy Rotator (C2): strategy-based proxy
// selection (round-robin, random, sticky-session) over a health state
// machine {healthy, cooling, banned}.
//
// The per-key map with lazy eviction and mutual-exclusion discipline
// follows the shape of the rate limiter's client map
// (internal/middleware/ratelimit.go in the reference browser-pool
// service this package's concurrency idioms are drawn from): a single
// mutex guards the map, background sweeps evict stale entries, and every
// public method takes the lock for the shortest possible critical
// section.
package rotator

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/titan"
)

// Strategy selects how the rotator picks among healthy/cooling proxies.
type Strategy string

const (
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyRandom        Strategy = "random"
	StrategyStickySession Strategy = "sticky_session"
)

// Config controls health-machine timing and fallback behavior.
type Config struct {
	Strategy               Strategy      // default selection strategy
	CoolCooldown           time.Duration // healthy->cooling->healthy after this long
	SoftFailureThreshold   int           // consecutive soft failures before cooling
	BanDuration            time.Duration // banned->healthy after this long
	StickyTTL              time.Duration
	AllowNoProxyFallback   bool // if true, Select returns "" instead of ErrNoProxyAvailable when exhausted
}

func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyStickySession,
		CoolCooldown:         2 * time.Minute,
		SoftFailureThreshold: 3,
		BanDuration:          30 * time.Minute,
		StickyTTL:            25 * time.Minute,
		AllowNoProxyFallback: true,
	}
}

type stickyBinding struct {
	proxyURL  string
	boundUntil time.Time
}

// Rotator is the concrete C2 implementation.
type Rotator struct {
	mu       sync.Mutex
	proxies  map[string]*titan.ProxyEntry
	order    []string // stable iteration order for round-robin
	rrCursor int
	sticky   map[string]stickyBinding // session-id -> binding
	cfg      Config
	log      zerolog.Logger
}

// New constructs a Rotator seeded with the given proxy URLs, all starting
// healthy.
func New(proxyURLs []string, cfg Config, log zerolog.Logger) *Rotator {
	r := &Rotator{
		proxies: make(map[string]*titan.ProxyEntry, len(proxyURLs)),
		sticky:  make(map[string]stickyBinding),
		cfg:     cfg,
		log:     log.With().Str("component", "rotator").Logger(),
	}
	for _, u := range proxyURLs {
		r.proxies[u] = &titan.ProxyEntry{URL: u, Health: titan.ProxyHealthy}
		r.order = append(r.order, u)
	}
	return r
}

// Select picks a proxy per strategy and sessionID (used only by sticky).
// It never returns a banned proxy, and returns a cooling one only when no
// healthy candidate exists. Returns "" with no error when the caller
// configured AllowNoProxyFallback and nothing is usable (sentinel
// direct/no-proxy path).
func (r *Rotator) Select(strategy Strategy, sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.reviveLocked(now)

	if strategy == StrategyStickySession && sessionID != "" {
		if b, ok := r.sticky[sessionID]; ok && now.Before(b.boundUntil) {
			if e, exists := r.proxies[b.proxyURL]; exists && e.Health != titan.ProxyBanned {
				return b.proxyURL, nil
			}
			// bound proxy banned or gone: fall through to rebind.
			delete(r.sticky, sessionID)
		}
	}

	healthy := r.candidatesLocked(titan.ProxyHealthy)
	pool := healthy
	if len(pool) == 0 {
		cooling := r.candidatesLocked(titan.ProxyCooling)
		pool = cooling
	}
	if len(pool) == 0 {
		if r.cfg.AllowNoProxyFallback {
			return "", nil
		}
		return "", titan.ErrNoProxyAvailable
	}

	var chosen string
	switch strategy {
	case StrategyRandom:
		chosen = pool[rand.IntN(len(pool))]
	case StrategyRoundRobin, StrategyStickySession:
		// Sticky with no existing binding still needs an initial pick;
		// round-robin is used for both cases and a fresh binding recorded.
		chosen = pool[r.rrCursor%len(pool)]
		r.rrCursor++
	default:
		chosen = pool[0]
	}

	if strategy == StrategyStickySession && sessionID != "" {
		r.sticky[sessionID] = stickyBinding{proxyURL: chosen, boundUntil: now.Add(r.cfg.StickyTTL)}
	}

	return chosen, nil
}

func (r *Rotator) candidatesLocked(h titan.ProxyHealth) []string {
	out := make([]string, 0, len(r.order))
	for _, u := range r.order {
		if e := r.proxies[u]; e != nil && e.Health == h {
			out = append(out, u)
		}
	}
	return out
}

// reviveLocked transitions cooling->healthy and banned->healthy entries
// whose timers have elapsed. Must be called with r.mu held.
func (r *Rotator) reviveLocked(now time.Time) {
	for _, e := range r.proxies {
		switch e.Health {
		case titan.ProxyCooling:
			if !e.CoolUntil.IsZero() && now.After(e.CoolUntil) {
				e.Health = titan.ProxyHealthy
				e.ConsecutiveFailures = 0
			}
		case titan.ProxyBanned:
			if !e.BanUntil.IsZero() && now.After(e.BanUntil) {
				e.Health = titan.ProxyHealthy
				e.ConsecutiveFailures = 0
			}
		}
	}
}

// MarkSoft records a soft failure (429/5xx) against a proxy, cooling it
// after cfg.SoftFailureThreshold consecutive soft failures.
func (r *Rotator) MarkSoft(proxyURL string) {
	if proxyURL == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.proxies[proxyURL]
	if !ok {
		return
	}
	e.ConsecutiveFailures++
	if e.Health == titan.ProxyHealthy && e.ConsecutiveFailures >= r.cfg.SoftFailureThreshold {
		e.Health = titan.ProxyCooling
		e.CoolUntil = time.Now().Add(r.cfg.CoolCooldown)
		r.log.Info().Str("proxy", proxyURL).Msg("proxy entering cooling state")
		r.evictStickyBindingsTo(proxyURL, true)
	}
}

// MarkHardBan immediately bans a proxy (403-with-challenge, explicit ban
// signal).
func (r *Rotator) MarkHardBan(proxyURL string) {
	if proxyURL == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.proxies[proxyURL]
	if !ok {
		return
	}
	e.Health = titan.ProxyBanned
	e.BanUntil = time.Now().Add(r.cfg.BanDuration)
	r.log.Warn().Str("proxy", proxyURL).Msg("proxy banned")
	r.evictStickyBindingsTo(proxyURL, false)
}

// MarkSuccess resets a proxy's consecutive-failure counter.
func (r *Rotator) MarkSuccess(proxyURL string) {
	if proxyURL == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.proxies[proxyURL]; ok {
		e.ConsecutiveFailures = 0
	}
}

// evictStickyBindingsTo drops sticky bindings pointing at proxyURL; when
// rebind is true the caller will pick up a new proxy on next Select, per
// spec §4.2 "a new proxy is bound and the session-id re-keyed."
func (r *Rotator) evictStickyBindingsTo(proxyURL string, rebind bool) {
	for sid, b := range r.sticky {
		if b.proxyURL == proxyURL {
			delete(r.sticky, sid)
		}
	}
	_ = rebind // eviction alone is sufficient; re-binding happens lazily on next Select.
}

// Snapshot returns a copy of all tracked proxy entries, for admin/metrics
// use.
func (r *Rotator) Snapshot() []titan.ProxyEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]titan.ProxyEntry, 0, len(r.proxies))
	for _, u := range r.order {
		out = append(out, *r.proxies[u])
	}
	return out
}
