// Package sessionstore implements the Session Store (C3): a domain-keyed
// cache of Cloudflare clearance cookies with TTL. It is grounded directly
// on the pre-distillation Python SessionCacheManager: the same cache key
// format (titan:session:{domain}), the same 25-minute default TTL, and
// the same "Redis when available, in-memory otherwise" backend split.
package sessionstore

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/titan-scrape/titan/internal/titan"
)

// CacheKeyPrefix matches the key format used by the external-KV contract
// in spec §6.
const CacheKeyPrefix = "titan:session:"

// DefaultTTL is 25 minutes: Cloudflare clearance cookies are typically
// valid ~30 minutes; this leaves a safety margin.
const DefaultTTL = 25 * time.Minute

// Backend is the interchangeable storage contract. Both the in-memory and
// Redis implementations satisfy it identically — callers never branch on
// backend kind.
type Backend interface {
	Get(ctx context.Context, domain string) (*titan.SessionEntry, error)
	Put(ctx context.Context, entry *titan.SessionEntry, ttl time.Duration) error
	Invalidate(ctx context.Context, domain string) (bool, error)
	Enumerate(ctx context.Context) ([]*titan.SessionEntry, error)
}

// Store is the public C3 surface: Get/Put/Invalidate/Enumerate plus the
// Inject helper, all backed by a pluggable Backend.
type Store struct {
	backend Backend
}

func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// CacheKey builds the titan:session:{domain} key for a normalized domain.
func CacheKey(domain string) string {
	return CacheKeyPrefix + domain
}

// NormalizeDomain extracts and normalizes the host portion of a URL or a
// bare domain: lowercased, port stripped unless non-default for the
// scheme implied (http assumed when no scheme is present).
func NormalizeDomain(urlOrDomain string) string {
	raw := urlOrDomain
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(urlOrDomain)
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		return host
	}
	scheme := u.Scheme
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		return host
	}
	return host + ":" + port
}

// Get returns the cached session for a domain, or nil if absent/expired.
// Expired entries are lazily removed, per spec §4.3.
func (s *Store) Get(ctx context.Context, urlOrDomain string) (*titan.SessionEntry, error) {
	domain := NormalizeDomain(urlOrDomain)
	entry, err := s.backend.Get(ctx, domain)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	if !entry.IsValid(time.Now()) {
		_, _ = s.backend.Invalidate(ctx, domain)
		return nil, nil
	}
	return entry, nil
}

// Put caches a session for a domain with the given TTL (DefaultTTL if
// ttl <= 0). A second identical Put is idempotent: the observable state
// after put(D,E); put(D,E) equals one put(D,E).
func (s *Store) Put(ctx context.Context, domain, clearanceCookie, userAgent string, cookies map[string]string, ttl time.Duration) (*titan.SessionEntry, error) {
	domain = NormalizeDomain(domain)
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	entry := &titan.SessionEntry{
		Domain:          domain,
		ClearanceCookie: clearanceCookie,
		UserAgent:       userAgent,
		Cookies:         cookies,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := s.backend.Put(ctx, entry, ttl); err != nil {
		return nil, err
	}
	return entry, nil
}

// Invalidate removes a domain's cached session, returning whether one
// existed.
func (s *Store) Invalidate(ctx context.Context, urlOrDomain string) (bool, error) {
	return s.backend.Invalidate(ctx, NormalizeDomain(urlOrDomain))
}

// Enumerate lists all currently-valid cached sessions (admin use).
func (s *Store) Enumerate(ctx context.Context) ([]*titan.SessionEntry, error) {
	all, err := s.backend.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]*titan.SessionEntry, 0, len(all))
	for _, e := range all {
		if e.IsValid(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Inject looks up the cached session for a URL and, if present, merges
// its clearance cookie into the Cookie header and restores the
// User-Agent that was used when the cookie was issued — CF clearance is
// UA-bound, so reusing a different UA invalidates it server-side.
func (s *Store) Inject(ctx context.Context, targetURL string, headers http.Header) (http.Header, *titan.SessionEntry, error) {
	if headers == nil {
		headers = http.Header{}
	}
	entry, err := s.Get(ctx, targetURL)
	if err != nil {
		return headers, nil, err
	}
	if entry == nil {
		return headers, nil, nil
	}

	cfCookie := "cf_clearance=" + entry.ClearanceCookie
	if existing := headers.Get("Cookie"); existing != "" {
		headers.Set("Cookie", existing+"; "+cfCookie)
	} else {
		headers.Set("Cookie", cfCookie)
	}
	if entry.UserAgent != "" {
		headers.Set("User-Agent", entry.UserAgent)
	}
	return headers, entry, nil
}

// memoryBackend is the in-process fallback, grounded on the RWMutex
// map + lazy-expiry-on-get pattern used throughout the reference
// service's session manager.
type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*titan.SessionEntry
}

func NewMemoryBackend() Backend {
	return &memoryBackend{entries: make(map[string]*titan.SessionEntry)}
}

func (m *memoryBackend) Get(_ context.Context, domain string) (*titan.SessionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[domain]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memoryBackend) Put(_ context.Context, entry *titan.SessionEntry, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries[entry.Domain] = &cp
	return nil
}

func (m *memoryBackend) Invalidate(_ context.Context, domain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.entries[domain]
	delete(m.entries, domain)
	return existed, nil
}

func (m *memoryBackend) Enumerate(_ context.Context) ([]*titan.SessionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*titan.SessionEntry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
