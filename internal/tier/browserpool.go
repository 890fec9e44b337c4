package tier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/titan"
	"golang.org/x/sync/errgroup"
)

// BrowserPoolConfig mirrors the reference browser-pool service's Config
// fields relevant to launching and recycling headless Chrome instances.
type BrowserPoolConfig struct {
	Size            int
	MaxAge          time.Duration
	HealthInterval  time.Duration
	RecycleLimit    int
	StealthProfile  string // "standard" (T3) or "hardened" (T4/T5 AV-evasion flags)
}

func DefaultBrowserPoolConfig(profile string) BrowserPoolConfig {
	return BrowserPoolConfig{
		Size:           4,
		MaxAge:         30 * time.Minute,
		HealthInterval: time.Minute,
		RecycleLimit:   4,
		StealthProfile: profile,
	}
}

type browserEntry struct {
	browser   *rod.Browser
	createdAt time.Time
	useCount  atomic.Int64
}

// BrowserPool is a bounded pool of stealth-launched Chrome instances,
// grounded on the reference service's internal/browser.Pool: pre-warmed
// on construction, recycled by age and by a bounded semaphore, closed via
// a parallel errgroup-bounded shutdown.
type BrowserPool struct {
	mu        sync.Mutex
	entries   []*browserEntry
	available chan *rod.Browser
	cfg       BrowserPoolConfig
	log       zerolog.Logger
	closed    atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	recycleSem chan struct{}
}

func NewBrowserPool(cfg BrowserPoolConfig, log zerolog.Logger) (*BrowserPool, error) {
	p := &BrowserPool{
		available:  make(chan *rod.Browser, cfg.Size),
		cfg:        cfg,
		log:        log.With().Str("component", "browserpool").Str("profile", cfg.StealthProfile).Logger(),
		stopCh:     make(chan struct{}),
		recycleSem: make(chan struct{}, cfg.RecycleLimit),
	}
	for i := 0; i < cfg.Size; i++ {
		b, err := p.spawn()
		if err != nil {
			_ = p.Close()
			return nil, titan.NewDriverError(titan.T3StealthCDPBrowser, "prewarm", err)
		}
		p.available <- b
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthCheckRoutine()
	}()
	return p, nil
}

func (p *BrowserPool) launcherFlags() *launcher.Launcher {
	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-infobars").
		Set("no-first-run").
		Set("no-default-browser-check")
	if p.cfg.StealthProfile == "hardened" {
		l = l.
			Set("disable-features", "IsolateOrigins,site-per-process").
			Set("use-gl", "swiftshader").
			Set("disable-webrtc").
			Set("disable-dev-shm-usage")
	}
	return l
}

func (p *BrowserPool) spawn() (*rod.Browser, error) {
	u, err := p.launcherFlags().Launch()
	if err != nil {
		return nil, err
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.entries = append(p.entries, &browserEntry{browser: b, createdAt: time.Now()})
	p.mu.Unlock()
	return b, nil
}

// Acquire pulls a browser from the pool, respecting ctx cancellation.
func (p *BrowserPool) Acquire(ctx context.Context) (*rod.Browser, error) {
	if p.closed.Load() {
		return nil, titan.ErrDriverPoolClosed
	}
	select {
	case b, ok := <-p.available:
		if !ok {
			return nil, titan.ErrDriverPoolClosed
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, titan.ErrDriverPoolExhausted
	}
}

// Release returns a browser to the pool after clearing its pages,
// recycling it instead if it has exceeded MaxAge.
func (p *BrowserPool) Release(b *rod.Browser) {
	if p.closed.Load() {
		_ = b.Close()
		return
	}
	p.mu.Lock()
	var age time.Duration
	for _, e := range p.entries {
		if e.browser == b {
			age = time.Since(e.createdAt)
			e.useCount.Add(1)
			break
		}
	}
	p.mu.Unlock()

	if pages, err := b.Pages(); err == nil {
		for _, pg := range pages {
			_ = pg.Navigate("about:blank")
		}
	}

	if age > p.cfg.MaxAge {
		p.recycle(b)
		return
	}

	select {
	case p.available <- b:
	default:
		// pool already full (shouldn't happen under correct accounting);
		// close the surplus browser rather than leak it.
		_ = b.Close()
	}
}

// recycle must never be called while holding p.mu: it performs a
// browser close and a fresh launch, both of which can block for seconds.
func (p *BrowserPool) recycle(old *rod.Browser) {
	select {
	case p.recycleSem <- struct{}{}:
		defer func() { <-p.recycleSem }()
	case <-p.stopCh:
		_ = old.Close()
		return
	}

	_ = old.Close()
	p.mu.Lock()
	for i, e := range p.entries {
		if e.browser == old {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	fresh, err := p.spawn()
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to respawn browser during recycle")
		return
	}
	select {
	case p.available <- fresh:
	case <-p.stopCh:
		_ = fresh.Close()
	}
}

func (p *BrowserPool) healthCheckRoutine() {
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.recycleStale()
		case <-p.stopCh:
			return
		}
	}
}

func (p *BrowserPool) recycleStale() {
	p.mu.Lock()
	var stale []*rod.Browser
	now := time.Now()
	for _, e := range p.entries {
		if now.Sub(e.createdAt) > p.cfg.MaxAge {
			stale = append(stale, e.browser)
		}
	}
	p.mu.Unlock()

	for _, b := range stale {
		select {
		case acquired := <-p.available:
			if acquired == b {
				p.recycle(b)
			} else {
				p.available <- acquired
			}
		default:
		}
	}
}

// Close shuts down every browser under a bounded errgroup, matching the
// reference pool's parallel-close-with-limit shutdown discipline.
func (p *BrowserPool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()
	close(p.available)

	var eg errgroup.Group
	eg.SetLimit(4)
	p.mu.Lock()
	entries := append([]*browserEntry(nil), p.entries...)
	p.mu.Unlock()
	for _, e := range entries {
		b := e.browser
		eg.Go(func() error {
			return b.Close()
		})
	}
	return eg.Wait()
}

// NewStealthPage opens a page wired through go-rod/stealth so it doesn't
// expose the usual automation fingerprints.
func NewStealthPage(b *rod.Browser) (*rod.Page, error) {
	return stealth.Page(b)
}
