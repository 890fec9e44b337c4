package tier

import (
	"context"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/titan"
)

// StealthCDPDriver is T3: a headless, stealth-patched Chrome driven over
// CDP. It executes JS and waits out the standard Cloudflare interstitial,
// but carries none of T4's extra anti-AV launcher hardening.
type StealthCDPDriver struct {
	pool *BrowserPool
	log  zerolog.Logger
	tier titan.Tier
}

func NewStealthCDPDriver(pool *BrowserPool, log zerolog.Logger) *StealthCDPDriver {
	return &StealthCDPDriver{pool: pool, log: log.With().Str("tier", "T3").Logger(), tier: titan.T3StealthCDPBrowser}
}

func (d *StealthCDPDriver) Capabilities() titan.Capabilities {
	return titan.Capabilities{
		Name:                 "stealth-cdp-browser",
		Level:                titan.T3StealthCDPBrowser,
		TypicalOverheadBytes: 120 * 1024,
		TypicalLatencyMs:     3500,
		CanRenderJS:          true,
		CanExecuteChallenge:  true,
		CanSolveCaptchaAuto:  false,
	}
}

func (d *StealthCDPDriver) Execute(ctx context.Context, req *titan.Request) (*titan.AcquisitionOutcome, error) {
	start := time.Now()

	b, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, titan.NewDriverError(d.tier, "acquire", err)
	}
	defer d.pool.Release(b)

	page, err := NewStealthPage(b)
	if err != nil {
		return nil, titan.NewDriverError(d.tier, "new-page", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	proxyCleanup, err := setupPageProxyAuth(ctx, page, req.ProxyURL)
	if err != nil {
		d.log.Warn().Err(err).Msg("proxy auth setup failed, continuing unauthenticated")
	}
	defer proxyCleanup()

	if req.BlockImages {
		_ = proto.NetworkSetBlockedURLs{Urls: []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp"}}.Call(page)
	}

	nc, detach := AttachNetworkCapture(page)
	defer detach()

	if err := page.Navigate(req.URL); err != nil {
		return &titan.AcquisitionOutcome{
			Tier: d.tier, ErrKind: titan.ErrKindConnect, Err: err,
			ProxyURL: req.ProxyURL, Elapsed: time.Since(start),
		}, nil
	}
	_ = page.WaitLoad()

	if req.Wait.Selector != "" {
		_, _ = page.Timeout(10 * time.Second).Element(req.Wait.Selector)
	} else if req.Wait.Delay > 0 {
		time.Sleep(req.Wait.Delay)
	}

	pollCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	if titleHasChallenge(safeTitle(page)) || pageHasChallengeSelector(page) {
		pollForResolution(pollCtx, page)
	}

	outcome := buildOutcomeFromPage(page, d.tier, req.ProxyURL, time.Since(start), nc)
	return outcome, nil
}

func (d *StealthCDPDriver) Cleanup() error {
	return d.pool.Close()
}

func safeTitle(page *rod.Page) string {
	info, err := page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.Title
}
