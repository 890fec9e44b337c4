package tier

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/titan-scrape/titan/internal/browser"
	"github.com/titan-scrape/titan/internal/classify"
	"github.com/titan-scrape/titan/internal/humanize"
	"github.com/titan-scrape/titan/internal/selectors"
	"github.com/titan-scrape/titan/internal/titan"
)

// challengeSelectors names interstitial-stage wrapper elements that show
// up around the Turnstile widget selectors.Get() tracks, so a page can
// still be flagged mid-challenge even before the widget itself attaches.
var challengeSelectors = []string{
	"#cf-challenge-running", ".ray_id", "#turnstile-wrapper", ".cf-turnstile",
	"#cf-wrapper", "#challenge-running", "#challenge-stage", "#cf-spinner-please-wait",
}

// setupPageProxyAuth wires the CDP Fetch-domain auth handler for a page
// when the request's proxy URL embeds basic-auth credentials, so a
// challenge from the upstream proxy itself doesn't surface as a failed
// navigation. Returns a no-op cleanup when there's nothing to do.
func setupPageProxyAuth(ctx context.Context, page *rod.Page, proxyURL string) (cleanup func(), err error) {
	if proxyURL == "" {
		return func() {}, nil
	}
	pu, perr := url.Parse(proxyURL)
	if perr != nil || pu.User == nil {
		return func() {}, nil
	}
	password, _ := pu.User.Password()
	return browser.SetPageProxy(ctx, page, &browser.ProxyConfig{
		URL:      proxyURL,
		Username: pu.User.Username(),
		Password: password,
	})
}

func titleHasChallenge(title string) bool {
	lower := strings.ToLower(title)
	for _, t := range selectors.Get().JavaScript {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func pageHasChallengeSelector(page *rod.Page) bool {
	for _, sel := range challengeSelectors {
		has, _, err := page.Has(sel)
		if err == nil && has {
			return true
		}
	}
	for _, sel := range selectors.Get().TurnstileSelectors {
		has, _, err := page.Has(sel)
		if err == nil && has {
			return true
		}
	}
	return false
}

func hasCFClearanceCookie(page *rod.Page) (string, bool) {
	cookies, err := page.Cookies(nil)
	if err != nil {
		return "", false
	}
	for _, c := range cookies {
		if c.Name == "cf_clearance" && len(c.Value) > 50 {
			return c.Value, true
		}
	}
	return "", false
}

func extraCookies(page *rod.Page) map[string]string {
	out := make(map[string]string)
	cookies, err := page.Cookies(nil)
	if err != nil {
		return out
	}
	for _, c := range cookies {
		if c.Name != "cf_clearance" {
			out[c.Name] = c.Value
		}
	}
	return out
}

// pollForResolution waits for the challenge to resolve (title/selector
// clear, or clearance cookie appears) or for ctx to expire, returning
// whether it resolved and any clearance cookie found. The poll interval
// is jittered rather than fixed, the same variance
// humanize.Timing.RandomPollInterval documents replacing a fixed 1s
// solver loop with, since a perfectly regular polling cadence is itself
// a signal a detector can fingerprint.
func pollForResolution(ctx context.Context, page *rod.Page) (resolved bool, clearance string) {
	for {
		if cc, ok := hasCFClearanceCookie(page); ok {
			return true, cc
		}
		title, _ := page.Info()
		if title != nil && !titleHasChallenge(title.Title) && !pageHasChallengeSelector(page) {
			return true, ""
		}
		if !humanize.SleepWithContext(ctx, humanize.RandomPollInterval()) {
			return false, ""
		}
	}
}

// simulateHumanBrowsing performs a small scroll and dwell before a
// challenge check, the behavioral noise T4/T5's heavier AV-evasion
// profile adds on top of T3's plain CDP polling.
func simulateHumanBrowsing(ctx context.Context, page *rod.Page) {
	scroller := humanize.NewScroller(page)
	if err := scroller.RandomSmallScroll(ctx); err != nil {
		return
	}
	humanize.SleepWithContext(ctx, humanize.HumanDelay("scroll"))
}

// buildOutcomeFromPage constructs an AcquisitionOutcome from a settled
// CDP page, reading status via the network capture recorded during
// navigation.
func buildOutcomeFromPage(page *rod.Page, tier titan.Tier, proxyURL string, elapsed time.Duration, nc *NetworkCapture) *titan.AcquisitionOutcome {
	html, _ := page.HTML()
	status := nc.StatusCode()
	headers := nc.Headers()

	httpHeader := make(map[string][]string, len(headers))
	for k, v := range headers {
		httpHeader[k] = []string{v}
	}

	outcome := &titan.AcquisitionOutcome{
		OK:              status >= 200 && status < 400,
		StatusCode:      status,
		Body:            []byte(html),
		ContentType:     headers["content-type"],
		Elapsed:         elapsed,
		Tier:            tier,
		ProxyURL:        proxyURL,
		Challenge:       classify.DetectChallenge([]byte(html)),
		ResponseHeaders: httpHeader,
	}
	if cc, ok := hasCFClearanceCookie(page); ok {
		outcome.NewSession = &titan.ExtractedSession{
			ClearanceCookie: cc,
			ExtraCookies:    extraCookies(page),
		}
	}
	return outcome
}
