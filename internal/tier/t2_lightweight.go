package tier

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/classify"
	"github.com/titan-scrape/titan/internal/titan"
)

// LightweightBrowserDriver is T2: a driver.requests-style client with a
// real browser's HTTP/header stack (Accept, Accept-Language,
// Sec-Fetch-*, Sec-Ch-Ua) but no JS execution — handles some JS-required
// sites through cookie walls alone, without paying for a DOM.
type LightweightBrowserDriver struct {
	log zerolog.Logger
	ua  string
}

func NewLightweightBrowserDriver(userAgent string, log zerolog.Logger) *LightweightBrowserDriver {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	return &LightweightBrowserDriver{log: log.With().Str("tier", "T2").Logger(), ua: userAgent}
}

func (d *LightweightBrowserDriver) Capabilities() titan.Capabilities {
	return titan.Capabilities{
		Name:                 "lightweight-browser",
		Level:                titan.T2LightweightBrowser,
		TypicalOverheadBytes: 8 * 1024,
		TypicalLatencyMs:     600,
		CanRenderJS:          false,
		CanExecuteChallenge:  false,
		CanSolveCaptchaAuto:  false,
	}
}

func browserLikeHeaders(h http.Header, ua string) http.Header {
	if h == nil {
		h = http.Header{}
	}
	h.Set("User-Agent", ua)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

func (d *LightweightBrowserDriver) Execute(ctx context.Context, req *titan.Request) (*titan.AcquisitionOutcome, error) {
	start := time.Now()

	transport := &http.Transport{ForceAttemptHTTP2: true, MaxIdleConnsPerHost: 4}
	if req.ProxyURL != "" {
		pu, err := url.Parse(req.ProxyURL)
		if err != nil {
			return &titan.AcquisitionOutcome{Tier: titan.T2LightweightBrowser, ErrKind: titan.ErrKindConnect, Err: err}, nil
		}
		transport.Proxy = http.ProxyURL(pu)
	}
	client := &http.Client{Transport: transport}

	method := http.MethodGet
	var body io.Reader
	if len(req.PostBody) > 0 {
		method = http.MethodPost
		body = bytes.NewReader(req.PostBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return &titan.AcquisitionOutcome{Tier: titan.T2LightweightBrowser, ErrKind: titan.ErrKindConnect, Err: err}, nil
	}
	httpReq.Header = browserLikeHeaders(req.Headers.Clone(), d.ua)
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return &titan.AcquisitionOutcome{
			Tier: titan.T2LightweightBrowser, ErrKind: classifyTransportErr(err), Err: err,
			ProxyURL: req.ProxyURL, Elapsed: elapsed,
		}, nil
	}
	defer resp.Body.Close()

	content, _ := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	outcome := &titan.AcquisitionOutcome{
		OK:              resp.StatusCode >= 200 && resp.StatusCode < 400,
		StatusCode:      resp.StatusCode,
		Body:            content,
		ContentType:     resp.Header.Get("Content-Type"),
		Elapsed:         elapsed,
		Tier:            titan.T2LightweightBrowser,
		ProxyURL:        req.ProxyURL,
		ResponseHeaders: resp.Header,
		Challenge:       classify.DetectChallenge(content),
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		outcome.RetryAfter = parseRetryAfter(ra)
	}
	return outcome, nil
}

func (d *LightweightBrowserDriver) Cleanup() error { return nil }
