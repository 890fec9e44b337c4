package tier

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/rs/zerolog"
	"github.com/titan-scrape/titan/internal/classify"
	"github.com/titan-scrape/titan/internal/titan"
	"golang.org/x/net/http2"
)

// fingerprintPool is the rotatable set of JA3/JA4-shaped TLS ClientHellos
// T1 cycles through, each mimicking a real browser so the TLS handshake
// alone doesn't out it as a bot client.
var fingerprintPool = []utls.ClientHelloID{
	utls.HelloChrome_120,
	utls.HelloFirefox_120,
	utls.HelloSafari_16_0,
	utls.HelloEdge_106,
}

// ImpersonatingClientConfig configures T1.
type ImpersonatingClientConfig struct {
	UserAgents []string // rotated alongside the TLS fingerprint for consistency
}

func DefaultImpersonatingConfig() ImpersonatingClientConfig {
	return ImpersonatingClientConfig{
		UserAgents: []string{
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:120.0) Gecko/20100101 Firefox/120.0",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15",
		},
	}
}

// ImpersonatingDriver is T1: a raw TLS client with a rotating JA3/JA4
// fingerprint and no JS execution. Cheapest rung, covers static HTML and
// simple cookie walls.
type ImpersonatingDriver struct {
	cfg     ImpersonatingClientConfig
	log     zerolog.Logger
	cursor  atomic.Uint64
	closed  atomic.Bool
}

func NewImpersonatingDriver(cfg ImpersonatingClientConfig, log zerolog.Logger) *ImpersonatingDriver {
	return &ImpersonatingDriver{cfg: cfg, log: log.With().Str("tier", "T1").Logger()}
}

func (d *ImpersonatingDriver) Capabilities() titan.Capabilities {
	return titan.Capabilities{
		Name:                 "impersonating-http-client",
		Level:                titan.T1ImpersonatingClient,
		TypicalOverheadBytes: 2 * 1024,
		TypicalLatencyMs:     300,
		CanRenderJS:          false,
		CanExecuteChallenge:  false,
		CanSolveCaptchaAuto:  false,
	}
}

func (d *ImpersonatingDriver) pick() (utls.ClientHelloID, string) {
	n := d.cursor.Add(1)
	fp := fingerprintPool[n%uint64(len(fingerprintPool))]
	ua := d.cfg.UserAgents[n%uint64(len(d.cfg.UserAgents))]
	return fp, ua
}

// dialTLSWithFingerprint performs the TCP dial then layers a uTLS
// handshake using the given ClientHelloID, so the resulting connection's
// handshake byte layout matches a real browser instead of Go's default
// crypto/tls fingerprint.
func dialTLSWithFingerprint(ctx context.Context, network, addr string, fp utls.ClientHelloID) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	rawConn, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return handshakeFingerprint(ctx, rawConn, host, fp)
}

// dialTLSWithFingerprintViaProxy tunnels through an HTTP CONNECT proxy
// before layering the uTLS handshake. net/http's Transport only calls
// DialTLSContext for non-proxied HTTPS requests — if Transport.Proxy is
// set it always does its own CONNECT-then-crypto/tls handshake and never
// reaches our fingerprinted dialer, silently discarding the whole point of
// T1 for any proxied request. Tunneling here instead, with Transport.Proxy
// left unset so Transport treats this as a direct dial, keeps the uTLS
// handshake in the path for proxied requests too.
func dialTLSWithFingerprintViaProxy(ctx context.Context, network, addr string, fp utls.ClientHelloID, proxyURL *url.URL) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(proxyURL.Host, "80")
	}
	rawConn, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, network, proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial proxy: %w", err)
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		connectReq.SetBasicAuth(proxyURL.User.Username(), password)
	}
	if err := connectReq.Write(rawConn); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(rawConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_ = rawConn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	if br.Buffered() > 0 {
		_ = rawConn.Close()
		return nil, errors.New("proxy sent data before CONNECT tunnel established")
	}

	return handshakeFingerprint(ctx, rawConn, host, fp)
}

// handshakeFingerprint layers the uTLS handshake over an already-dialed
// plain connection (direct or through a proxy CONNECT tunnel).
func handshakeFingerprint(ctx context.Context, rawConn net.Conn, host string, fp utls.ClientHelloID) (net.Conn, error) {
	uconn := utls.UClient(rawConn, &utls.Config{ServerName: host}, fp)
	if err := uconn.HandshakeContext(ctx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return uconn, nil
}

func (d *ImpersonatingDriver) buildClient(fp utls.ClientHelloID, proxyURL string) (*http.Client, error) {
	transport := &http.Transport{
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
	}
	if proxyURL != "" {
		pu, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLSWithFingerprintViaProxy(ctx, network, addr, fp, pu)
		}
	} else {
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialTLSWithFingerprint(ctx, network, addr, fp)
		}
	}
	// Register x/net/http2 on the transport with its default settings;
	// no SETTINGS values or frame ordering are customised here.
	_ = http2.ConfigureTransport(transport)
	return &http.Client{Transport: transport}, nil
}

func (d *ImpersonatingDriver) Execute(ctx context.Context, req *titan.Request) (*titan.AcquisitionOutcome, error) {
	start := time.Now()
	fp, ua := d.pick()

	client, err := d.buildClient(fp, req.ProxyURL)
	if err != nil {
		return &titan.AcquisitionOutcome{
			Tier: titan.T1ImpersonatingClient, ErrKind: titan.ErrKindConnect, Err: err,
			ProxyURL: req.ProxyURL, Elapsed: time.Since(start),
		}, nil
	}

	method := http.MethodGet
	var body io.Reader
	if len(req.PostBody) > 0 {
		method = http.MethodPost
		body = bytes.NewReader(req.PostBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return &titan.AcquisitionOutcome{
			Tier: titan.T1ImpersonatingClient, ErrKind: titan.ErrKindConnect, Err: err,
		}, nil
	}
	if req.Headers != nil {
		httpReq.Header = req.Headers.Clone()
	}
	httpReq.Header.Set("User-Agent", ua)
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}

	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return &titan.AcquisitionOutcome{
			Tier: titan.T1ImpersonatingClient, ErrKind: classifyTransportErr(err), Err: err,
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
		Tier:            titan.T1ImpersonatingClient,
		ProxyURL:        req.ProxyURL,
		ResponseHeaders: resp.Header,
		Challenge:       classify.DetectChallenge(content),
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		outcome.RetryAfter = parseRetryAfter(ra)
	}
	return outcome, nil
}

func (d *ImpersonatingDriver) Cleanup() error {
	d.closed.Store(true)
	return nil
}

func classifyTransportErr(err error) titan.ErrorKind {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return titan.ErrKindDNS
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return titan.ErrKindTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return titan.ErrKindTimeout
	}
	return titan.ErrKindConnect
}

func parseRetryAfter(v string) time.Duration {
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	return 0
}
