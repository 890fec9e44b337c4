// Package classify implements the Failure Classifier (C1): a pure,
// stateless function mapping an AcquisitionOutcome and the tier that
// produced it to a Classification and an escalation hint.
//
// The rule table below follows the same ordered, first-match-wins shape
// as the rate-limit/challenge detector it is grounded on: each rule is a
// small predicate over the outcome, evaluated in sequence, and the first
// predicate that matches decides the verdict. No rule performs I/O.
package classify

import (
	"bytes"
	"regexp"

	"github.com/titan-scrape/titan/internal/titan"
)

// maxBodyScanBytes bounds how much of a response body the marker regexes
// run against, mirroring the ReDoS-safety cap used elsewhere in the
// codebase for untrusted response bodies.
const maxBodyScanBytes = 100 * 1024

// minSuccessBodyBytes is the configured floor below which a 2xx response
// is treated as suspiciously small (rule 9 / 3).
const minSuccessBodyBytes = 256

// MaxRetriesPerTier bounds rule 2's transient-retry loop before the
// classifier recommends escalation instead of another retry at the same
// tier.
const MaxRetriesPerTier = 3

var (
	// cfInterstitialPatterns match Cloudflare's "checking your browser" /
	// "just a moment" interstitial page sentinels. Uses [^<]{0,N} instead
	// of .{0,N} to avoid catastrophic backtracking on adversarial bodies.
	cfInterstitialPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)checking your browser before accessing`),
		regexp.MustCompile(`(?i)cf-browser-verification`),
		regexp.MustCompile(`(?i)cf_chl_opt`),
		regexp.MustCompile(`(?i)just a moment[^<]{0,40}</title>`),
		regexp.MustCompile(`(?i)<div id="cf-wrapper">`),
		regexp.MustCompile(`(?i)attention required[^<]{0,40}cloudflare`),
		regexp.MustCompile(`(?i)ddos-guard`),
	}

	turnstilePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)cf-turnstile`),
		regexp.MustCompile(`(?i)challenges\.cloudflare\.com/turnstile`),
		regexp.MustCompile(`(?i)turnstile-wrapper`),
	}

	hcaptchaPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)h-captcha`),
		regexp.MustCompile(`(?i)hcaptcha\.com/captcha`),
	}

	recaptchaPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)g-recaptcha`),
		regexp.MustCompile(`(?i)recaptcha/api\.js`),
	}

	wafBlockPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)access denied[^<]{0,40}</title>`),
		regexp.MustCompile(`(?i)request blocked`),
		regexp.MustCompile(`(?i)\bwaf\b.{0,20}block`),
	}
)

func scanWindow(body []byte) []byte {
	if len(body) > maxBodyScanBytes {
		return body[:maxBodyScanBytes]
	}
	return body
}

func anyMatch(patterns []*regexp.Regexp, body []byte) bool {
	for _, p := range patterns {
		if p.Match(body) {
			return true
		}
	}
	return false
}

func hasCFHeaderSentinel(o *titan.AcquisitionOutcome) bool {
	if o.ResponseHeaders == nil {
		return false
	}
	if o.ResponseHeaders.Get("cf-mitigated") != "" {
		return true
	}
	if o.ResponseHeaders.Get("cf-ray") != "" {
		return true
	}
	return false
}

// attemptState carries the per-tier retry count the orchestrator must
// track across calls; the classifier itself never stores state, but it
// needs this count as an explicit input to decide retry-vs-escalate
// (rule 2, rule 8).
type attemptState struct {
	AttemptsAtTier int
}

// Classify is the Failure Classifier's entry point. attemptsAtTier is the
// number of prior transient-retry attempts already made at tier for this
// orchestration run (0 on the first attempt).
func Classify(o *titan.AcquisitionOutcome, tier titan.Tier, attemptsAtTier int) titan.Verdict {
	if o == nil {
		// Caller bug, not a network condition: still return a deterministic
		// verdict rather than panicking, per "classifier never raises."
		return titan.Verdict{Class: titan.ClassFatal, Reason: "nil outcome"}
	}

	// Rule 1: network transport errors.
	switch o.ErrKind {
	case titan.ErrKindDNS:
		return titan.Verdict{Class: titan.ClassFatal, Reason: "dns resolution failure"}
	case titan.ErrKindConnect, titan.ErrKindTLS:
		return titan.Verdict{Class: titan.ClassTransientRetry, Reason: "connect/tls failure"}
	}

	// Rule 2: timeout.
	if o.ErrKind == titan.ErrKindTimeout {
		if attemptsAtTier < MaxRetriesPerTier {
			return titan.Verdict{Class: titan.ClassTransientRetry, Reason: "timeout, retrying at same tier"}
		}
		next, _ := tier.Next()
		return titan.Verdict{Class: titan.ClassChallengeEscalate, NextTierHint: next, Reason: "repeated timeout, origin may be stalling JS"}
	}

	body := scanWindow(o.Body)

	// Rule 3: clean success.
	if o.OK && o.StatusCode >= 200 && o.StatusCode < 300 {
		if len(o.Body) >= minSuccessBodyBytes && !hasAnyChallengeMarker(body) {
			return titan.Verdict{Class: titan.ClassSuccess, Reason: "2xx with adequate body and no challenge markers"}
		}
	}

	// Rule 4: CF interstitial on 403/503.
	if (o.StatusCode == 403 || o.StatusCode == 503) && (hasCFHeaderSentinel(o) || anyMatch(cfInterstitialPatterns, body)) {
		if tier == titan.T5FullBrowserCaptchaSolver {
			return titan.Verdict{Class: titan.ClassNeedsManualSolve, MarkProxy: titan.ProxyHintHardBan, Reason: "cf interstitial at final tier"}
		}
		next, _ := tier.Next()
		return titan.Verdict{Class: titan.ClassChallengeEscalate, NextTierHint: next, MarkProxy: titan.ProxyHintHardBan, Reason: "cf interstitial"}
	}

	// Rule 5: Turnstile widget markers.
	if anyMatch(turnstilePatterns, body) {
		if tier == titan.T4StealthAVEvasion || tier == titan.T5FullBrowserCaptchaSolver {
			return titan.Verdict{Class: titan.ClassNeedsManualSolve, Reason: "turnstile widget present at T4/T5"}
		}
		next, _ := tier.Next()
		return titan.Verdict{Class: titan.ClassChallengeEscalate, NextTierHint: next, Reason: "turnstile widget present"}
	}

	// Rule 6: rate limiting.
	if o.StatusCode == 429 || o.RetryAfter > 0 {
		if attemptsAtTier < MaxRetriesPerTier {
			return titan.Verdict{Class: titan.ClassTransientRetry, MarkProxy: titan.ProxyHintSoftFailure, Reason: "429/retry-after, backing off"}
		}
		next, _ := tier.Next()
		return titan.Verdict{Class: titan.ClassChallengeEscalate, NextTierHint: next, MarkProxy: titan.ProxyHintSoftFailure, Reason: "repeated rate limiting"}
	}

	// Rule 7: other 4xx.
	if o.StatusCode >= 400 && o.StatusCode < 500 {
		return titan.Verdict{Class: titan.ClassFatal, Reason: "non-recoverable 4xx"}
	}

	// Rule 8: 5xx (non-CF, already excluded by rule 4).
	if o.StatusCode >= 500 {
		if attemptsAtTier < MaxRetriesPerTier {
			return titan.Verdict{Class: titan.ClassTransientRetry, MarkProxy: titan.ProxyHintSoftFailure, Reason: "5xx, retrying"}
		}
		return titan.Verdict{Class: titan.ClassFatal, Reason: "repeated 5xx"}
	}

	// Rule 9: 2xx but undersized body or unexpected content-type.
	if o.OK && o.StatusCode >= 200 && o.StatusCode < 300 {
		next, _ := tier.Next()
		return titan.Verdict{Class: titan.ClassChallengeEscalate, NextTierHint: next, Reason: "2xx but body below floor or unexpected content-type"}
	}

	// Nothing matched: treat conservatively as fatal rather than silently
	// succeeding, since classify() must always return a decisive verdict.
	return titan.Verdict{Class: titan.ClassFatal, Reason: "unclassified outcome"}
}

func hasAnyChallengeMarker(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return false
	}
	return anyMatch(cfInterstitialPatterns, body) ||
		anyMatch(turnstilePatterns, body) ||
		anyMatch(hcaptchaPatterns, body) ||
		anyMatch(recaptchaPatterns, body) ||
		anyMatch(wafBlockPatterns, body)
}

// DetectChallenge classifies which challenge tag (if any) a body exhibits,
// independent of status code. Drivers use this to populate
// AcquisitionOutcome.Challenge before handing the outcome to Classify.
func DetectChallenge(body []byte) titan.ChallengeTag {
	w := scanWindow(body)
	switch {
	case anyMatch(turnstilePatterns, w):
		return titan.ChallengeCFTurnstile
	case anyMatch(cfInterstitialPatterns, w):
		return titan.ChallengeCFInterstitial
	case anyMatch(hcaptchaPatterns, w):
		return titan.ChallengeHCaptcha
	case anyMatch(recaptchaPatterns, w):
		return titan.ChallengeRecaptcha
	case anyMatch(wafBlockPatterns, w):
		return titan.ChallengeWAFBlock
	default:
		return titan.ChallengeNone
	}
}
