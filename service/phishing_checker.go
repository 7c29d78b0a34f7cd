package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/xrash/smetrics"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/circuitbreaker"
	"github.com/layer-3/warden/internal/logging"
	"github.com/layer-3/warden/internal/metrics"
	"github.com/layer-3/warden/ports"
)

const (
	DefaultPhishingTimeout = 300 * time.Millisecond

	// degradedConfidenceCap bounds heuristic confidence when a blocklist did not answer
	degradedConfidenceCap = 0.5
	// heuristicPhishingThreshold is the heuristic confidence that alone marks a URL as phishing
	heuristicPhishingThreshold = 0.6
	lookalikeDistance          = 2
	poisoningAffixLen          = 4
)

var DefaultProtectedDomains = []string{
	"metamask.io",
	"uniswap.org",
	"opensea.io",
	"etherscan.io",
	"coinbase.com",
	"phantom.app",
}

var lureKeywords = []string{
	"airdrop", "claim", "giveaway", "free-mint", "walletconnect",
	"seed", "recover", "verify-wallet", "bonus", "unlock",
}

// PhishingConfig tunes blocklist lookups
type PhishingConfig struct {
	Timeout          time.Duration
	ProtectedDomains []string
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// PhishingChecker classifies URLs and addresses against blocklists and heuristics.
// A slow or failing source never fails a check; the result is marked degraded.
type PhishingChecker struct {
	sources   []ports.BlocklistSource
	breaker   *circuitbreaker.Breaker
	protected []string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewPhishingChecker creates a checker over sources
func NewPhishingChecker(sources []ports.BlocklistSource, cfg PhishingConfig, logger *slog.Logger) *PhishingChecker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPhishingTimeout
	}
	protected := cfg.ProtectedDomains
	if len(protected) == 0 {
		protected = DefaultProtectedDomains
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &PhishingChecker{
		sources:   sources,
		breaker:   circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		protected: protected,
		timeout:   timeout,
		logger:    logger,
	}
}

type verdict struct {
	hit        bool
	confidence float64
	reasons    []string
}

func (v *verdict) add(weight float64, reason string) {
	v.confidence += weight
	v.reasons = append(v.reasons, reason)
}

func (v *verdict) result(degraded bool) *core.PhishingResult {
	res := &core.PhishingResult{
		IsPhishing: v.hit || v.confidence >= heuristicPhishingThreshold,
		Confidence: v.confidence,
		Reasons:    v.reasons,
		Degraded:   degraded,
	}
	if v.hit {
		res.Confidence = 1
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	if degraded && !v.hit && res.Confidence > degradedConfidenceCap {
		res.Confidence = degradedConfidenceCap
	}
	if res.Reasons == nil {
		res.Reasons = []string{}
	}
	return res
}

// CheckURL classifies a URL
func (c *PhishingChecker) CheckURL(ctx context.Context, raw string) (*core.PhishingResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, core.NewValidationError("url", "is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return nil, core.NewValidationError("url", "must be an absolute URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, core.NewValidationError("url", "scheme must be http or https")
	}

	host := u.Hostname()
	isIP := net.ParseIP(host) != nil
	if !isIP {
		if host, err = core.NormalizeHost(host); err != nil {
			return nil, core.NewValidationError("url", "host is not a valid domain name")
		}
	}

	var v verdict

	candidates := []string{host}
	if !isIP {
		candidates = parentDomains(host)
	}
	hit, degraded := c.lookup(ctx, func(ctx context.Context, src ports.BlocklistSource) (bool, error) {
		for _, h := range candidates {
			ok, err := src.ContainsDomain(ctx, h)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	})
	if hit {
		v.hit = true
		v.reasons = append(v.reasons, "blocklisted_domain")
	}

	if hasPunycodeLabel(host) {
		v.add(0.4, "punycode_host")
	}
	if isIP {
		v.add(0.3, "ip_host")
	}
	if scheme != "https" {
		v.add(0.2, "insecure_scheme")
	}
	if u.User != nil {
		v.add(0.4, "credentials_in_url")
	}
	lures := 0
	haystack := strings.ToLower(host + u.EscapedPath() + "?" + u.RawQuery)
	for _, kw := range lureKeywords {
		if lures < 2 && strings.Contains(haystack, kw) {
			v.add(0.15, "lure_keyword:"+kw)
			lures++
		}
	}
	if !isIP {
		if target, ok := c.lookalike(host); ok {
			v.add(0.6, "lookalike:"+target)
		}
	}

	return v.result(degraded), nil
}

// CheckAddress classifies a recipient address. known lists the user's
// usual recipients; a near miss against one of them suggests address poisoning.
func (c *PhishingChecker) CheckAddress(ctx context.Context, address string, known []string) (*core.PhishingResult, error) {
	address, err := core.ValidateWalletAddress(address)
	if err != nil {
		return nil, err
	}

	var v verdict
	hit, degraded := c.lookup(ctx, func(ctx context.Context, src ports.BlocklistSource) (bool, error) {
		return src.ContainsAddress(ctx, address)
	})
	if hit {
		v.hit = true
		v.reasons = append(v.reasons, "blocklisted_address")
	}

	for _, k := range known {
		if poisons(address, k) {
			v.add(0.8, "address_poisoning:"+k)
			break
		}
	}

	return v.result(degraded), nil
}

// lookup asks every source, each bounded by the timeout and its breaker.
// degraded is set when any source could not answer.
func (c *PhishingChecker) lookup(ctx context.Context, query func(context.Context, ports.BlocklistSource) (bool, error)) (hit, degraded bool) {
	for _, src := range c.sources {
		ok, err := circuitbreaker.Do(ctx, c.breaker, src.Name(), c.timeout, func(ctx context.Context) (bool, error) {
			return query(ctx, src)
		})
		if err != nil {
			c.fallback(ctx, src.Name(), fallbackReason(err), fmt.Errorf("%w: %w", core.ErrPhishingSourceUnavailable, err))
			degraded = true
			continue
		}
		if ok {
			hit = true
		}
	}
	return hit, degraded
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func (c *PhishingChecker) fallback(ctx context.Context, source, reason string, err error) {
	metrics.PhishingFallbacksTotal.WithLabelValues(source, reason).Inc()
	logging.L(ctx, c.logger).Warn("phishing source unavailable, using heuristics only",
		"source", source,
		"reason", reason,
		"error", err,
	)
}

// lookalike reports the protected domain host imitates, if any
func (c *PhishingChecker) lookalike(host string) (string, bool) {
	registrable := lastLabels(host, 2)
	for _, p := range c.protected {
		if host == p || strings.HasSuffix(host, "."+p) {
			return "", false
		}
	}
	for _, p := range c.protected {
		if d := editDistance(registrable, p); d > 0 && d <= lookalikeDistance {
			return p, true
		}
		// brand embedded in a foreign domain, e.g. metamask.io-login.example
		brand := strings.SplitN(p, ".", 2)[0]
		if len(brand) >= 5 && strings.Contains(host, brand) {
			return p, true
		}
	}
	return "", false
}

// poisons reports whether candidate imitates known without being it
func poisons(candidate, known string) bool {
	a := strings.TrimPrefix(strings.ToLower(candidate), "0x")
	b := strings.TrimPrefix(strings.ToLower(known), "0x")
	if a == b || len(a) != len(b) || len(a) < 2*poisoningAffixLen {
		return false
	}
	if a[:poisoningAffixLen] == b[:poisoningAffixLen] && a[len(a)-poisoningAffixLen:] == b[len(b)-poisoningAffixLen:] {
		return true
	}
	return editDistance(a, b) <= lookalikeDistance
}

func hasPunycodeLabel(host string) bool {
	for _, label := range strings.Split(host, ".") {
		if strings.HasPrefix(label, "xn--") {
			return true
		}
	}
	return false
}

// parentDomains returns host and each parent domain above the TLD
func parentDomains(host string) []string {
	labels := strings.Split(host, ".")
	out := make([]string, 0, len(labels))
	for i := 0; i < len(labels)-1; i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	if len(out) == 0 {
		out = append(out, host)
	}
	return out
}

func lastLabels(host string, n int) string {
	labels := strings.Split(host, ".")
	if len(labels) <= n {
		return host
	}
	return strings.Join(labels[len(labels)-n:], ".")
}

// editDistance is the unit-cost Levenshtein distance between a and b
func editDistance(a, b string) int {
	return smetrics.WagnerFischer(a, b, 1, 1, 1)
}
