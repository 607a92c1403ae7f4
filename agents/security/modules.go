package security

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/engine"
	"github.com/veritaslabs/veritas/types"
)

// suspiciousTLDs carry disproportionate abuse rates in feed data.
var suspiciousTLDs = map[string]bool{
	"tk": true, "ml": true, "ga": true, "cf": true, "gq": true,
	"top": true, "xyz": true, "icu": true, "rest": true, "zip": true,
}

// phishingKeywords in a hostname suggest brand impersonation.
var phishingKeywords = []string{
	"login", "verify", "secure", "account", "update", "signin",
	"banking", "wallet", "support",
}

// scamPhrases flag high-pressure or too-good-to-be-true copy.
var scamPhrases = []string{
	"act now", "limited time only", "guaranteed returns", "double your",
	"risk free", "wire transfer only", "gift card", "you have been selected",
	"claim your prize", "verify your account immediately",
}

// urlHeuristics scores the target URL shape without any network access.
type urlHeuristics struct{}

func (*urlHeuristics) Name() string            { return "url_heuristics" }
func (*urlHeuristics) Tier() engine.FanoutTier { return engine.FanoutFast }

func (*urlHeuristics) Check(_ context.Context, snap *types.AuditState, _ *agent.Toolkit) types.ModuleResult {
	res := types.ModuleResult{}
	u, err := url.Parse(snap.URL)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	host := strings.ToLower(u.Hostname())

	add := func(pattern, desc string, sev types.Severity, conf, weight float64) {
		res.Findings = append(res.Findings, types.Finding{
			PatternType: pattern,
			Category:    "url",
			Severity:    sev,
			Confidence:  conf,
			Description: desc,
		})
		res.Score += weight
	}

	if strings.Contains(host, "xn--") {
		add("punycode_homoglyph", "hostname uses punycode encoding, a common homoglyph vector", types.SeverityCritical, 0.9, 0.5)
	}
	if net.ParseIP(host) != nil {
		add("ip_literal_host", "site served from a bare IP address instead of a domain", types.SeverityHigh, 0.9, 0.35)
	}
	if labels := strings.Split(host, "."); len(labels) >= 5 {
		add("excessive_subdomains", "hostname nests an unusual number of subdomains", types.SeverityMedium, 0.7, 0.2)
	}
	if dot := strings.LastIndex(host, "."); dot > 0 && suspiciousTLDs[host[dot+1:]] {
		add("suspicious_tld", "top-level domain has a high abuse rate", types.SeverityMedium, 0.6, 0.2)
	}
	for _, kw := range phishingKeywords {
		if strings.Contains(host, kw) {
			add("keyword_in_host", "hostname embeds the credential keyword "+kw, types.SeverityMedium, 0.5, 0.15)
			break
		}
	}
	if u.User != nil {
		add("userinfo_in_url", "URL carries userinfo, masking the real destination", types.SeverityHigh, 0.9, 0.35)
	}
	if len(snap.URL) > 200 {
		add("oversized_url", "URL length exceeds 200 characters", types.SeverityLow, 0.5, 0.05)
	}

	if res.Score > 1 {
		res.Score = 1
	}
	return res
}

// tlsConfig inspects the live TLS handshake of the target origin.
type tlsConfig struct{}

func (*tlsConfig) Name() string            { return "tls_config" }
func (*tlsConfig) Tier() engine.FanoutTier { return engine.FanoutFast }

func (*tlsConfig) Check(ctx context.Context, snap *types.AuditState, _ *agent.Toolkit) types.ModuleResult {
	res := types.ModuleResult{}
	u, err := url.Parse(snap.URL)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	if u.Scheme != "https" {
		res.Findings = append(res.Findings, types.Finding{
			PatternType: "plaintext_http",
			Category:    "tls",
			Severity:    types.SeverityHigh,
			Confidence:  1,
			Description: "site is served over plaintext HTTP",
		})
		res.Score = 0.4
		return res
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		res.Findings = append(res.Findings, types.Finding{
			PatternType: "tls_handshake_failed",
			Category:    "tls",
			Severity:    types.SeverityHigh,
			Confidence:  0.8,
			Description: "TLS handshake with the origin failed: " + err.Error(),
		})
		res.Score = 0.5
		return res
	}
	defer func() { _ = conn.Close() }()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) > 0 {
		cert := state.PeerCertificates[0]
		now := time.Now()
		if now.After(cert.NotAfter) {
			res.Findings = append(res.Findings, types.Finding{
				PatternType: "expired_certificate",
				Category:    "tls",
				Severity:    types.SeverityHigh,
				Confidence:  1,
				Description: "certificate expired " + cert.NotAfter.Format(time.RFC3339),
			})
			res.Score += 0.5
		}
		if age := now.Sub(cert.NotBefore); age >= 0 && age < 7*24*time.Hour {
			res.Findings = append(res.Findings, types.Finding{
				PatternType: "freshly_issued_certificate",
				Category:    "tls",
				Severity:    types.SeverityMedium,
				Confidence:  0.6,
				Description: "certificate issued less than a week ago",
			})
			res.Score += 0.15
		}
	}
	if res.Score > 1 {
		res.Score = 1
	}
	return res
}

// headers grades the response headers the scout harvested.
type headers struct{}

func (*headers) Name() string            { return "headers" }
func (*headers) Tier() engine.FanoutTier { return engine.FanoutMedium }

func (*headers) Check(_ context.Context, snap *types.AuditState, _ *agent.Toolkit) types.ModuleResult {
	res := types.ModuleResult{}
	page := latestUsableResult(snap)
	if page == nil {
		res.Errors = append(res.Errors, "no usable page to grade")
		return res
	}

	missing := func(name string) bool {
		for k := range page.Headers {
			if strings.EqualFold(k, name) {
				return false
			}
		}
		return true
	}

	for _, h := range []struct {
		name   string
		weight float64
	}{
		{"Strict-Transport-Security", 0.1},
		{"Content-Security-Policy", 0.1},
		{"X-Content-Type-Options", 0.05},
		{"X-Frame-Options", 0.05},
	} {
		if missing(h.name) {
			res.Findings = append(res.Findings, types.Finding{
				PatternType: "missing_security_header",
				Category:    "headers",
				Severity:    types.SeverityLow,
				Confidence:  1,
				Description: "response lacks " + h.name,
			})
			res.Score += h.weight
		}
	}
	return res
}

// contentScan reads the harvested text for scam copy patterns.
type contentScan struct{}

func (*contentScan) Name() string            { return "content_scan" }
func (*contentScan) Tier() engine.FanoutTier { return engine.FanoutDeep }

func (*contentScan) Check(_ context.Context, snap *types.AuditState, _ *agent.Toolkit) types.ModuleResult {
	res := types.ModuleResult{}

	var text strings.Builder
	for _, page := range snap.ScoutResults {
		text.WriteString(strings.ToLower(page.TextDigest))
		text.WriteByte(' ')
		for _, v := range page.Meta {
			text.WriteString(strings.ToLower(v))
			text.WriteByte(' ')
		}
	}
	if text.Len() == 0 {
		res.Errors = append(res.Errors, "no harvested text to scan")
		return res
	}

	body := text.String()
	hits := 0
	for _, phrase := range scamPhrases {
		if strings.Contains(body, phrase) {
			hits++
			res.Findings = append(res.Findings, types.Finding{
				PatternType: "pressure_language",
				Category:    "content",
				Severity:    types.SeverityMedium,
				Confidence:  0.6,
				Description: "page copy contains the pressure phrase " + strconvQuote(phrase),
			})
		}
	}
	res.Score = float64(hits) * 0.15
	if res.Score > 1 {
		res.Score = 1
	}
	return res
}

func strconvQuote(s string) string { return `"` + s + `"` }
