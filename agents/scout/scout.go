// Package scout implements the page reconnaissance agent: fetch the next
// pending URL, extract text, links, and metadata from the DOM, and record a
// placeholder screenshot. It is the only stage that consumes the page
// budget.
package scout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/types"
)

// maxBodyBytes caps how much of a page the scout reads (2 MiB).
const maxBodyBytes = 2 << 20

// digestLimit caps the extracted text digest length.
const digestLimit = 4096

// maxLinksPerPage caps the links harvested from one page.
const maxLinksPerPage = 50

// userAgent presented on scout fetches.
const userAgent = "Mozilla/5.0 (compatible; veritas-scout/1.0)"

// captchaMarkers are body substrings indicating a challenge page.
var captchaMarkers = []string{
	"cf-challenge", "g-recaptcha", "h-captcha", "are you a robot",
	"verify you are human", "captcha",
}

// Agent fetches and dissects one pending URL per iteration.
type Agent struct{}

// New creates the scout agent.
func New() *Agent { return &Agent{} }

// Name implements agent.Agent.
func (a *Agent) Name() string { return "scout" }

// Analyze fetches the next pending URL. Blocked fetches return transient
// errors so the stage runner can back off and retry; hard failures consume
// the URL and return non-transient.
func (a *Agent) Analyze(ctx context.Context, snap *types.AuditState, tk *agent.Toolkit) (*types.StatePatch, error) {
	target := snap.URL
	if len(snap.PendingURLs) > 0 {
		target = snap.PendingURLs[0]
	}

	_ = tk.Bus.PhaseProgress(types.PhaseScout, "fetching "+target)

	res, err := a.fetch(ctx, tk, target)
	if err != nil {
		if !agent.IsTransient(err) {
			// A URL that hard-failed is spent: mark it investigated so the
			// pipeline never retries it in a later iteration.
			return &types.StatePatch{
				Investigated: []string{target},
				Errors: []types.ErrorRecord{{
					Kind:      agent.KindOf(err),
					Phase:     types.PhaseScout,
					Message:   err.Error(),
					Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				}},
			}, err
		}
		return nil, err
	}

	if shot := a.captureScreenshot(tk, snap.AuditID, len(snap.ScoutResults), res); shot != nil {
		res.Screenshots = append(res.Screenshots, *shot)
		_ = tk.Bus.Screenshot(types.PhaseScout, *shot)
	}

	_ = tk.Bus.PhaseProgress(types.PhaseScout, fmt.Sprintf("harvested %s: %d links", target, len(res.Links)))
	return &types.StatePatch{AppendScout: res}, nil
}

// fetch retrieves and parses one page, classifying failures into the scout
// error taxonomy.
func (a *Agent) fetch(ctx context.Context, tk *agent.Toolkit, target string) (*types.ScoutResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, agent.WrapError(agent.KindNavigationTimeout, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := tk.HTTP.Do(req)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, classifyFetchError(err)
	}

	res := &types.ScoutResult{
		URL:        target,
		FinalURL:   resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		FetchedAt:  time.Now().UTC(),
	}

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, agent.NewTransient(agent.KindBotBlocked,
			fmt.Sprintf("status %d fetching %s", resp.StatusCode, target))
	case resp.StatusCode >= 400:
		// The error page itself is evidence; keep the unusable result.
		return res, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return res, nil
	}

	lower := strings.ToLower(string(body))
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return nil, agent.NewTransient(agent.KindCaptchaBlocked, "challenge page at "+target)
		}
	}

	res.Title = strings.TrimSpace(doc.Find("title").First().Text())
	res.TextDigest = textDigest(doc)
	res.Links = harvestLinks(doc, resp.Request.URL)
	res.Meta = harvestMeta(doc)
	res.Usable = true
	return res, nil
}

// classifyFetchError maps transport failures into the taxonomy.
func classifyFetchError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return agent.WrapError(agent.KindDNSFailed, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &agent.Error{Kind: agent.KindNavigationTimeout, Transient: true, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &agent.Error{Kind: agent.KindNavigationTimeout, Transient: true, Err: err}
	}
	return agent.WrapError(agent.KindNavigationTimeout, err)
}

// textDigest extracts readable body text, collapsed and truncated.
func textDigest(doc *goquery.Document) string {
	doc.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if len(text) > digestLimit {
		text = text[:digestLimit]
	}
	return text
}

// harvestLinks collects absolute same-protocol links, deduplicated, capped.
func harvestLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		u, err := base.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return true
		}
		u.Fragment = ""
		s := u.String()
		if !seen[s] {
			seen[s] = true
			links = append(links, s)
		}
		return len(links) < maxLinksPerPage
	})
	return links
}

// harvestMeta collects name/content meta tags.
func harvestMeta(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)
	doc.Find("meta[name]").Each(func(_ int, sel *goquery.Selection) {
		name, _ := sel.Attr("name")
		content, _ := sel.Attr("content")
		if name != "" && content != "" {
			meta[strings.ToLower(name)] = content
		}
	})
	return meta
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// captureScreenshot writes a placeholder PNG under the screenshot root.
// Without a browser runtime the scout records a minimal marker file so the
// vision stage and the archive have a stable path to reference. A missing
// or unwritable root skips the capture silently.
func (a *Agent) captureScreenshot(tk *agent.Toolkit, auditID string, index int, res *types.ScoutResult) *types.Screenshot {
	if tk.ScreenshotDir == "" {
		return nil
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	rel := types.ScreenshotRelPath(auditID, res.FetchedAt, index, token)
	if err := types.ValidateScreenshotPath(tk.ScreenshotDir, rel); err != nil {
		return nil
	}
	abs := filepath.Join(tk.ScreenshotDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil
	}
	if err := os.WriteFile(abs, placeholderPNG, 0o644); err != nil {
		return nil
	}
	return &types.Screenshot{
		Path:      rel,
		Label:     res.FinalURL,
		Index:     index,
		SizeBytes: int64(len(placeholderPNG)),
		MIMEType:  types.ScreenshotMIME,
	}
}

// placeholderPNG is a 1x1 transparent PNG.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

var _ agent.Agent = (*Agent)(nil)
