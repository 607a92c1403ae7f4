package scout

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/types"
)

type nopEmitter struct{}

func (nopEmitter) PhaseProgress(types.Phase, string) error { return nil }

func (nopEmitter) Finding(types.Phase, types.Finding) error { return nil }

func (nopEmitter) Screenshot(types.Phase, types.Screenshot) error { return nil }

func (nopEmitter) Log(types.Phase, types.LogLevel, string, map[string]any) error { return nil }

func snapFor(t *testing.T, url string) *types.AuditState {
	t.Helper()
	s, err := types.NewAuditState("aud-scout", url, types.TierQuickScan, types.VerdictModeSimple, nil)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return s
}

func toolkit(t *testing.T) *agent.Toolkit {
	t.Helper()
	return &agent.Toolkit{
		AuditID:       "aud-scout",
		Bus:           nopEmitter{},
		HTTP:          &http.Client{},
		ScreenshotDir: t.TempDir(),
	}
}

func TestAnalyze_HarvestsPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Demo Shop</title>
			<meta name="description" content="best deals">
			</head><body><p>Welcome to the demo shop.</p>
			<a href="/about">About</a>
			<a href="/about">About again</a>
			<a href="mailto:x@y.z">Mail</a>
			</body></html>`))
	}))
	defer srv.Close()

	a := New()
	patch, err := a.Analyze(context.Background(), snapFor(t, srv.URL), toolkit(t))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	res := patch.AppendScout
	if res == nil {
		t.Fatal("no scout result")
	}
	if !res.Usable {
		t.Error("page must be usable")
	}
	if res.Title != "Demo Shop" {
		t.Errorf("title = %q", res.Title)
	}
	if res.Meta["description"] != "best deals" {
		t.Errorf("meta = %v", res.Meta)
	}
	if len(res.Links) != 1 {
		t.Errorf("links = %v, want the single deduplicated http link", res.Links)
	}
	if len(res.Screenshots) != 1 {
		t.Fatalf("screenshots = %d, want 1", len(res.Screenshots))
	}
	if res.Screenshots[0].MIMEType != types.ScreenshotMIME {
		t.Errorf("mime = %s", res.Screenshots[0].MIMEType)
	}
}

func TestAnalyze_BotBlockedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := New()
	_, err := a.Analyze(context.Background(), snapFor(t, srv.URL), toolkit(t))
	if err == nil {
		t.Fatal("expected error")
	}
	if agent.KindOf(err) != agent.KindBotBlocked {
		t.Errorf("kind = %s, want bot_blocked", agent.KindOf(err))
	}
	if !agent.IsTransient(err) {
		t.Error("bot block must be transient")
	}
}

func TestAnalyze_CaptchaPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="g-recaptcha"></div>Verify you are human</body></html>`))
	}))
	defer srv.Close()

	a := New()
	_, err := a.Analyze(context.Background(), snapFor(t, srv.URL), toolkit(t))
	if agent.KindOf(err) != agent.KindCaptchaBlocked {
		t.Errorf("kind = %s, want captcha_blocked", agent.KindOf(err))
	}
	if !agent.IsTransient(err) {
		t.Error("captcha must be transient")
	}
}

func TestAnalyze_ErrorPageKeptUnusable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := New()
	patch, err := a.Analyze(context.Background(), snapFor(t, srv.URL), toolkit(t))
	if err != nil {
		t.Fatalf("a 404 is evidence, not an error: %v", err)
	}
	res := patch.AppendScout
	if res == nil || res.Usable {
		t.Fatalf("result = %+v, want unusable page record", res)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", res.StatusCode)
	}
}

func TestAnalyze_DNSFailureConsumesURL(t *testing.T) {
	a := New()
	snap := snapFor(t, "https://definitely-not-a-real-host.invalid")
	patch, err := a.Analyze(context.Background(), snap, toolkit(t))
	if err == nil {
		t.Fatal("expected error")
	}
	if agent.IsTransient(err) {
		t.Error("dns failure must not be transient")
	}
	if patch == nil || len(patch.Investigated) != 1 {
		t.Fatalf("patch = %+v, want the URL marked investigated", patch)
	}
}

func TestClassifyFetchError(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "x.invalid", IsNotFound: true}
	if kind := agent.KindOf(classifyFetchError(fmt.Errorf("lookup: %w", dnsErr))); kind != agent.KindDNSFailed {
		t.Errorf("dns kind = %s", kind)
	}
	if !agent.IsTransient(classifyFetchError(context.DeadlineExceeded)) {
		t.Error("deadline must classify transient")
	}
}
