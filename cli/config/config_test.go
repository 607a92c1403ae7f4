package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veritaslabs/veritas/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "veritas.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
  max_concurrent_audits: 8
engine:
  path: /opt/veritas/bin/veritas-engine
  ipc_mode: queue
  write_policy: buffered
  retry_window: 256
storage:
  db_path: /var/lib/veritas/veritas.db
  screenshot_dir: /var/lib/veritas/screenshots
archive:
  destination: s3://audit-archive/veritas
adapter:
  type: webhook
  url: https://hooks.example.com/veritas
  timeout: 15s
  headers:
    Authorization: Bearer abc
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.Server.Addr)
	}
	if cfg.Server.MaxConcurrentAudits != 8 {
		t.Errorf("expected 8, got %d", cfg.Server.MaxConcurrentAudits)
	}
	if cfg.Engine.WritePolicy != "buffered" {
		t.Errorf("expected buffered, got %q", cfg.Engine.WritePolicy)
	}
	if cfg.Engine.RetryWindow != 256 {
		t.Errorf("expected 256, got %d", cfg.Engine.RetryWindow)
	}
	if cfg.Adapter.Type != "webhook" {
		t.Errorf("expected webhook, got %q", cfg.Adapter.Type)
	}
	if cfg.Adapter.Timeout.Duration != 15*time.Second {
		t.Errorf("expected 15s, got %v", cfg.Adapter.Timeout.Duration)
	}
	if cfg.Archive.Destination != "s3://audit-archive/veritas" {
		t.Errorf("unexpected archive destination %q", cfg.Archive.Destination)
	}
}

func TestLoad_EmptyConfigIsValid(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "" {
		t.Errorf("expected empty addr, got %q", cfg.Server.Addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [broken")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_RejectsBadIPCMode(t *testing.T) {
	path := writeConfig(t, `
engine:
  ipc_mode: carrier_pigeon
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad ipc_mode")
	}
}

func TestLoad_RejectsBadWritePolicy(t *testing.T) {
	path := writeConfig(t, `
engine:
  write_policy: hopeful
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad write_policy")
	}
}

func TestLoad_RejectsAdapterWithoutURL(t *testing.T) {
	path := writeConfig(t, `
adapter:
  type: redis
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for adapter without url")
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("VERITAS_DB", "/tmp/test-veritas.db")
	path := writeConfig(t, `
storage:
  db_path: ${VERITAS_DB}
  screenshot_dir: ${VERITAS_SHOTS:-/tmp/shots}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.DBPath != "/tmp/test-veritas.db" {
		t.Errorf("expected expanded db path, got %q", cfg.Storage.DBPath)
	}
	if cfg.Storage.ScreenshotDir != "/tmp/shots" {
		t.Errorf("expected default screenshot dir, got %q", cfg.Storage.ScreenshotDir)
	}
}

func TestLoad_ProxyPools(t *testing.T) {
	t.Setenv("PROXY_PASS", "hunter2")
	path := writeConfig(t, `
proxies:
  residential:
    strategy: sticky
    sticky:
      scope: audit
    endpoints:
      - protocol: http
        host: proxy-a.example.com
        port: 8080
        username: scout
        password: ${PROXY_PASS}
  datacenter:
    strategy: round_robin
    endpoints:
      - protocol: http
        host: proxy-b.example.com
        port: 3128
proxy:
  pool: residential
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	pools := cfg.ProxyPools()
	if len(pools) != 2 {
		t.Fatalf("expected 2 pools, got %d", len(pools))
	}
	// Sorted by name: datacenter first.
	if pools[0].Name != "datacenter" || pools[1].Name != "residential" {
		t.Errorf("unexpected pool order: %s, %s", pools[0].Name, pools[1].Name)
	}
	res := pools[1]
	if res.Strategy != types.ProxyStrategySticky {
		t.Errorf("expected sticky, got %s", res.Strategy)
	}
	if res.Sticky == nil || res.Sticky.Scope != types.ProxyStickyAudit {
		t.Errorf("expected audit sticky scope, got %+v", res.Sticky)
	}
	if got := *res.Endpoints[0].Password; got != "hunter2" {
		t.Errorf("expected expanded password, got %q", got)
	}
	if cfg.Proxy.Pool != "residential" {
		t.Errorf("expected residential, got %q", cfg.Proxy.Pool)
	}
}

func TestLoad_RejectsInvalidProxyPool(t *testing.T) {
	path := writeConfig(t, `
proxies:
  broken:
    strategy: psychic
    endpoints:
      - protocol: http
        host: proxy.example.com
        port: 8080
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid pool strategy")
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	path := writeConfig(t, `
adapter:
  type: webhook
  url: https://hooks.example.com
  timeout: 2m30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Adapter.Timeout.Duration != 2*time.Minute+30*time.Second {
		t.Errorf("expected 2m30s, got %v", cfg.Adapter.Timeout.Duration)
	}
}

func TestDuration_RejectsGarbage(t *testing.T) {
	path := writeConfig(t, `
adapter:
  type: webhook
  url: https://hooks.example.com
  timeout: eventually
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
