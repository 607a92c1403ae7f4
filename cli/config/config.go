package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/veritaslabs/veritas/types"
)

// Config represents a veritas.yaml configuration file. All values are
// optional and act as defaults for command flags; flags always override
// config values.
type Config struct {
	Server  ServerConfig               `yaml:"server"`
	Engine  EngineConfig               `yaml:"engine"`
	Storage StorageConfig              `yaml:"storage"`
	Archive ArchiveConfig              `yaml:"archive"`
	Adapter AdapterConfig              `yaml:"adapter"`
	Proxies map[string]ProxyPoolConfig `yaml:"proxies"`
	Proxy   ProxySelection             `yaml:"proxy"`
}

// ServerConfig holds daemon defaults.
type ServerConfig struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
	// MaxConcurrentAudits bounds simultaneously running engines.
	MaxConcurrentAudits int `yaml:"max_concurrent_audits" validate:"gte=0"`
}

// EngineConfig holds engine spawn defaults.
type EngineConfig struct {
	// Path overrides engine binary resolution.
	Path string `yaml:"path"`
	// IPCMode is the first-attempt transport.
	IPCMode string `yaml:"ipc_mode" validate:"omitempty,oneof=queue stdout"`
	// WritePolicy selects the persistence policy.
	WritePolicy string `yaml:"write_policy" validate:"omitempty,oneof=strict buffered noop"`
	// RetryWindow sizes the buffered policy's retry window.
	RetryWindow int `yaml:"retry_window" validate:"gte=0"`
	// UseStdoutFallback permits the one-shot stdout respawn when
	// queue-mode transport fails at startup.
	UseStdoutFallback bool `yaml:"use_stdout_fallback"`
}

// StorageConfig holds persistence defaults.
type StorageConfig struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`
	// ScreenshotDir roots screenshot files.
	ScreenshotDir string `yaml:"screenshot_dir"`
}

// ArchiveConfig holds archive export defaults.
type ArchiveConfig struct {
	// Destination is a directory path or an s3://bucket/prefix URL.
	Destination string `yaml:"destination"`
}

// AdapterConfig holds completion-notification defaults.
type AdapterConfig struct {
	Type    string            `yaml:"type" validate:"omitempty,oneof=redis webhook"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// ProxyPoolConfig is a proxy pool definition within the config file.
// Name is derived from the map key, not stored in the struct.
type ProxyPoolConfig struct {
	Strategy      types.ProxyStrategy   `yaml:"strategy"`
	Endpoints     []types.ProxyEndpoint `yaml:"endpoints"`
	Sticky        *types.ProxySticky    `yaml:"sticky,omitempty"`
	RecencyWindow *int                  `yaml:"recency_window,omitempty"`
}

// ProxySelection holds proxy selection defaults from the config file.
type ProxySelection struct {
	Pool     string `yaml:"pool"`
	Strategy string `yaml:"strategy"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Validate checks the enumerated fields and every proxy pool.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, pool := range c.ProxyPools() {
		if err := pool.Validate(); err != nil {
			return fmt.Errorf("proxy pool %q: %w", pool.Name, err)
		}
	}
	if c.Adapter.Type != "" && c.Adapter.URL == "" {
		return fmt.Errorf("adapter type %q requires a url", c.Adapter.Type)
	}
	return nil
}

// ProxyPools converts the map-keyed proxy pool config into a sorted slice
// of types.ProxyPool. Sorting by name ensures deterministic ordering.
func (c *Config) ProxyPools() []types.ProxyPool {
	if len(c.Proxies) == 0 {
		return nil
	}

	names := make([]string, 0, len(c.Proxies))
	for name := range c.Proxies {
		names = append(names, name)
	}
	sort.Strings(names)

	pools := make([]types.ProxyPool, 0, len(names))
	for _, name := range names {
		pc := c.Proxies[name]
		pools = append(pools, types.ProxyPool{
			Name:          name,
			Strategy:      pc.Strategy,
			Endpoints:     pc.Endpoints,
			Sticky:        pc.Sticky,
			RecencyWindow: pc.RecencyWindow,
		})
	}
	return pools
}
