// Package config loads and validates process configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every configuration knob shared by the Manager, General
// worker, and Product worker binaries. Each role binary loads the same
// schema and only consults the sections relevant to its role.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Store       StoreConfig       `mapstructure:"store"`
	Site        SiteConfig        `mapstructure:"site"`
	Role        RoleConfig        `mapstructure:"role"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Rotation    RotationConfig    `mapstructure:"rotation"`
	Manager     ManagerConfig     `mapstructure:"manager"`
	General     GeneralConfig     `mapstructure:"general"`
	Product     ProductConfig     `mapstructure:"product"`
	Lock        LockConfig        `mapstructure:"lock"`
	Liveness    LivenessConfig    `mapstructure:"liveness"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// MetricsConfig addresses the per-process Prometheus endpoint. An empty
// addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// CoordinatorConfig addresses the shared key-value store.
type CoordinatorConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig addresses the relational persistence layer.
type StoreConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// SiteConfig names the crawled site's endpoints and the scripts evaluated
// against its listing pages. The scripts carry all site-specific DOM
// knowledge; the workers treat them as opaque.
type SiteConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	ListingURLTemplate string `mapstructure:"listing_url_template"`
	DiscoverScript     string `mapstructure:"discover_script"`
	SignedInScript     string `mapstructure:"signed_in_script"`
	ExtractScript      string `mapstructure:"extract_script"`
}

// RoleConfig identifies this process within its role.
type RoleConfig struct {
	Name string `mapstructure:"name"` // "manager", "general", or "product"
	ID   string `mapstructure:"id"`
}

// BrowserConfig configures the browser driver.
type BrowserConfig struct {
	RemoteDebugURL    string        `mapstructure:"remote_debug_url"`
	ProxyServer       string        `mapstructure:"proxy_server"`
	ProxyUsername     string        `mapstructure:"proxy_username"`
	ProxyPassword     string        `mapstructure:"proxy_password"`
	NavTimeoutSeconds int           `mapstructure:"nav_timeout_seconds"`
	TabOpenDelayMinMs int           `mapstructure:"tab_open_delay_min_ms"`
	TabOpenDelayMaxMs int           `mapstructure:"tab_open_delay_max_ms"`
	Sequential        bool          `mapstructure:"sequential"`
	ContextPerBatch   bool          `mapstructure:"context_per_batch"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// RotationConfig toggles round-robin page-range distribution for the Manager.
type RotationConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	BatchSize int  `mapstructure:"batch_size"`
}

// ManagerConfig controls the Manager tick loop. Membership comes from the
// workers/<role> set keys, so there is no worker-count cap to configure.
type ManagerConfig struct {
	TickSeconds int `mapstructure:"tick_seconds"`
}

// GeneralConfig controls the General worker loop.
type GeneralConfig struct {
	PollSeconds         int `mapstructure:"poll_seconds"`
	HeartbeatSeconds    int `mapstructure:"heartbeat_seconds"`
	TabsPerBatch        int `mapstructure:"tabs_per_batch"`
	BatchPollSeconds    int `mapstructure:"batch_poll_seconds"`
	ProductWorkerTotal  int `mapstructure:"product_worker_total"` // fallback when no Product worker is live
	ServiceDownWaitSecs int `mapstructure:"service_down_wait_seconds"`
	LoginWaitSeconds    int `mapstructure:"login_wait_seconds"`
}

// ProductConfig controls the Product worker loop.
type ProductConfig struct {
	PollSeconds      int `mapstructure:"poll_seconds"`
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`
}

// LockConfig parameterizes the mutual-exclusion lock protocol (spec §4.2).
type LockConfig struct {
	TTLSeconds            int `mapstructure:"ttl_seconds"`
	StaleSeconds          int `mapstructure:"stale_seconds"`
	RefreshSeconds        int `mapstructure:"refresh_seconds"`
	OwnershipDriftSeconds int `mapstructure:"ownership_drift_seconds"`
}

// LivenessConfig governs heartbeat-freshness membership checks (spec §3 inv. 6).
type LivenessConfig struct {
	TLiveSeconds int `mapstructure:"t_live_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from an optional file plus CRAWL_-prefixed env vars.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key gets a default so AutomaticEnv-sourced values survive
	// Unmarshal; viper only considers keys it already knows about.
	v.SetDefault("role.name", "")
	v.SetDefault("role.id", "")

	v.SetDefault("site.base_url", "")
	v.SetDefault("site.listing_url_template", "")
	v.SetDefault("site.discover_script", "")
	v.SetDefault("site.signed_in_script", "")
	v.SetDefault("site.extract_script", "")

	v.SetDefault("browser.remote_debug_url", "")
	v.SetDefault("browser.proxy_server", "")
	v.SetDefault("browser.proxy_username", "")
	v.SetDefault("browser.proxy_password", "")

	v.SetDefault("store.dsn", "")
	v.SetDefault("coordinator.password", "")

	v.SetDefault("coordinator.addr", "127.0.0.1:6379")
	v.SetDefault("coordinator.db", 0)
	v.SetDefault("store.table", "listing_records")
	v.SetDefault("store.max_open_conns", 8)

	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.tab_open_delay_min_ms", 1000)
	v.SetDefault("browser.tab_open_delay_max_ms", 3000)
	v.SetDefault("browser.sequential", true)
	v.SetDefault("browser.context_per_batch", false)
	v.SetDefault("browser.user_agent", "")

	v.SetDefault("rotation.enabled", false)
	v.SetDefault("rotation.batch_size", 50)

	v.SetDefault("manager.tick_seconds", 5)

	v.SetDefault("general.poll_seconds", 5)
	v.SetDefault("general.heartbeat_seconds", 10)
	v.SetDefault("general.tabs_per_batch", 50)
	v.SetDefault("general.batch_poll_seconds", 2)
	v.SetDefault("general.product_worker_total", 1)
	v.SetDefault("general.service_down_wait_seconds", 300)
	v.SetDefault("general.login_wait_seconds", 300)

	v.SetDefault("product.poll_seconds", 2)
	v.SetDefault("product.heartbeat_seconds", 10)

	v.SetDefault("lock.ttl_seconds", 60)
	v.SetDefault("lock.stale_seconds", 30)
	v.SetDefault("lock.refresh_seconds", 7)
	v.SetDefault("lock.ownership_drift_seconds", 20)

	v.SetDefault("liveness.t_live_seconds", 60)

	v.SetDefault("logging.development", true)

	v.SetDefault("metrics.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Role.Name == "" {
		return fmt.Errorf("role.name must be set")
	}
	if c.Role.ID == "" {
		return fmt.Errorf("role.id must be set")
	}
	if c.Coordinator.Addr == "" {
		return fmt.Errorf("coordinator.addr must be set")
	}
	if c.Lock.TTLSeconds <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be > 0")
	}
	if c.Lock.StaleSeconds <= 0 || c.Lock.StaleSeconds >= c.Lock.TTLSeconds {
		return fmt.Errorf("lock.stale_seconds must be > 0 and < lock.ttl_seconds")
	}
	if c.Liveness.TLiveSeconds <= 0 {
		return fmt.Errorf("liveness.t_live_seconds must be > 0")
	}
	return nil
}

// TLive returns the heartbeat freshness window as a duration.
func (c Config) TLive() time.Duration {
	return time.Duration(c.Liveness.TLiveSeconds) * time.Second
}
