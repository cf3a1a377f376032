// Package config defines the top-level configuration for the arbitrage engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SOLARB_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	RPC      RPCConfig      `toml:"rpc"`
	Network  NetworkConfig  `toml:"network"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Pairs    []PairConfig   `toml:"pairs"`
	Venues   VenuesConfig   `toml:"venues"`
	Multileg MultilegConfig `toml:"multileg"`
	Profit   ProfitConfig   `toml:"profit"`
	Lander   LanderConfig   `toml:"lander"`
	Jito     JitoConfig     `toml:"jito"`
	Executor ExecutorConfig `toml:"executor"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the signing keypair. The first non-empty source wins, in
// field order.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	KeypairPath      string `toml:"keypair_path"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// RPCConfig points at the chain RPC node used for blockhashes and lookup
// tables.
type RPCConfig struct {
	Endpoint     string   `toml:"endpoint"`
	BlockhashTTL duration `toml:"blockhash_ttl"`
}

// NetworkConfig describes the local outbound identities and how they are
// leased.
type NetworkConfig struct {
	IPs              []string `toml:"ips"`
	Blacklist        []string `toml:"blacklist"`
	EnableMultipleIP bool     `toml:"enable_multiple_ip"`
	AllowLoopback    bool     `toml:"allow_loopback"`
	PerIdentityLimit int      `toml:"per_identity_limit"`
	LongLivedLimit   int      `toml:"long_lived_limit"`
	AcquireTimeout   duration `toml:"acquire_timeout"`
	ClientTimeout    duration `toml:"client_timeout"`
	// Cooldown floors and ceiling applied to identities that were rate
	// limited or timed out.
	RateLimitedCooldown duration `toml:"rate_limited_cooldown"`
	TimeoutCooldown     duration `toml:"timeout_cooldown"`
	MaxCooldown         duration `toml:"max_cooldown"`
}

// CadenceConfig paces the batches of one pair. In a per-pair override, zero
// fields inherit the default.
type CadenceConfig struct {
	MaxConcurrentSlots int      `toml:"max_concurrent_slots"`
	ProcessDelay       duration `toml:"process_delay"`
	CycleCooldown      duration `toml:"cycle_cooldown"`
	BatchTimeout       duration `toml:"batch_timeout"`
}

// DispatchConfig holds the default cadence and per-pair overrides keyed by
// "<base>/<quote>".
type DispatchConfig struct {
	CadenceConfig
	VenueCeiling int                      `toml:"venue_ceiling"`
	Pairs        map[string]CadenceConfig `toml:"pairs"`
}

// LaneConfig is one trade-size band of a pair.
type LaneConfig struct {
	Min   uint64 `toml:"min"`
	Max   uint64 `toml:"max"`
	Count int    `toml:"count"`
	Mode  string `toml:"mode"`
}

// PairConfig is one traded pair and the sizes quoted for it.
type PairConfig struct {
	Base  string       `toml:"base"`
	Quote string       `toml:"quote"`
	Sizes []uint64     `toml:"sizes"`
	Lanes []LaneConfig `toml:"lanes"`
}

// Key returns the "<base>/<quote>" form used by dispatch overrides.
func (p PairConfig) Key() string {
	return p.Base + "/" + p.Quote
}

// VenueConfig configures one quoting venue.
type VenueConfig struct {
	Enabled  bool     `toml:"enabled"`
	BaseURL  string   `toml:"base_url"`
	APIKey   string   `toml:"api_key"`
	QuoteTTL duration `toml:"quote_ttl"`
	Buy      bool     `toml:"buy"`
	Sell     bool     `toml:"sell"`
	// OnlyDirectRoutes and MaxAccounts apply to HTTP aggregators only.
	OnlyDirectRoutes bool `toml:"only_direct_routes"`
	MaxAccounts      int  `toml:"max_accounts"`
	// RateLimit requests per RateWindow, shared through Redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// VenuesConfig lists the supported venues.
type VenuesConfig struct {
	Jupiter VenueConfig `toml:"jupiter"`
	DFlow   VenueConfig `toml:"dflow"`
	Titan   VenueConfig `toml:"titan"`
}

// MultilegConfig tunes route quoting and building.
type MultilegConfig struct {
	SlippageBps       int      `toml:"slippage_bps"`
	PlanConcurrency   int      `toml:"plan_concurrency"`
	AllowSameVenue    bool     `toml:"allow_same_venue"`
	WrapAndUnwrapSOL  bool     `toml:"wrap_and_unwrap_sol"`
	UseSharedAccounts bool     `toml:"use_shared_accounts"`
	StreamConcurrency int      `toml:"stream_concurrency"`
	StreamDebounce    duration `toml:"stream_debounce"`
}

// TipConfig selects the tip policy.
type TipConfig struct {
	Kind       string `toml:"kind"`
	Fixed      uint64 `toml:"fixed"`
	Ratio      string `toml:"ratio"`
	Max        uint64 `toml:"max"`
	UseCeiling bool   `toml:"use_ceiling"`
}

// ProfitConfig holds the acceptance thresholds, in base units of the start
// asset.
type ProfitConfig struct {
	MinProfit int64            `toml:"min_profit"`
	PerAsset  map[string]int64 `toml:"per_asset"`
	BaseFee   uint64           `toml:"base_fee"`
	Workers   int              `toml:"workers"`
	Tip       TipConfig        `toml:"tip"`
}

// JitoBackendConfig configures bundle submission.
type JitoBackendConfig struct {
	Enabled   bool     `toml:"enabled"`
	Endpoints []string `toml:"endpoints"`
	AuthUUID  string   `toml:"auth_uuid"`
}

// StakedBackendConfig configures one staked-connection relay.
type StakedBackendConfig struct {
	Name        string            `toml:"name"`
	Endpoints   []string          `toml:"endpoints"`
	RequiresTip bool              `toml:"requires_tip"`
	Headers     map[string]string `toml:"headers"`
}

// RPCBackendConfig configures plain sendTransaction fan-out.
type RPCBackendConfig struct {
	Enabled       bool     `toml:"enabled"`
	Endpoints     []string `toml:"endpoints"`
	SkipPreflight bool     `toml:"skip_preflight"`
	MaxRetries    int      `toml:"max_retries"`
}

// LanderConfig holds variant planning and delivery settings.
type LanderConfig struct {
	Strategy         string                `toml:"strategy"`
	ComputeUnitLimit uint32                `toml:"compute_unit_limit"`
	ComputeUnitPrice uint64                `toml:"compute_unit_price"`
	MinTip           uint64                `toml:"min_tip"`
	TipJitter        uint64                `toml:"tip_jitter"`
	PriceJitter      uint64                `toml:"price_jitter"`
	MaxRetries       int                   `toml:"max_retries"`
	RetryDelay       duration              `toml:"retry_delay"`
	Jito             JitoBackendConfig     `toml:"jito"`
	Staked           []StakedBackendConfig `toml:"staked"`
	RPC              RPCBackendConfig      `toml:"rpc"`
}

// JitoConfig configures the tip-floor feed.
type JitoConfig struct {
	TipStreamEnabled bool   `toml:"tip_stream_enabled"`
	TipStreamURL     string `toml:"tip_stream_url"`
	TipLevel         string `toml:"tip_level"`
	CeilingLevel     string `toml:"ceiling_level"`
	TipCap           uint64 `toml:"tip_cap"`
}

// ExecutorConfig tunes the dispatch-evaluate-submit loop.
type ExecutorConfig struct {
	SubmitBudget duration `toml:"submit_budget"`
	PerBatch     int      `toml:"per_batch"`
	BatchWorkers int      `toml:"batch_workers"`
	DedupTTL     duration `toml:"dedup_ttl"`
	LockTTL      duration `toml:"lock_ttl"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	KeyPrefix      string   `toml:"key_prefix"`
	LookupTableTTL duration `toml:"lookup_table_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled         bool     `toml:"enabled"`
	Endpoint        string   `toml:"endpoint"`
	Region          string   `toml:"region"`
	Bucket          string   `toml:"bucket"`
	AccessKey       string   `toml:"access_key"`
	SecretKey       string   `toml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style"`
	CatalogPrefix   string   `toml:"catalog_prefix"`
	CatalogInterval duration `toml:"catalog_interval"`
	ArchiveInterval duration `toml:"archive_interval"`
	ArchiveBatch    int      `toml:"archive_batch"`
}

// duration wraps time.Duration so it can be decoded from a TOML string.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the operator HTTP API parameters.
type ServerConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// MetricsConfig controls the Prometheus recorder. Addr, when set, serves
// /metrics on its own listener in addition to the API server.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Throttle          duration `toml:"throttle"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		RPC: RPCConfig{
			Endpoint:     "https://api.mainnet-beta.solana.com",
			BlockhashTTL: duration{2 * time.Second},
		},
		Network: NetworkConfig{
			EnableMultipleIP:    true,
			PerIdentityLimit:    1,
			LongLivedLimit:      4,
			AcquireTimeout:      duration{2 * time.Second},
			ClientTimeout:       duration{5 * time.Second},
			RateLimitedCooldown: duration{500 * time.Millisecond},
			TimeoutCooldown:     duration{250 * time.Millisecond},
			MaxCooldown:         duration{30 * time.Second},
		},
		Dispatch: DispatchConfig{
			CadenceConfig: CadenceConfig{
				MaxConcurrentSlots: 4,
				ProcessDelay:       duration{50 * time.Millisecond},
				CycleCooldown:      duration{200 * time.Millisecond},
				BatchTimeout:       duration{3 * time.Second},
			},
			Pairs: map[string]CadenceConfig{},
		},
		Venues: VenuesConfig{
			Jupiter: VenueConfig{
				Enabled:     true,
				BaseURL:     "https://lite-api.jup.ag/swap/v1",
				QuoteTTL:    duration{2 * time.Second},
				Buy:         true,
				Sell:        true,
				MaxAccounts: 32,
				RateWindow:  duration{time.Second},
			},
			DFlow: VenueConfig{
				BaseURL:    "https://quote-api.dflow.net",
				QuoteTTL:   duration{2 * time.Second},
				Buy:        true,
				Sell:       true,
				RateWindow: duration{time.Second},
			},
			Titan: VenueConfig{
				BaseURL:  "wss://api.titan.exchange/ws",
				QuoteTTL: duration{2 * time.Second},
				Buy:      true,
				Sell:     true,
			},
		},
		Multileg: MultilegConfig{
			SlippageBps:       50,
			PlanConcurrency:   8,
			WrapAndUnwrapSOL:  true,
			StreamConcurrency: 2,
			StreamDebounce:    duration{200 * time.Millisecond},
		},
		Profit: ProfitConfig{
			MinProfit: 10_000,
			PerAsset:  map[string]int64{},
			BaseFee:   5_000,
			Workers:   4,
			Tip: TipConfig{
				Kind:  "fixed",
				Fixed: 10_000,
			},
		},
		Lander: LanderConfig{
			Strategy:   "all_at_once",
			MinTip:     1_000,
			TipJitter:  500,
			MaxRetries: 1,
			RetryDelay: duration{50 * time.Millisecond},
			Jito: JitoBackendConfig{
				Endpoints: []string{"https://mainnet.block-engine.jito.wtf"},
			},
			RPC: RPCBackendConfig{
				SkipPreflight: true,
			},
		},
		Jito: JitoConfig{
			TipStreamURL: "wss://bundles.jito.wtf/api/v1/bundles/tip_stream",
			TipLevel:     "p50",
			CeilingLevel: "p99",
		},
		Executor: ExecutorConfig{
			SubmitBudget: duration{300 * time.Millisecond},
			PerBatch:     1,
			BatchWorkers: 8,
			DedupTTL:     duration{2 * time.Second},
			LockTTL:      duration{2 * time.Second},
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       20,
			MaxRetries:     3,
			KeyPrefix:      "solarb",
			LookupTableTTL: duration{10 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "solarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:        "http://localhost:9000",
			Region:          "us-east-1",
			Bucket:          "solarb-data",
			ForcePathStyle:  true,
			CatalogPrefix:   "catalog",
			CatalogInterval: duration{10 * time.Minute},
			ArchiveInterval: duration{time.Hour},
			ArchiveBatch:    1000,
		},
		Server: ServerConfig{
			Enabled:    true,
			Addr:       ":8000",
			RateLimit:  60,
			RateWindow: duration{time.Minute},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "solarb",
		},
		Notify: NotifyConfig{
			Events:   []string{"startup", "landed", "submission_failed", "loop_mismatch"},
			Throttle: duration{30 * time.Second},
		},
		Mode:     "dry_run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":       true,
	"dry_run":    true,
	"quote_only": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLaneModes = map[string]bool{
	"":            true,
	"linear":      true,
	"exponential": true,
	"random":      true,
}

var validTipLevels = map[string]bool{
	"":      true,
	"p25":   true,
	"p50":   true,
	"p75":   true,
	"p95":   true,
	"p99":   true,
	"ema50": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	// Mode
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, dry_run, quote_only)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet and RPC are needed as soon as transactions are signed.
	if mode == "live" || mode == "dry_run" {
		if c.Wallet.PrivateKey == "" && c.Wallet.KeypairPath == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: one of private_key, keypair_path or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.RPC.Endpoint == "" {
			errs = append(errs, "rpc: endpoint is required for mode "+c.Mode)
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Network
	if c.Network.PerIdentityLimit < 1 {
		errs = append(errs, "network: per_identity_limit must be at least 1")
	}
	if c.Network.LongLivedLimit < 0 {
		errs = append(errs, "network: long_lived_limit must not be negative")
	}
	if c.Network.AcquireTimeout.Duration <= 0 {
		errs = append(errs, "network: acquire_timeout must be positive")
	}
	if c.Network.MaxCooldown.Duration < c.Network.RateLimitedCooldown.Duration {
		errs = append(errs, "network: max_cooldown must not be below rate_limited_cooldown")
	}

	// Dispatch
	if c.Dispatch.MaxConcurrentSlots < 1 {
		errs = append(errs, "dispatch: max_concurrent_slots must be at least 1")
	}
	for key, cad := range c.Dispatch.Pairs {
		if cad.MaxConcurrentSlots < 0 {
			errs = append(errs, fmt.Sprintf("dispatch.pairs.%q: max_concurrent_slots must not be negative", key))
		}
	}

	// Pairs
	if len(c.Pairs) == 0 {
		errs = append(errs, "pairs: at least one pair must be configured")
	}
	for i, p := range c.Pairs {
		if p.Base == "" || p.Quote == "" {
			errs = append(errs, fmt.Sprintf("pairs[%d]: base and quote are required", i))
		}
		if p.Base != "" && p.Base == p.Quote {
			errs = append(errs, fmt.Sprintf("pairs[%d]: base and quote must differ", i))
		}
		if len(p.Sizes) == 0 && len(p.Lanes) == 0 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: sizes or lanes must be set", i))
		}
		for j, l := range p.Lanes {
			if !validLaneModes[strings.ToLower(l.Mode)] {
				errs = append(errs, fmt.Sprintf("pairs[%d].lanes[%d]: unknown mode %q (valid: linear, exponential, random)", i, j, l.Mode))
			}
			if l.Count < 1 {
				errs = append(errs, fmt.Sprintf("pairs[%d].lanes[%d]: count must be at least 1", i, j))
			}
			if l.Max < l.Min {
				errs = append(errs, fmt.Sprintf("pairs[%d].lanes[%d]: max must not be below min", i, j))
			}
		}
	}

	// Venues
	if !c.Venues.Jupiter.Enabled && !c.Venues.DFlow.Enabled && !c.Venues.Titan.Enabled {
		errs = append(errs, "venues: at least one venue must be enabled")
	}
	for name, v := range map[string]VenueConfig{"jupiter": c.Venues.Jupiter, "dflow": c.Venues.DFlow, "titan": c.Venues.Titan} {
		if !v.Enabled {
			continue
		}
		if v.BaseURL == "" {
			errs = append(errs, "venues."+name+": base_url is required when enabled")
		}
		if !v.Buy && !v.Sell {
			errs = append(errs, "venues."+name+": at least one of buy or sell must be set")
		}
		if v.RateLimit < 0 {
			errs = append(errs, "venues."+name+": rate_limit must be >= 0")
		}
		if v.RateLimit > 0 && v.RateWindow.Duration <= 0 {
			errs = append(errs, "venues."+name+": rate_window must be positive when rate_limit is set")
		}
	}

	// Multileg
	if c.Multileg.SlippageBps < 0 || c.Multileg.SlippageBps > 10_000 {
		errs = append(errs, "multileg: slippage_bps must be between 0 and 10000")
	}

	// Profit
	switch c.Profit.Tip.Kind {
	case "", "fixed":
	case "proportional":
		if c.Profit.Tip.Ratio == "" {
			errs = append(errs, "profit.tip: ratio is required for the proportional policy")
		}
	default:
		errs = append(errs, fmt.Sprintf("profit.tip: unknown kind %q (valid: fixed, proportional)", c.Profit.Tip.Kind))
	}

	// Lander
	switch c.Lander.Strategy {
	case "", "all_at_once", "one_by_one":
	default:
		errs = append(errs, fmt.Sprintf("lander: unknown strategy %q (valid: all_at_once, one_by_one)", c.Lander.Strategy))
	}
	if mode == "live" && !c.Lander.Jito.Enabled && !c.Lander.RPC.Enabled && len(c.Lander.Staked) == 0 {
		errs = append(errs, "lander: at least one backend must be configured for mode live")
	}
	if c.Lander.Jito.Enabled && len(c.Lander.Jito.Endpoints) == 0 {
		errs = append(errs, "lander.jito: endpoints are required when enabled")
	}
	if c.Lander.RPC.Enabled && len(c.Lander.RPC.Endpoints) == 0 {
		errs = append(errs, "lander.rpc: endpoints are required when enabled")
	}
	for i, s := range c.Lander.Staked {
		if s.Name == "" || len(s.Endpoints) == 0 {
			errs = append(errs, fmt.Sprintf("lander.staked[%d]: name and endpoints are required", i))
		}
	}

	// Jito tip stream
	if !validTipLevels[strings.ToLower(c.Jito.TipLevel)] {
		errs = append(errs, fmt.Sprintf("jito: unknown tip_level %q", c.Jito.TipLevel))
	}
	if !validTipLevels[strings.ToLower(c.Jito.CeilingLevel)] {
		errs = append(errs, fmt.Sprintf("jito: unknown ceiling_level %q", c.Jito.CeilingLevel))
	}
	if c.Jito.TipStreamEnabled && c.Jito.TipStreamURL == "" {
		errs = append(errs, "jito: tip_stream_url is required when the tip stream is enabled")
	}

	// Executor
	if c.Executor.SubmitBudget.Duration <= 0 {
		errs = append(errs, "executor: submit_budget must be positive")
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required when enabled")
	}

	// Postgres
	if c.Postgres.Enabled && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: either dsn or host must be set when enabled")
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket is required when enabled")
	}

	// Server
	if c.Server.Enabled && c.Server.Addr == "" {
		errs = append(errs, "server: addr is required when enabled")
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must not be negative")
	}

	// Notify
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
