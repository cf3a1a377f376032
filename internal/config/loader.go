package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SOLARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SOLARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "SOLARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.KeypairPath, "SOLARB_WALLET_KEYPAIR_PATH")
	setStr(&cfg.Wallet.EncryptedKeyPath, "SOLARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "SOLARB_WALLET_KEY_PASSWORD")

	// ── RPC ──
	setStr(&cfg.RPC.Endpoint, "SOLARB_RPC_ENDPOINT")
	setDuration(&cfg.RPC.BlockhashTTL, "SOLARB_RPC_BLOCKHASH_TTL")

	// ── Network ──
	setStringSlice(&cfg.Network.IPs, "SOLARB_NETWORK_IPS")
	setStringSlice(&cfg.Network.Blacklist, "SOLARB_NETWORK_BLACKLIST")
	setBool(&cfg.Network.EnableMultipleIP, "SOLARB_NETWORK_ENABLE_MULTIPLE_IP")
	setBool(&cfg.Network.AllowLoopback, "SOLARB_NETWORK_ALLOW_LOOPBACK")
	setInt(&cfg.Network.PerIdentityLimit, "SOLARB_NETWORK_PER_IDENTITY_LIMIT")
	setInt(&cfg.Network.LongLivedLimit, "SOLARB_NETWORK_LONG_LIVED_LIMIT")
	setDuration(&cfg.Network.AcquireTimeout, "SOLARB_NETWORK_ACQUIRE_TIMEOUT")
	setDuration(&cfg.Network.ClientTimeout, "SOLARB_NETWORK_CLIENT_TIMEOUT")

	// ── Dispatch ──
	setInt(&cfg.Dispatch.MaxConcurrentSlots, "SOLARB_DISPATCH_MAX_CONCURRENT_SLOTS")
	setDuration(&cfg.Dispatch.ProcessDelay, "SOLARB_DISPATCH_PROCESS_DELAY")
	setDuration(&cfg.Dispatch.CycleCooldown, "SOLARB_DISPATCH_CYCLE_COOLDOWN")
	setDuration(&cfg.Dispatch.BatchTimeout, "SOLARB_DISPATCH_BATCH_TIMEOUT")
	setInt(&cfg.Dispatch.VenueCeiling, "SOLARB_DISPATCH_VENUE_CEILING")

	// ── Venues ──
	setBool(&cfg.Venues.Jupiter.Enabled, "SOLARB_JUPITER_ENABLED")
	setStr(&cfg.Venues.Jupiter.BaseURL, "SOLARB_JUPITER_BASE_URL")
	setStr(&cfg.Venues.Jupiter.APIKey, "SOLARB_JUPITER_API_KEY")
	setBool(&cfg.Venues.DFlow.Enabled, "SOLARB_DFLOW_ENABLED")
	setStr(&cfg.Venues.DFlow.BaseURL, "SOLARB_DFLOW_BASE_URL")
	setStr(&cfg.Venues.DFlow.APIKey, "SOLARB_DFLOW_API_KEY")
	setBool(&cfg.Venues.Titan.Enabled, "SOLARB_TITAN_ENABLED")
	setStr(&cfg.Venues.Titan.BaseURL, "SOLARB_TITAN_BASE_URL")
	setStr(&cfg.Venues.Titan.APIKey, "SOLARB_TITAN_API_KEY")

	// ── Profit ──
	setInt64(&cfg.Profit.MinProfit, "SOLARB_PROFIT_MIN_PROFIT")
	setStr(&cfg.Profit.Tip.Kind, "SOLARB_PROFIT_TIP_KIND")
	setStr(&cfg.Profit.Tip.Ratio, "SOLARB_PROFIT_TIP_RATIO")
	setBool(&cfg.Profit.Tip.UseCeiling, "SOLARB_PROFIT_TIP_USE_CEILING")

	// ── Lander ──
	setStr(&cfg.Lander.Strategy, "SOLARB_LANDER_STRATEGY")
	setBool(&cfg.Lander.Jito.Enabled, "SOLARB_LANDER_JITO_ENABLED")
	setStringSlice(&cfg.Lander.Jito.Endpoints, "SOLARB_LANDER_JITO_ENDPOINTS")
	setStr(&cfg.Lander.Jito.AuthUUID, "SOLARB_LANDER_JITO_AUTH_UUID")
	setBool(&cfg.Lander.RPC.Enabled, "SOLARB_LANDER_RPC_ENABLED")
	setStringSlice(&cfg.Lander.RPC.Endpoints, "SOLARB_LANDER_RPC_ENDPOINTS")

	// ── Jito tip stream ──
	setBool(&cfg.Jito.TipStreamEnabled, "SOLARB_JITO_TIP_STREAM_ENABLED")
	setStr(&cfg.Jito.TipStreamURL, "SOLARB_JITO_TIP_STREAM_URL")
	setStr(&cfg.Jito.TipLevel, "SOLARB_JITO_TIP_LEVEL")

	// ── Executor ──
	setDuration(&cfg.Executor.SubmitBudget, "SOLARB_EXECUTOR_SUBMIT_BUDGET")
	setInt(&cfg.Executor.PerBatch, "SOLARB_EXECUTOR_PER_BATCH")
	setDuration(&cfg.Executor.DedupTTL, "SOLARB_EXECUTOR_DEDUP_TTL")
	setDuration(&cfg.Executor.LockTTL, "SOLARB_EXECUTOR_LOCK_TTL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SOLARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SOLARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SOLARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SOLARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SOLARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SOLARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SOLARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "SOLARB_REDIS_KEY_PREFIX")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SOLARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SOLARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "SOLARB_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SOLARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SOLARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SOLARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SOLARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SOLARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SOLARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SOLARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SOLARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SOLARB_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SOLARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SOLARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SOLARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "SOLARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SOLARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SOLARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SOLARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SOLARB_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SOLARB_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "SOLARB_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "SOLARB_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SOLARB_SERVER_RATE_LIMIT")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "SOLARB_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "SOLARB_METRICS_ADDR")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SOLARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SOLARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SOLARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SOLARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SOLARB_MODE")
	setStr(&cfg.LogLevel, "SOLARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
