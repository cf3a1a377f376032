package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "live"
log_level = "debug"

[wallet]
keypair_path = "/etc/solarb/id.json"

[network]
ips = ["10.0.0.1", "10.0.0.2"]
acquire_timeout = "750ms"

[dispatch]
max_concurrent_slots = 6
process_delay = "20ms"

[dispatch.pairs."So11111111111111111111111111111111111111112/JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"]
max_concurrent_slots = 2

[[pairs]]
base = "So11111111111111111111111111111111111111112"
quote = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
sizes = [1000000000]

[[pairs.lanes]]
min = 100000000
max = 500000000
count = 5
mode = "exponential"

[lander.jito]
enabled = true
auth_uuid = "secret-uuid"

[[lander.staked]]
name = "relay"
endpoints = ["https://relay.example"]
headers = { "x-api-key" = "secret" }
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "live", cfg.Mode)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Network.IPs)
	assert.Equal(t, 750*time.Millisecond, cfg.Network.AcquireTimeout.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Network.MaxCooldown.Duration)
	assert.Equal(t, 6, cfg.Dispatch.MaxConcurrentSlots)
	assert.Equal(t, 20*time.Millisecond, cfg.Dispatch.ProcessDelay.Duration)
	assert.Equal(t, 3*time.Second, cfg.Dispatch.BatchTimeout.Duration)

	require.Len(t, cfg.Pairs, 1)
	key := cfg.Pairs[0].Key()
	assert.Equal(t, 2, cfg.Dispatch.Pairs[key].MaxConcurrentSlots)
	require.Len(t, cfg.Pairs[0].Lanes, 1)
	assert.Equal(t, uint64(500_000_000), cfg.Pairs[0].Lanes[0].Max)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SOLARB_MODE", "quote_only")
	t.Setenv("SOLARB_NETWORK_IPS", " 10.1.1.1 , ,10.1.1.2")
	t.Setenv("SOLARB_EXECUTOR_SUBMIT_BUDGET", "150ms")
	t.Setenv("SOLARB_PROFIT_MIN_PROFIT", "42")
	t.Setenv("SOLARB_REDIS_ENABLED", "true")
	t.Setenv("SOLARB_POSTGRES_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "quote_only", cfg.Mode)
	assert.Equal(t, []string{"10.1.1.1", "10.1.1.2"}, cfg.Network.IPs)
	assert.Equal(t, 150*time.Millisecond, cfg.Executor.SubmitBudget.Duration)
	assert.Equal(t, int64(42), cfg.Profit.MinProfit)
	assert.True(t, cfg.Redis.Enabled)
	// Unparseable values leave the field alone.
	assert.Equal(t, 5432, cfg.Postgres.Port)
}

func TestValidate_Defaults(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pairs: at least one pair")
	assert.Contains(t, err.Error(), "wallet: one of private_key")
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.LogLevel = "trace"
	cfg.Network.PerIdentityLimit = 0
	cfg.Pairs = []PairConfig{{
		Base:  "A",
		Quote: "A",
		Lanes: []LaneConfig{{Min: 10, Max: 5, Count: 0, Mode: "zigzag"}},
	}}
	cfg.Profit.Tip.Kind = "proportional"
	cfg.Lander.Strategy = "spray"
	cfg.Jito.TipLevel = "p42"
	cfg.Wallet.EncryptedKeyPath = "/tmp/key.enc"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "yolo"`,
		`unknown log_level "trace"`,
		"per_identity_limit",
		"base and quote must differ",
		`unknown mode "zigzag"`,
		"count must be at least 1",
		"max must not be below min",
		"ratio is required",
		`unknown strategy "spray"`,
		`unknown tip_level "p42"`,
		"key_password is required",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_LiveNeedsBackend(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Wallet.PrivateKey = "key"
	cfg.Pairs = []PairConfig{{Base: "A", Quote: "B", Sizes: []uint64{1}}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one backend")

	cfg.Lander.Jito.Enabled = true
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	cfg.Wallet.PrivateKey = "base58-secret"
	cfg.Server.APIKey = "api-key"
	cfg.Profit.PerAsset = map[string]int64{"A": 1}

	out := RedactedConfig(cfg)

	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Lander.Jito.AuthUUID)
	assert.Equal(t, "***", out.Lander.Staked[0].Headers["x-api-key"])
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")
	assert.Equal(t, "/etc/solarb/id.json", out.Wallet.KeypairPath)

	// The original is untouched.
	assert.Equal(t, "base58-secret", cfg.Wallet.PrivateKey)
	assert.Equal(t, "secret", cfg.Lander.Staked[0].Headers["x-api-key"])
	out.Profit.PerAsset["A"] = 2
	assert.Equal(t, int64(1), cfg.Profit.PerAsset["A"])
}

func TestValidate_VenueRateLimitNeedsWindow(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "key"
	cfg.Pairs = []PairConfig{{Base: "A", Quote: "B", Sizes: []uint64{1}}}
	cfg.Venues.Jupiter.Enabled = true
	cfg.Venues.Jupiter.RateLimit = 10
	cfg.Venues.Jupiter.RateWindow = duration{}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venues.jupiter: rate_window must be positive")

	cfg.Venues.Jupiter.RateWindow = duration{time.Second}
	require.NoError(t, cfg.Validate())
}
