package config

import "maps"

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Wallet
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	// Venues
	redact(&out.Venues.Jupiter.APIKey)
	redact(&out.Venues.DFlow.APIKey)
	redact(&out.Venues.Titan.APIKey)

	// Lander
	redact(&out.Lander.Jito.AuthUUID)
	if cfg.Lander.Staked != nil {
		out.Lander.Staked = make([]StakedBackendConfig, len(cfg.Lander.Staked))
		for i, s := range cfg.Lander.Staked {
			if s.Headers != nil {
				s.Headers = make(map[string]string, len(cfg.Lander.Staked[i].Headers))
				for k := range cfg.Lander.Staked[i].Headers {
					s.Headers[k] = redacted
				}
			}
			out.Lander.Staked[i] = s
		}
	}

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.APIKey)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Pairs != nil {
		out.Pairs = make([]PairConfig, len(cfg.Pairs))
		copy(out.Pairs, cfg.Pairs)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Dispatch.Pairs != nil {
		out.Dispatch.Pairs = maps.Clone(cfg.Dispatch.Pairs)
	}
	if cfg.Profit.PerAsset != nil {
		out.Profit.PerAsset = maps.Clone(cfg.Profit.PerAsset)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
