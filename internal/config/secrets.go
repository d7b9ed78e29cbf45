package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.PriceFeed.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.OpsDiscordWebhookURL)

	if cfg.Server.APIKeys != nil {
		out.Server.APIKeys = make([]string, len(cfg.Server.APIKeys))
		for i := range out.Server.APIKeys {
			out.Server.APIKeys[i] = redacted
		}
	}

	// Copy slices and maps so callers cannot mutate the original through
	// the redacted copy.
	out.Notify.Events = cloneSlice(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneSlice(cfg.Server.CORSOrigins)
	out.Risk.CollateralFactors = cloneMap(cfg.Risk.CollateralFactors)
	out.Risk.BorrowFactors = cloneMap(cfg.Risk.BorrowFactors)
	out.Chain.Tokens = cloneMap(cfg.Chain.Tokens)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
