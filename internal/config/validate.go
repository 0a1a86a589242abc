package config

import (
	"fmt"
	"net/url"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	validateURL(&errs, "server.api_url", cfg.Server.APIURL, "http", "https")
	validateURL(&errs, "server.ws_url", cfg.Server.WSURL, "ws", "wss")

	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, ValidationError{Field: "server.request_timeout", Message: "must not be negative"})
	}
	if cfg.Server.RetryMax < 0 {
		errs = append(errs, ValidationError{Field: "server.retry_max", Message: "must not be negative"})
	}

	ch := cfg.Channel
	if ch.HeartbeatInterval < 0 {
		errs = append(errs, ValidationError{Field: "channel.heartbeat_interval", Message: "must be positive"})
	}
	if ch.ReconnectInterval < 0 {
		errs = append(errs, ValidationError{Field: "channel.reconnect_interval", Message: "must be positive"})
	}
	if ch.MaxAttempts() < 0 {
		errs = append(errs, ValidationError{Field: "channel.max_reconnect_attempts", Message: "must not be negative"})
	}

	if dsn := cfg.Journal.DatabaseURL; dsn != "" {
		u, err := url.Parse(dsn)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errs = append(errs, ValidationError{
				Field:   "journal.database_url",
				Message: "must be a postgres:// URL",
			})
		}
	}

	if cfg.DraftsDir == "" {
		errs = append(errs, ValidationError{Field: "drafts_dir", Message: "is required"})
	}

	return errs
}

func validateURL(errs *[]ValidationError, field, raw string, schemes ...string) {
	if raw == "" {
		*errs = append(*errs, ValidationError{Field: field, Message: "is required"})
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid URL: %v", err)})
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				*errs = append(*errs, ValidationError{Field: field, Message: "missing host"})
			}
			return
		}
	}
	*errs = append(*errs, ValidationError{
		Field:   field,
		Message: fmt.Sprintf("unsupported scheme %q (want %v)", u.Scheme, schemes),
	})
}
