package chatlog

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// Config configures the log forwarder.
type Config struct {
	// LogServer is the absolute http(s) URL records are posted to.
	LogServer string
	// RequestTimeout bounds one POST including reading the response.
	// Zero selects the default.
	RequestTimeout time.Duration
}

// Validate checks that the log server is an absolute http(s) URL.
func (cfg Config) Validate() error {
	raw := strings.TrimSpace(cfg.LogServer)
	if raw == "" {
		return fmt.Errorf("log_server is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse log_server: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("log_server scheme %q: want http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("log_server %q: missing host", raw)
	}
	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must be >= 0")
	}

	return nil
}
