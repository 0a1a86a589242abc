package config

import "time"

// Config is the top-level factoryctl configuration parsed from YAML.
type Config struct {
	Server  Server  `yaml:"server"`
	Channel Channel `yaml:"channel"`
	Journal Journal `yaml:"journal"`

	// Catalog is an optional path to a stage catalog YAML file. The embedded
	// catalog is used when empty.
	Catalog   string `yaml:"catalog,omitempty"`
	DraftsDir string `yaml:"drafts_dir"`
}

// Server holds the REST and push endpoints of the pipeline service.
type Server struct {
	APIURL         string        `yaml:"api_url"`
	WSURL          string        `yaml:"ws_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryMax       int           `yaml:"retry_max"`
}

// Channel tunes the status channel keep-alive and reconnect behavior.
type Channel struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts *int          `yaml:"max_reconnect_attempts,omitempty"`
	Reconnect            *bool         `yaml:"reconnect,omitempty"`
}

// ReconnectEnabled reports whether auto-reconnect is on. It defaults to true.
func (c Channel) ReconnectEnabled() bool {
	return c.Reconnect == nil || *c.Reconnect
}

// MaxAttempts returns the reconnect attempt bound.
func (c Channel) MaxAttempts() int {
	if c.MaxReconnectAttempts == nil {
		return DefaultMaxReconnectAttempts
	}
	return *c.MaxReconnectAttempts
}

// Journal configures the Postgres event journal.
type Journal struct {
	DatabaseURL string `yaml:"database_url,omitempty"`
}

// Defaults.
const (
	DefaultAPIURL               = "http://localhost:8000/api"
	DefaultWSURL                = "ws://localhost:8000/ws"
	DefaultRequestTimeout       = 30 * time.Second
	DefaultRetryMax             = 3
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
)
