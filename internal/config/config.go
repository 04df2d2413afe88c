// Package config loads triage configuration from ~/.triage/config.yaml with
// TRIAGE_* environment overrides. A default file is written on first run so
// operators always have a concrete file to edit.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Routing    RoutingConfig    `mapstructure:"routing" yaml:"routing"`
	Escalation EscalationConfig `mapstructure:"escalation" yaml:"escalation"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// RoutingConfig tunes the routing policy thresholds.
type RoutingConfig struct {
	// RouteThreshold is the minimum top probability to commit a domain.
	RouteThreshold float64 `mapstructure:"route_threshold" yaml:"route_threshold"`
	// Margin is the minimum gap between the top two candidates; closer than
	// this is treated as ambiguous.
	Margin float64 `mapstructure:"margin" yaml:"margin"`
	// ContinuationThreshold is the lower bar for keeping a session in its
	// committed domain on follow-up messages.
	ContinuationThreshold float64 `mapstructure:"continuation_threshold" yaml:"continuation_threshold"`
	// MaxClarificationRounds bounds disambiguation before forcing escalation.
	MaxClarificationRounds int `mapstructure:"max_clarification_rounds" yaml:"max_clarification_rounds"`
}

// EscalationConfig tunes the escalation state machine.
type EscalationConfig struct {
	// MaxFrustration is the upper clamp of the frustration level.
	MaxFrustration int `mapstructure:"max_frustration" yaml:"max_frustration"`
	// LowWatermark moves NONE → MONITORING when crossed.
	LowWatermark int `mapstructure:"low_watermark" yaml:"low_watermark"`
	// HighWatermark moves MONITORING → HUMAN_PENDING when crossed.
	HighWatermark int `mapstructure:"high_watermark" yaml:"high_watermark"`
	// CalmTurns is how many consecutive clean turns under the low watermark
	// return MONITORING to NONE.
	CalmTurns int `mapstructure:"calm_turns" yaml:"calm_turns"`
	// TicketRetries bounds retry attempts for ticket creation.
	TicketRetries int `mapstructure:"ticket_retries" yaml:"ticket_retries"`
	// TicketBackoff is the initial backoff between ticket retries; it doubles
	// on each attempt.
	TicketBackoff time.Duration `mapstructure:"ticket_backoff" yaml:"ticket_backoff"`
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	// IdleTimeout is the inactivity window after which a session is archived.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// ClassifierConfig configures the language-understanding collaborator.
type ClassifierConfig struct {
	// Kind selects the classifier: "keyword" (built-in, deterministic) or
	// "http" (remote intent service).
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Endpoint is the remote classifier URL when kind is "http".
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	// Timeout bounds one classification call.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StorageConfig configures persistence.
type StorageConfig struct {
	// DBPath is the SQLite database holding sessions, user context, and
	// tickets.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Routing: RoutingConfig{
			RouteThreshold:         0.75,
			Margin:                 0.15,
			ContinuationThreshold:  0.5,
			MaxClarificationRounds: 2,
		},
		Escalation: EscalationConfig{
			MaxFrustration: 6,
			LowWatermark:   2,
			HighWatermark:  4,
			CalmTurns:      2,
			TicketRetries:  3,
			TicketBackoff:  100 * time.Millisecond,
		},
		Session: SessionConfig{
			IdleTimeout: 30 * time.Minute,
		},
		Classifier: ClassifierConfig{
			Kind:    "keyword",
			Timeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DBPath: "~/.triage/triage.db",
		},
		Server: ServerConfig{
			Addr: ":8420",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the default path, creating it if missing.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(home, ".triage", "config.yaml"))
}

// LoadFromPath reads configuration from an explicit path, creating a default
// file when none exists.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example override: TRIAGE_ROUTING_ROUTE_THRESHOLD=0.8
	v.SetEnvPrefix("TRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Storage.DBPath = expandPath(cfg.Storage.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make routing undecidable.
func (c *Config) Validate() error {
	if c.Routing.RouteThreshold <= 0 || c.Routing.RouteThreshold > 1 {
		return fmt.Errorf("routing.route_threshold must be in (0,1], got %v", c.Routing.RouteThreshold)
	}
	if c.Routing.ContinuationThreshold > c.Routing.RouteThreshold {
		return fmt.Errorf("routing.continuation_threshold (%v) must not exceed route_threshold (%v)",
			c.Routing.ContinuationThreshold, c.Routing.RouteThreshold)
	}
	if c.Escalation.LowWatermark >= c.Escalation.HighWatermark {
		return fmt.Errorf("escalation.low_watermark (%d) must be below high_watermark (%d)",
			c.Escalation.LowWatermark, c.Escalation.HighWatermark)
	}
	if c.Escalation.HighWatermark > c.Escalation.MaxFrustration {
		return fmt.Errorf("escalation.high_watermark (%d) must not exceed max_frustration (%d)",
			c.Escalation.HighWatermark, c.Escalation.MaxFrustration)
	}
	if c.Routing.MaxClarificationRounds < 1 {
		return fmt.Errorf("routing.max_clarification_rounds must be at least 1")
	}
	return nil
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := "# triage configuration\n# Values can be overridden with TRIAGE_* environment variables.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o644)
}

func expandPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
