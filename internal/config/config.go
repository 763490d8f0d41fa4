// Package config loads the hub and client settings from YAML and applies
// environment overrides for the secrets that never belong in a file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"syncbridge/internal/sign"
)

// Duration parses YAML values like "30s" or "2m" into time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Hub holds the gateway-side settings.
type Hub struct {
	Listen       string   `yaml:"listen"`
	HTTPListen   string   `yaml:"http_listen"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	MaxClients   int      `yaml:"max_clients"`
	PingInterval Duration `yaml:"ping_interval"`
	PongTimeout  Duration `yaml:"pong_timeout"`
	DataRoot     string   `yaml:"data_root"`
}

// RateLimit is the per-connection sliding window.
type RateLimit struct {
	MaxRequests int      `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
}

// Retry shapes the outbound call retry policy. MaxAttempts counts total
// requests, the initial one included.
type Retry struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	Backoff      string   `yaml:"backoff"` // "exponential" | "linear"
}

// Client holds the outbound-side settings.
type Client struct {
	HubAddr  string `yaml:"hub_addr"`
	HubURL   string `yaml:"hub_url"`
	ClientID string `yaml:"client_id"`
	Retry    Retry  `yaml:"retry"`
}

type Config struct {
	// Secret is the shared HMAC secret. When empty, it is derived from
	// Credentials via the sync-key scheme.
	Secret      string    `yaml:"secret"`
	Credentials string    `yaml:"credentials"`
	Hub         Hub       `yaml:"hub"`
	RateLimit   RateLimit `yaml:"rate_limit"`
	Client      Client    `yaml:"client"`
}

// Default returns the configuration the system ships with. Load starts from
// here, so a missing key keeps its default.
func Default() Config {
	return Config{
		Hub: Hub{
			Listen:       "0.0.0.0:4460",
			HTTPListen:   "0.0.0.0:4461",
			AllowedHosts: []string{"localhost", "127.0.0.1"},
			MaxClients:   10,
			PingInterval: Duration(30 * time.Second),
			PongTimeout:  Duration(10 * time.Second),
			DataRoot:     "data",
		},
		RateLimit: RateLimit{
			MaxRequests: 100,
			Window:      Duration(60 * time.Second),
		},
		Client: Client{
			HubAddr:  "127.0.0.1:4460",
			HubURL:   "http://127.0.0.1:4461",
			ClientID: "syncbridge-client",
			Retry: Retry{
				MaxAttempts:  3,
				InitialDelay: Duration(time.Second),
				Backoff:      "exponential",
			},
		},
	}
}

// Load reads path (optional; "" keeps defaults), then applies environment
// overrides: SYNCBRIDGE_SECRET, SYNCBRIDGE_CREDENTIALS,
// SYNCBRIDGE_ALLOWED_HOSTS (comma-separated) and SYNCBRIDGE_CLIENT_ID.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if v := os.Getenv("SYNCBRIDGE_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("SYNCBRIDGE_CREDENTIALS"); v != "" {
		cfg.Credentials = v
	}
	if v := os.Getenv("SYNCBRIDGE_ALLOWED_HOSTS"); v != "" {
		hosts := strings.Split(v, ",")
		cfg.Hub.AllowedHosts = cfg.Hub.AllowedHosts[:0]
		for _, h := range hosts {
			if h = strings.TrimSpace(h); h != "" {
				cfg.Hub.AllowedHosts = append(cfg.Hub.AllowedHosts, h)
			}
		}
	}
	if v := os.Getenv("SYNCBRIDGE_CLIENT_ID"); v != "" {
		cfg.Client.ClientID = v
	}
	if cfg.Secret == "" && cfg.Credentials != "" {
		secret, err := sign.SyncSecret(cfg.Credentials)
		if err != nil {
			return Config{}, fmt.Errorf("derive secret from credentials: %w", err)
		}
		cfg.Secret = secret
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would come up broken rather than
// letting them fail mid-connection.
func (c Config) Validate() error {
	if c.Secret == "" {
		return errors.New("config: secret is required (set SYNCBRIDGE_SECRET or credentials)")
	}
	if c.Hub.MaxClients <= 0 {
		return errors.New("config: hub.max_clients must be positive")
	}
	if c.Hub.PingInterval.Std() <= 0 || c.Hub.PongTimeout.Std() <= 0 {
		return errors.New("config: ping interval and pong timeout must be positive")
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window.Std() <= 0 {
		return errors.New("config: rate limit window and max must be positive")
	}
	if c.Client.Retry.MaxAttempts <= 0 {
		return errors.New("config: client.retry.max_attempts must be positive")
	}
	switch c.Client.Retry.Backoff {
	case "exponential", "linear":
	default:
		return fmt.Errorf("config: unknown backoff mode %q", c.Client.Retry.Backoff)
	}
	return nil
}

// RetryDelay computes the wait before attempt n (0-based) under the
// configured policy.
func (r Retry) RetryDelay(attempt int) time.Duration {
	base := r.InitialDelay.Std()
	if base <= 0 {
		base = time.Second
	}
	if r.Backoff == "linear" {
		return base * time.Duration(attempt+1)
	}
	return base * time.Duration(1<<attempt)
}
