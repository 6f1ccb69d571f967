package feedmux

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultReconnectDelay is the fixed pause between an unintentional
	// close and the next connection attempt.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultFeedPort is the well-known port the feed endpoint listens on
	// when only a dashboard base URL is configured.
	DefaultFeedPort = "8765"

	defaultFeedPath    = "/ws"
	defaultDialTimeout = 10 * time.Second
	defaultWriteWait   = time.Second

	envEndpoint = "FEEDMUX_WS_URL"
	envBaseURL  = "FEEDMUX_BASE_URL"
)

// Config carries the tunables of the feed client. The zero value is usable:
// every field has a documented default applied by New.
type Config struct {
	// Endpoint is the websocket URL of the feed server. When empty, the
	// endpoint is resolved from the environment or derived from BaseURL.
	Endpoint string

	// BaseURL is the dashboard's HTTP base URL. Used only to derive a feed
	// endpoint when none is configured: the websocket scheme mirrors the
	// base scheme (https becomes wss), same host, port 8765, path /ws.
	BaseURL string

	// ReconnectDelay is the fixed delay of the default reconnection policy.
	ReconnectDelay time.Duration

	// MaxAttempts caps consecutive failed reconnection attempts. Zero means
	// retry forever, which is the default.
	MaxAttempts int

	// DialTimeout bounds the websocket handshake.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// PingInterval, when positive, makes the transport send periodic pings.
	PingInterval time.Duration
}

// fileConfig is the on-disk YAML shape. Durations are plain seconds.
type fileConfig struct {
	Endpoint              string `yaml:"endpoint"`
	BaseURL               string `yaml:"base_url"`
	ReconnectDelaySeconds int    `yaml:"reconnect_delay_seconds"`
	MaxAttempts           int    `yaml:"max_attempts"`
	DialTimeoutSeconds    int    `yaml:"dial_timeout_seconds"`
	WriteTimeoutMillis    int    `yaml:"write_timeout_ms"`
	PingIntervalSeconds   int    `yaml:"ping_interval_seconds"`
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteWait
	}
	return c
}

// LoadConfig reads a YAML config file and applies dotenv/environment
// overrides. A missing .env file is not an error.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	bts, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "cannot read config file")
	}

	var fc fileConfig
	if err := yaml.Unmarshal(bts, &fc); err != nil {
		return cfg, errors.Wrap(err, "cannot parse config file")
	}

	cfg = Config{
		Endpoint:       fc.Endpoint,
		BaseURL:        fc.BaseURL,
		ReconnectDelay: time.Duration(fc.ReconnectDelaySeconds) * time.Second,
		MaxAttempts:    fc.MaxAttempts,
		DialTimeout:    time.Duration(fc.DialTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(fc.WriteTimeoutMillis) * time.Millisecond,
		PingInterval:   time.Duration(fc.PingIntervalSeconds) * time.Second,
	}

	_ = godotenv.Load()
	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(envEndpoint)); v != "" {
		c.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(envBaseURL)); v != "" {
		c.BaseURL = v
	}
}

// resolveEndpoint picks the feed URL with precedence: explicit argument,
// configured value, derived default. Resolution happens once per connection
// attempt.
func (c Config) resolveEndpoint(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	if c.Endpoint != "" {
		return c.Endpoint, nil
	}
	return deriveEndpoint(c.BaseURL)
}

// deriveEndpoint builds the well-known feed URL from the dashboard base URL.
func deriveEndpoint(baseURL string) (string, error) {
	if strings.TrimSpace(baseURL) == "" {
		return "", errors.Wrap(ErrCannotConnect, "no endpoint configured and no base URL to derive one from")
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(ErrCannotConnect, "invalid base URL: "+err.Error())
	}
	if u.Host == "" {
		return "", errors.Wrap(ErrCannotConnect, "base URL has no host: "+baseURL)
	}

	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}

	return fmt.Sprintf("%s://%s:%s%s", scheme, u.Hostname(), DefaultFeedPort, defaultFeedPath), nil
}
