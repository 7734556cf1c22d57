package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Hub    HubConfig    `yaml:"hub"`
	Alerts AlertsConfig `yaml:"alerts"`
	Feed   FeedConfig   `yaml:"feed"`
	Auth   AuthConfig   `yaml:"auth"`
}

type ServerConfig struct {
	Port                int           `yaml:"port"`
	Host                string        `yaml:"host"`
	AllowedOrigins      []string      `yaml:"allowed_origins"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	HardShutdownTimeout time.Duration `yaml:"hard_shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HubConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendBuffer        int           `yaml:"send_buffer"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	WriteWait         time.Duration `yaml:"write_wait"`
}

type AlertsConfig struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	StartupDelay         time.Duration `yaml:"startup_delay"`
	UrgentDelay          time.Duration `yaml:"urgent_delay"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	NoveltyLimit         int           `yaml:"novelty_limit"`
	ComprehensiveAlerts  int           `yaml:"comprehensive_alerts"`
	ComprehensiveReports int           `yaml:"comprehensive_reports"`
	FailureThreshold     int           `yaml:"failure_threshold"`
	DedupCapacity        int           `yaml:"dedup_capacity"`
	// DedupStateFile enables tracker persistence when set.
	DedupStateFile string `yaml:"dedup_state_file"`
}

type FeedConfig struct {
	BaseURL string        `yaml:"base_url"`
	AppName string        `yaml:"app_name"`
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig maps a static bearer token to an identity.
type TokenConfig struct {
	Token  string `yaml:"token"`
	UserID string `yaml:"user_id"`
	Role   string `yaml:"role"`
}

var knownRoles = map[string]bool{
	"admin":       true,
	"coordinator": true,
	"rescueTeam":  true,
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			Host:                "0.0.0.0",
			ShutdownTimeout:     10 * time.Second,
			HardShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Hub: HubConfig{
			HeartbeatInterval: 30 * time.Second,
			SendBuffer:        64,
			MaxMessageSize:    64 << 10,
			WriteWait:         10 * time.Second,
		},
		Alerts: AlertsConfig{
			CheckInterval:        15 * time.Minute,
			StartupDelay:         5 * time.Second,
			UrgentDelay:          time.Second,
			FetchTimeout:         30 * time.Second,
			NoveltyLimit:         20,
			ComprehensiveAlerts:  50,
			ComprehensiveReports: 20,
			FailureThreshold:     3,
			DedupCapacity:        1000,
		},
		Feed: FeedConfig{
			BaseURL: "https://api.reliefweb.int/v1",
			AppName: "relief-hub",
			Timeout: 20 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: time.Minute,
			},
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// envOverrides are applied after the YAML file. Zero values leave the file
// setting alone.
type envOverrides struct {
	Host       string `env:"RELIEF_HUB_HOST"`
	Port       int    `env:"RELIEF_HUB_PORT"`
	FeedURL    string `env:"RELIEF_HUB_FEED_URL"`
	AdminToken string `env:"RELIEF_HUB_ADMIN_TOKEN"`
	LogLevel   string `env:"LOG_LEVEL"`
	LogFormat  string `env:"LOG_FORMAT"`
}

// LoadEnv loads the optional .env files (default ".env") into the process
// environment and applies the overrides.
func (c *Config) LoadEnv(dotenv ...string) error {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return c.applyEnv()
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Load(&o, nil); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if o.Host != "" {
		c.Server.Host = o.Host
	}
	if o.Port != 0 {
		c.Server.Port = o.Port
	}
	if o.FeedURL != "" {
		c.Feed.BaseURL = o.FeedURL
	}
	if o.AdminToken != "" {
		c.Auth.Tokens = append(c.Auth.Tokens, TokenConfig{Token: o.AdminToken, UserID: "admin", Role: "admin"})
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Log.Format = o.LogFormat
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	positive := map[string]time.Duration{
		"hub.heartbeat_interval":  c.Hub.HeartbeatInterval,
		"alerts.check_interval":   c.Alerts.CheckInterval,
		"alerts.startup_delay":    c.Alerts.StartupDelay,
		"alerts.urgent_delay":     c.Alerts.UrgentDelay,
		"alerts.fetch_timeout":    c.Alerts.FetchTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Alerts.DedupCapacity <= 0 {
		errs = append(errs, errors.New("alerts.dedup_capacity must be positive"))
	}
	if c.Alerts.NoveltyLimit <= 0 {
		errs = append(errs, errors.New("alerts.novelty_limit must be positive"))
	}
	if c.Feed.BaseURL == "" {
		errs = append(errs, errors.New("feed.base_url is required"))
	}
	for i, tok := range c.Auth.Tokens {
		if tok.Token == "" {
			errs = append(errs, fmt.Errorf("auth.tokens[%d]: token is empty", i))
		}
		if !knownRoles[tok.Role] {
			errs = append(errs, fmt.Errorf("auth.tokens[%d]: unknown role %q", i, tok.Role))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
