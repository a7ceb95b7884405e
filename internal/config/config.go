package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvToken       = "CHATSYNC_TOKEN"
	EnvServerURL   = "CHATSYNC_SERVER_URL"
	EnvWSURL       = "CHATSYNC_WS_URL"
	EnvUserID      = "CHATSYNC_USER_ID"
	EnvUsername    = "CHATSYNC_USERNAME"
	EnvMetricsAddr = "CHATSYNC_METRICS_ADDR"
	EnvSession     = "CHATSYNC_SESSION"
)

// Duration is a time.Duration written as "10s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
	User           User   `toml:"user"`
	Policy         Policy `toml:"policy"`
	Daemon         Daemon `toml:"daemon"`

	// Token is only ever read from the environment.
	Token string `toml:"-"`
}

// Server locates the chat backend.
type Server struct {
	URL               string   `toml:"url" validate:"required,url"`
	WebSocketURL      string   `toml:"ws_url,omitempty" validate:"omitempty,url"`
	Heartbeat         Duration `toml:"heartbeat"`
	RequestTimeout    Duration `toml:"request_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second" validate:"gte=0"`
}

// User identifies the local account. The backend has no endpoint for the
// current user, so the id is configured.
type User struct {
	ID       string `toml:"id" validate:"omitempty,numeric"`
	Username string `toml:"username,omitempty"`
}

// Policy holds the tunable engine constants.
type Policy struct {
	MatchWindow     Duration `toml:"match_window"`
	SendTimeout     Duration `toml:"send_timeout"`
	FlushInterval   Duration `toml:"flush_interval"`
	MaxAttempts     uint     `toml:"max_attempts" validate:"gte=1,lte=10"`
	HistoryPageSize int      `toml:"history_page_size" validate:"gte=1,lte=200"`
}

// Daemon configures chatd.
type Daemon struct {
	MetricsAddr string `toml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			URL:               "http://localhost:8080",
			Heartbeat:         Duration{4 * time.Second},
			RequestTimeout:    Duration{10 * time.Second},
			RequestsPerSecond: 10,
		},
		Policy: Policy{
			MatchWindow:     Duration{60 * time.Second},
			SendTimeout:     Duration{10 * time.Second},
			FlushInterval:   Duration{300 * time.Millisecond},
			MaxAttempts:     3,
			HistoryPageSize: 20,
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
// Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads envFile (if it exists) into the process environment and
// applies the CHATSYNC_* overrides. Variables already set win over the file.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Token, EnvToken)
	set(&c.Server.URL, EnvServerURL)
	set(&c.Server.WebSocketURL, EnvWSURL)
	set(&c.User.ID, EnvUserID)
	set(&c.User.Username, EnvUsername)
	set(&c.Daemon.MetricsAddr, EnvMetricsAddr)
	set(&c.DefaultSession, EnvSession)
	return nil
}

var validate = validator.New()

// Validate checks the struct tags and returns one error listing every
// invalid field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "numeric":
		return fmt.Sprintf("%s must be numeric", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be host:port", field)
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// WebSocketEndpoint returns the STOMP endpoint. Without an explicit ws_url it
// is the raw WebSocket transport of the server's /ws endpoint.
func (c *Config) WebSocketEndpoint() (string, error) {
	if c.Server.WebSocketURL != "" {
		return c.Server.WebSocketURL, nil
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/websocket"
	return u.String(), nil
}
