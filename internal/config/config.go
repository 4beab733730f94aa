// Package config loads journalchat settings from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/journalchat/internal/client"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend
	APIBaseURL      string
	StreamTransport string
	RequestTimeout  time.Duration

	// StreamIdleTimeout fails a stream that receives no frame for this long.
	// Zero disables the timeout.
	StreamIdleTimeout time.Duration

	// Chat defaults
	DefaultPersona string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// fileConfig mirrors Config for YAML decoding. Durations and levels stay
// strings so they parse the same way as their env counterparts.
type fileConfig struct {
	APIURL            string `yaml:"api_url"`
	StreamTransport   string `yaml:"stream_transport"`
	RequestTimeout    string `yaml:"request_timeout"`
	StreamIdleTimeout string `yaml:"stream_idle_timeout"`
	DefaultPersona    string `yaml:"default_persona"`
	LogFile           string `yaml:"log_file"`
	LogLevel          string `yaml:"log_level"`
}

// Load reads configuration from environment variables.
func Load() Config {
	return build(getEnv)
}

// LoadFile reads a YAML config file and overlays the environment on top of it.
// An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Load(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	fileValues := map[string]string{
		"JOURNAL_API_URL":             fc.APIURL,
		"JOURNAL_STREAM_TRANSPORT":    fc.StreamTransport,
		"JOURNAL_REQUEST_TIMEOUT":     fc.RequestTimeout,
		"JOURNAL_STREAM_IDLE_TIMEOUT": fc.StreamIdleTimeout,
		"JOURNAL_DEFAULT_PERSONA":     fc.DefaultPersona,
		"JOURNAL_LOG_FILE":            fc.LogFile,
		"JOURNAL_LOG_LEVEL":           fc.LogLevel,
	}

	// Env wins over the file, the file wins over built-in defaults.
	return build(func(key, defaultVal string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if v := fileValues[key]; v != "" {
			return v
		}
		return defaultVal
	}), nil
}

func build(lookup func(key, defaultVal string) string) Config {
	return Config{
		APIBaseURL:        strings.TrimRight(lookup("JOURNAL_API_URL", client.DefaultBaseURL), "/"),
		StreamTransport:   strings.ToLower(lookup("JOURNAL_STREAM_TRANSPORT", client.TransportSSE)),
		RequestTimeout:    parseDuration(lookup("JOURNAL_REQUEST_TIMEOUT", ""), 30*time.Second),
		StreamIdleTimeout: parseDuration(lookup("JOURNAL_STREAM_IDLE_TIMEOUT", ""), 60*time.Second),

		DefaultPersona: lookup("JOURNAL_DEFAULT_PERSONA", ""),

		LogFile:  lookup("JOURNAL_LOG_FILE", "/tmp/journalchat.log"),
		LogLevel: parseLogLevel(lookup("JOURNAL_LOG_LEVEL", "INFO")),
	}
}

// Validate reports configuration values the client cannot work with.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("invalid api url %q: %w", c.APIBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid api url %q: scheme must be http or https", c.APIBaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid api url %q: missing host", c.APIBaseURL)
	}

	switch c.StreamTransport {
	case client.TransportSSE, client.TransportWebSocket:
	default:
		return fmt.Errorf("unknown stream transport %q (want %s or %s)", c.StreamTransport, client.TransportSSE, client.TransportWebSocket)
	}

	if c.RequestTimeout < 0 || c.StreamIdleTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// parseDuration accepts Go durations ("90s") or plain seconds ("90").
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
