// Package config assembles goremote settings from defaults, an optional
// HuJSON file, a .env file and GOREMOTE_* environment variables. The CLI
// applies its flags last.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/tailscale/hujson"

	"github.com/chronologos/goremote/internal/chunk"
	"github.com/chronologos/goremote/internal/packet"
	"github.com/chronologos/goremote/internal/peer"
	"github.com/chronologos/goremote/internal/transport"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GOREMOTE_"

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "10s" in config files. Plain
// numbers are read as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration must be a string or number, got %s", b)
	}
	return nil
}

type Config struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Key       string `json:"key"`
	Transport string `json:"transport"`
	Username  string `json:"username"`
	// Root is the directory served by the editor collaborator.
	Root string `json:"root"`

	ChunkSize       int      `json:"chunk_size"`
	TransferTimeout Duration `json:"transfer_timeout"`
	RequestTimeout  Duration `json:"request_timeout"`
	PeerTTL         Duration `json:"peer_ttl"`
	BroadcastDelay  Duration `json:"broadcast_delay"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"` // console or json
	// MetricsAddr enables the /metrics and /healthz endpoint when set.
	MetricsAddr string `json:"metrics_addr"`
	Profile     bool   `json:"profile"`
}

func Default() Config {
	return Config{
		Host:            "127.0.0.1",
		Transport:       transport.ModeUDP.String(),
		Root:            ".",
		ChunkSize:       packet.MaxContentSize,
		TransferTimeout: Duration(chunk.DefaultTimeout),
		RequestTimeout:  Duration(5 * time.Second),
		PeerTTL:         Duration(peer.DefaultTTL),
		BroadcastDelay:  Duration(100 * time.Millisecond),
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Load returns Default overlaid with the HuJSON file at path (skipped when
// empty), then envFile (skipped when absent) and the process environment.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	// Comments and trailing commas are allowed.
	content, err = hujson.Standardize(content)
	if err != nil {
		return fmt.Errorf("parse config failed: %w", err)
	}
	if err := json.Unmarshal(content, c); err != nil {
		return fmt.Errorf("parse config failed: %w", err)
	}
	return nil
}

// applyEnv overlays every GOREMOTE_* variable that lookup reports as set.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"HOST":         &c.Host,
		"KEY":          &c.Key,
		"TRANSPORT":    &c.Transport,
		"USERNAME":     &c.Username,
		"ROOT":         &c.Root,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FORMAT":   &c.LogFormat,
		"METRICS_ADDR": &c.MetricsAddr,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT":       &c.Port,
		"CHUNK_SIZE": &c.ChunkSize,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q", ErrInvalid, EnvPrefix, name, v)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"TRANSFER_TIMEOUT": &c.TransferTimeout,
		"REQUEST_TIMEOUT":  &c.RequestTimeout,
		"PEER_TTL":         &c.PeerTTL,
		"BROADCAST_DELAY":  &c.BroadcastDelay,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q", ErrInvalid, EnvPrefix, name, v)
			}
			*dst = Duration(d)
		}
	}

	if v, ok := lookup(EnvPrefix + "PROFILE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sPROFILE=%q", ErrInvalid, EnvPrefix, v)
		}
		c.Profile = b
	}
	return nil
}

// Validate checks ranges. Port 0 is allowed here; commands that need a
// concrete port check it themselves.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if _, err := transport.ParseMode(c.Transport); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > packet.MaxContentSize {
		return fmt.Errorf("%w: chunk size %d not in 1..%d", ErrInvalid, c.ChunkSize, packet.MaxContentSize)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.LogFormat)
	}
	return nil
}

// Mode returns the parsed transport. Call after Validate.
func (c Config) Mode() transport.Mode {
	m, _ := transport.ParseMode(c.Transport)
	return m
}
