package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"wkserver/internal/model"
)

// NOTE: The file format follows the extension: ".toml" is TOML, anything
// else is YAML. A missing file is created with defaults and 0600 perms.

// WebSocketConfig describes the client-facing listener.
type WebSocketConfig struct {
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port"`
	// URL is the public address clients are told to use. Informational only.
	URL string `yaml:"url" toml:"url"`
	// APIKey is the shared key every inbound call must carry.
	APIKey string `yaml:"apikey" toml:"apikey"`
}

// CalDAVConfig holds the remote calendar server credentials.
type CalDAVConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	// InsecureSkipVerify disables TLS certificate checks, for servers with
	// self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	// Timeout bounds a single HTTP request, e.g. "30s".
	Timeout string `yaml:"timeout" toml:"timeout"`
}

// CalendarConfig declares one calendar that is synced to clients.
type CalendarConfig struct {
	Name string `yaml:"name" toml:"name"`
	// Type is "User" or "Holiday".
	Type string `yaml:"type" toml:"type"`
	// RemoteName is the display name of the calendar on the CalDAV server.
	RemoteName string `yaml:"remotename" toml:"remotename"`
}

// SyncConfig controls the poll loop.
type SyncConfig struct {
	// Interval is the wait before each calendar's delivery, e.g. "60s".
	Interval string `yaml:"interval" toml:"interval"`
	// Timezone is the IANA zone the poll window and all-day dates are
	// anchored in. Empty means the host's local zone.
	Timezone string `yaml:"timezone" toml:"timezone"`
	// QueryTimeout bounds each remote query. "0" disables the bound.
	QueryTimeout string `yaml:"query_timeout" toml:"query_timeout"`
	// Rebind is a cron schedule for re-matching calendars against the
	// server, e.g. "@every 1h". Empty disables rebinding.
	Rebind string `yaml:"rebind" toml:"rebind"`
}

// TLSConfig enables TLS on the listener when both paths are set.
type TLSConfig struct {
	Cert string `yaml:"cert" toml:"cert"`
	Key  string `yaml:"key" toml:"key"`
}

type LogConfig struct {
	// File is "stderr", "stdout" or a file path.
	File string `yaml:"file" toml:"file"`
	// Level is DEBUG, INFO, WARNING or ERROR.
	Level string `yaml:"level" toml:"level"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	WebSocket WebSocketConfig  `yaml:"websocket" toml:"websocket"`
	CalDAV    CalDAVConfig     `yaml:"caldav" toml:"caldav"`
	Calendars []CalendarConfig `yaml:"calendars" toml:"calendars"`
	Sync      SyncConfig       `yaml:"sync" toml:"sync"`
	TLS       TLSConfig        `yaml:"tls" toml:"tls"`
	Log       LogConfig        `yaml:"log" toml:"log"`

	// BasicAuth, if non-nil, protects /api/* with HTTP Basic Authentication.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" toml:"basic_auth,omitempty"`
}

const (
	defaultAddress       = "127.0.0.1"
	defaultPort          = 9000
	defaultPublicURL     = "wss://localhost:9000"
	defaultCalDAVURL     = "https://localhost:443"
	defaultCalDAVTimeout = "30s"
	defaultInterval      = "60s"
	defaultQueryTimeout  = "60s"
	defaultRebind        = "@every 1h"
	defaultLogFile       = "stderr"
	defaultLogLevel      = "WARNING"
)

// Environment variables that take precedence over the file.
const (
	EnvAPIKey         = "WKSERVER_APIKEY"
	EnvCalDAVURL      = "WKSERVER_CALDAV_URL"
	EnvCalDAVUsername = "WKSERVER_CALDAV_USERNAME"
	EnvCalDAVPassword = "WKSERVER_CALDAV_PASSWORD"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		WebSocket: WebSocketConfig{
			Address: defaultAddress,
			Port:    defaultPort,
			URL:     defaultPublicURL,
		},
		CalDAV: CalDAVConfig{
			URL:     defaultCalDAVURL,
			Timeout: defaultCalDAVTimeout,
		},
		Calendars: []CalendarConfig{},
		Sync: SyncConfig{
			Interval:     defaultInterval,
			QueryTimeout: defaultQueryTimeout,
			Rebind:       defaultRebind,
		},
		Log: LogConfig{
			File:  defaultLogFile,
			Level: defaultLogLevel,
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.WebSocket.Address == "" {
		c.WebSocket.Address = defaultAddress
	}
	if c.WebSocket.Port == 0 {
		c.WebSocket.Port = defaultPort
	}
	if c.WebSocket.URL == "" {
		c.WebSocket.URL = defaultPublicURL
	}
	if c.CalDAV.Timeout == "" {
		c.CalDAV.Timeout = defaultCalDAVTimeout
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		if c.Calendars[i].Type == "" {
			c.Calendars[i].Type = string(model.KindUser)
		}
	}
	if c.Sync.Interval == "" {
		c.Sync.Interval = defaultInterval
	}
	if c.Sync.QueryTimeout == "" {
		c.Sync.QueryTimeout = defaultQueryTimeout
	}
	if c.Log.File == "" {
		c.Log.File = defaultLogFile
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

// Validate reports every hard configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	if c.WebSocket.Port < 1 || c.WebSocket.Port > 65535 {
		errs = append(errs, fmt.Errorf("websocket.port %d out of range", c.WebSocket.Port))
	}
	if c.CalDAV.URL == "" {
		errs = append(errs, errors.New("caldav.url is empty"))
	}
	if _, err := parseDuration(c.CalDAV.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("caldav.timeout: %w", err))
	}

	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		if cal.Name == "" {
			errs = append(errs, fmt.Errorf("calendars[%d]: name is empty", i))
			continue
		}
		if seen[cal.Name] {
			errs = append(errs, fmt.Errorf("calendars[%d]: duplicate name %q", i, cal.Name))
		}
		seen[cal.Name] = true
		if _, ok := model.ParseKind(cal.Type); !ok {
			errs = append(errs, fmt.Errorf("calendar %q: unknown type %q (want User or Holiday)", cal.Name, cal.Type))
		}
	}

	if d, err := parseDuration(c.Sync.Interval); err != nil {
		errs = append(errs, fmt.Errorf("sync.interval: %w", err))
	} else if d <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if _, err := parseDuration(c.Sync.QueryTimeout); err != nil {
		errs = append(errs, fmt.Errorf("sync.query_timeout: %w", err))
	}
	if c.Sync.Timezone != "" {
		if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("sync.timezone: %w", err))
		}
	}
	if c.Sync.Rebind != "" {
		if _, err := cron.ParseStandard(c.Sync.Rebind); err != nil {
			errs = append(errs, fmt.Errorf("sync.rebind: %w", err))
		}
	}

	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		errs = append(errs, errors.New("tls.cert and tls.key must be set together"))
	}

	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG", "INFO", "WARNING", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: must be one of DEBUG, INFO, WARNING, ERROR", c.Log.Level))
	}

	return errors.Join(errs...)
}

// Warnings lists settings that are legal but probably not intended.
func (c *Config) Warnings() []string {
	var w []string
	if c.WebSocket.APIKey == "" {
		w = append(w, "websocket.apikey is not set; clients sending an empty key are accepted")
	}
	if len(c.Calendars) == 0 {
		w = append(w, "no calendars configured")
	}
	if !c.TLSEnabled() {
		w = append(w, "tls.cert/tls.key not set; serving plain ws://")
	}
	if c.CalDAV.InsecureSkipVerify {
		w = append(w, "caldav.insecure_skip_verify is set; server certificate is not checked")
	}
	return w
}

// Listen returns the host:port the listener binds to.
func (c *Config) Listen() string {
	return net.JoinHostPort(c.WebSocket.Address, strconv.Itoa(c.WebSocket.Port))
}

func (c *Config) TLSEnabled() bool {
	return c.TLS.Cert != "" && c.TLS.Key != ""
}

// Location resolves Sync.Timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Sync.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Sync.Timezone)
}

// PollInterval, QueryTimeout and CalDAVTimeout return the parsed durations.
// Invalid values yield zero; Validate reports them.

func (c *Config) PollInterval() time.Duration {
	d, _ := parseDuration(c.Sync.Interval)
	return d
}

func (c *Config) QueryTimeout() time.Duration {
	d, _ := parseDuration(c.Sync.QueryTimeout)
	return d
}

func (c *Config) CalDAVTimeout() time.Duration {
	d, _ := parseDuration(c.CalDAV.Timeout)
	return d
}

// parseDuration accepts Go durations and a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv(EnvAPIKey); ok {
		c.WebSocket.APIKey = v
	}
	if v, ok := os.LookupEnv(EnvCalDAVURL); ok {
		c.CalDAV.URL = v
	}
	if v, ok := os.LookupEnv(EnvCalDAVUsername); ok {
		c.CalDAV.Username = v
	}
	if v, ok := os.LookupEnv(EnvCalDAVPassword); ok {
		c.CalDAV.Password = v
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func unmarshal(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func marshal(path string, cfg *Config) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return yaml.Marshal(cfg)
}

// Load loads configuration from path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the file is decoded (YAML or TOML by extension).
//   - Environment overrides are applied, then defaults are filled in.
//
// Load does not validate; call Validate on the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := unmarshal(path, data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyEnv()
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms,
// creating the parent directory with 0700 if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := marshal(path, cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".wkserver-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
