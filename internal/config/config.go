package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"calmerge/internal/model"
)

// ICSConfig describes a single subscribed calendar feed.
type ICSConfig struct {
	// URL is the feed endpoint.
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for logging and instance source ids.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// WindowConfig describes the generation window.
type WindowConfig struct {
	// Start is an RFC 3339 instant. Empty means midnight today in Timezone.
	Start string `yaml:"start" json:"start"`
	// Length is "<n>y", "<n>d" or a Go duration such as "720h".
	Length string `yaml:"length" json:"length"`
	// Boundary is "observed" (default) or "half_open".
	Boundary string `yaml:"boundary" json:"boundary"`
}

// MergeConfig controls candidate reconciliation.
type MergeConfig struct {
	// Incremental re-tests each candidate against previously accepted ones.
	Incremental bool `yaml:"incremental" json:"incremental"`
}

// SearchConfig describes the external event search API.
type SearchConfig struct {
	Endpoint   string `yaml:"endpoint" json:"endpoint"`
	Query      string `yaml:"query" json:"query"`
	RatePerSec int    `yaml:"rate_per_sec" json:"rate_per_sec"`
	Timeout    string `yaml:"timeout" json:"timeout"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for floating times in imported
	// calendars and for the default window start.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a 5-field cron spec for re-fetching ICS feeds.
	// Empty disables periodic refresh.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheDir holds fetched feed bodies and HTTP validators.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Window WindowConfig `yaml:"window" json:"window"`

	// MaxOccurrences caps occurrences generated per recurring event.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`

	// CandidateDuration is the length given to every merged candidate.
	CandidateDuration string `yaml:"candidate_duration" json:"candidate_duration"`

	Merge  MergeConfig  `yaml:"merge" json:"merge"`
	Search SearchConfig `yaml:"search" json:"search"`

	ICS []ICSConfig `yaml:"ics" json:"ics"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:            "127.0.0.1:8080",
		Timezone:          "UTC",
		LogLevel:          "info",
		RefreshCron:       "*/15 * * * *",
		CacheDir:          "./var/ics-cache",
		Window:            WindowConfig{Length: "1y", Boundary: "observed"},
		MaxOccurrences:    5000,
		CandidateDuration: "1h",
		Search:            SearchConfig{RatePerSec: 1, Timeout: "15s"},
		ICS:               []ICSConfig{},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.Window.Length == "" {
		c.Window.Length = def.Window.Length
	}
	switch c.Window.Boundary {
	case "observed", "half_open":
	default:
		c.Window.Boundary = def.Window.Boundary
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = def.MaxOccurrences
	}
	if c.CandidateDuration == "" {
		c.CandidateDuration = def.CandidateDuration
	}
	if c.Search.RatePerSec <= 0 {
		c.Search.RatePerSec = def.Search.RatePerSec
	}
	if c.Search.Timeout == "" {
		c.Search.Timeout = def.Search.Timeout
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.Window.Start != "" {
		if _, err := time.Parse(time.RFC3339, c.Window.Start); err != nil {
			errs = append(errs, fmt.Errorf("window.start: %w", err))
		}
	}
	if _, err := parseLength(c.Window.Length); err != nil {
		errs = append(errs, fmt.Errorf("window.length: %w", err))
	}
	if d, err := parseDurationField("candidate_duration", c.CandidateDuration); err != nil {
		errs = append(errs, err)
	} else if d == 0 {
		errs = append(errs, errors.New("candidate_duration: must be > 0"))
	}
	if _, err := parseDurationField("search.timeout", c.Search.Timeout); err != nil {
		errs = append(errs, err)
	}
	for i, src := range c.ICS {
		if strings.TrimSpace(src.URL) == "" {
			errs = append(errs, fmt.Errorf("ics[%d]: url is empty", i))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveWindow builds the generation window. now is used only when
// Window.Start is empty.
func (c *Config) ResolveWindow(now time.Time) (model.Window, error) {
	var start time.Time
	if c.Window.Start != "" {
		t, err := time.Parse(time.RFC3339, c.Window.Start)
		if err != nil {
			return model.Window{}, fmt.Errorf("window.start: %w", err)
		}
		start = t
	} else {
		n := now.In(c.Location())
		start = time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, n.Location())
	}

	l, err := parseLength(c.Window.Length)
	if err != nil {
		return model.Window{}, fmt.Errorf("window.length: %w", err)
	}
	w := model.Window{Start: start, End: l.addTo(start)}
	if err := w.Validate(); err != nil {
		return model.Window{}, err
	}
	return w, nil
}

// CandidateDurationValue returns CandidateDuration parsed.
func (c *Config) CandidateDurationValue() (time.Duration, error) {
	return parseDurationField("candidate_duration", c.CandidateDuration)
}

// SearchTimeout returns Search.Timeout parsed, or 15s.
func (c *Config) SearchTimeout() time.Duration {
	d, err := parseDurationField("search.timeout", c.Search.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// length is a calendar-aware window length.
type length struct {
	years, days int
	dur         time.Duration
}

func (l length) addTo(t time.Time) time.Time {
	return t.AddDate(l.years, 0, l.days).Add(l.dur)
}

func parseLength(raw string) (length, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return length{}, errors.New("empty")
	}
	if n, ok := strings.CutSuffix(s, "y"); ok {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return length{}, fmt.Errorf("invalid length %q", raw)
		}
		return length{years: v}, nil
	}
	if n, ok := strings.CutSuffix(s, "d"); ok {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return length{}, fmt.Errorf("invalid length %q", raw)
		}
		return length{days: v}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return length{}, fmt.Errorf("invalid length %q", raw)
	}
	return length{dur: d}, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms.
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

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmerge-config-*.tmp")
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
