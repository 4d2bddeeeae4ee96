package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceNTRIP  = "ntrip"
	SourceDir    = "dir"
	SourceSerial = "serial"

	DefaultThresholdMMS    = 15.0
	DefaultMinCompleteness = 0.5
	DefaultFilterDecay     = 0.99
	DefaultQueueSize       = 100
	DefaultWatchdog        = 10 * time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultDialTimeout     = 5 * time.Second
	DefaultMaxLineBytes    = 1 << 20
	DefaultPattern         = "*.nmea"
	DefaultReplayMode      = "fast"
	DefaultBaud            = 115200
	DefaultDriver          = "pgx"

	baseDateLayout = "2006-01-02"
)

type Config struct {
	Log      LogConfig       `yaml:"log"`
	HTTP     HTTPConfig      `yaml:"http"`
	Output   OutputConfig    `yaml:"output"`
	Stations []StationConfig `yaml:"stations"`
}

type LogConfig struct {
	// Level is debug|info|warn|error.
	Level string `yaml:"level"`
	// Format is text|json.
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	// Listen is the status/metrics/websocket address; empty disables it.
	Listen string `yaml:"listen"`
}

type OutputConfig struct {
	// DryRun logs records instead of writing them to the database.
	DryRun   bool           `yaml:"dry_run"`
	Live     *bool          `yaml:"live"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
}

// LiveEnabled reports whether records are broadcast on the websocket hub.
// It defaults to on.
func (o OutputConfig) LiveEnabled() bool {
	return o.Live == nil || *o.Live
}

type DatabaseConfig struct {
	// Driver is pgx (PostgreSQL/TimescaleDB) or sqlite.
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	TablePrefix  string `yaml:"table_prefix"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// NATSConfig enables publishing records to NATS when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type StationConfig struct {
	ID string `yaml:"id"`
	// Source is ntrip (default), dir or serial.
	Source string `yaml:"source"`

	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Mountpoint string `yaml:"mountpoint"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`

	ThresholdMMS    float64  `yaml:"threshold_mm_s"`
	MinCompleteness *float64 `yaml:"min_completeness"`
	Filter          Filter   `yaml:"filter"`

	Dir     string       `yaml:"dir"`
	Pattern string       `yaml:"pattern"`
	Replay  ReplayConfig `yaml:"replay"`

	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	QueueSize      int           `yaml:"queue_size"`
	Watchdog       time.Duration `yaml:"watchdog"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	MaxLineBytes   int           `yaml:"max_line_bytes"`
}

type Filter struct {
	Enabled bool     `yaml:"enabled"`
	Decay   *float64 `yaml:"decay"`
	// ForceIntegration reconstructs displacement from velocity from the
	// first epoch instead of waiting for the echo streak.
	ForceIntegration bool `yaml:"force_integration"`
}

type ReplayConfig struct {
	// Mode is fast or realtime.
	Mode string `yaml:"mode"`
	// BaseDate (YYYY-MM-DD) dates the first replayed epoch; empty means
	// today (UTC).
	BaseDate string  `yaml:"base_date"`
	Speed    float64 `yaml:"speed"`
}

// Decay returns the integrator decay factor: the filter decay when the
// filter is enabled, otherwise 1 (pure integration).
func (s StationConfig) Decay() float64 {
	if !s.Filter.Enabled {
		return 1.0
	}
	if s.Filter.Decay == nil {
		return DefaultFilterDecay
	}
	return *s.Filter.Decay
}

// Completeness returns the effective minimum overall completeness.
func (s StationConfig) Completeness() float64 {
	if s.MinCompleteness == nil {
		return DefaultMinCompleteness
	}
	return *s.MinCompleteness
}

// BaseDay parses Replay.BaseDate; the zero time means "today".
func (s StationConfig) BaseDay() (time.Time, error) {
	if strings.TrimSpace(s.Replay.BaseDate) == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(baseDateLayout, strings.TrimSpace(s.Replay.BaseDate), time.UTC)
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv substitutes ${VAR} placeholders from the environment. Unset
// variables keep their placeholder so the mistake stays visible.
func ExpandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// Overrides are command-line settings that take precedence over the file.
type Overrides struct {
	DryRun bool
	Listen string
}

func (o Overrides) apply(cfg *Config) {
	if o.DryRun {
		cfg.Output.DryRun = true
	}
	if strings.TrimSpace(o.Listen) != "" {
		cfg.HTTP.Listen = strings.TrimSpace(o.Listen)
	}
}

func Load(path string) (Config, error) {
	return LoadWithOverrides(path, Overrides{})
}

func LoadWithOverrides(path string, o Overrides) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parse(b, o)
}

// Parse expands environment placeholders, decodes the YAML document and
// applies defaults and validation.
func Parse(b []byte) (Config, error) {
	return parse(b, Overrides{})
}

func parse(b []byte, o Overrides) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(b))), &cfg); err != nil {
		return Config{}, err
	}
	o.apply(&cfg)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return Config{}, fmt.Errorf("log.format must be one of: text, json")
	}

	db := &cfg.Output.Database
	db.Driver = strings.ToLower(strings.TrimSpace(db.Driver))
	if db.Driver == "" {
		db.Driver = DefaultDriver
	}
	switch db.Driver {
	case "pgx", "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("output.database.driver must be one of: pgx, postgres, sqlite")
	}
	if !cfg.Output.DryRun && strings.TrimSpace(db.DSN) == "" {
		return Config{}, fmt.Errorf("output.database.dsn is required unless output.dry_run is set")
	}
	if db.MaxOpenConns < 0 {
		return Config{}, fmt.Errorf("output.database.max_open_conns must be >= 0")
	}
	if n := &cfg.Output.NATS; strings.TrimSpace(n.URL) != "" {
		n.URL = strings.TrimSpace(n.URL)
		if strings.ContainsAny(n.SubjectPrefix, "*> ") {
			return Config{}, fmt.Errorf("output.nats.subject_prefix must not contain wildcards or spaces")
		}
	}

	if len(cfg.Stations) == 0 {
		return Config{}, fmt.Errorf("stations is required")
	}
	seen := make(map[string]int, len(cfg.Stations))
	for i := range cfg.Stations {
		st := &cfg.Stations[i]
		if err := applyStation(i, st); err != nil {
			return Config{}, err
		}
		if prev, ok := seen[st.ID]; ok {
			return Config{}, fmt.Errorf("stations[%d].id %q duplicates stations[%d]", i, st.ID, prev)
		}
		seen[st.ID] = i
	}

	return cfg, nil
}

func applyStation(i int, st *StationConfig) error {
	st.ID = strings.TrimSpace(st.ID)
	if st.ID == "" {
		return fmt.Errorf("stations[%d].id is required", i)
	}
	st.Source = strings.ToLower(strings.TrimSpace(st.Source))
	if st.Source == "" {
		st.Source = SourceNTRIP
	}

	switch st.Source {
	case SourceNTRIP:
		if strings.TrimSpace(st.Host) == "" {
			return fmt.Errorf("stations[%d].host is required", i)
		}
		if st.Port <= 0 || st.Port > 65535 {
			return fmt.Errorf("stations[%d].port must be 1..65535", i)
		}
	case SourceDir:
		if strings.TrimSpace(st.Dir) == "" {
			return fmt.Errorf("stations[%d].dir is required", i)
		}
	case SourceSerial:
		if strings.TrimSpace(st.Device) == "" {
			return fmt.Errorf("stations[%d].device is required", i)
		}
	default:
		return fmt.Errorf("stations[%d].source must be one of: ntrip, dir, serial", i)
	}

	if st.ThresholdMMS == 0 {
		st.ThresholdMMS = DefaultThresholdMMS
	}
	if st.ThresholdMMS < 0 {
		return fmt.Errorf("stations[%d].threshold_mm_s must be > 0", i)
	}
	if c := st.Completeness(); c < 0 || c > 1 {
		return fmt.Errorf("stations[%d].min_completeness must be within [0,1]", i)
	}
	if d := st.Decay(); d < 0 || d > 1 {
		return fmt.Errorf("stations[%d].filter.decay must be within [0,1]", i)
	}

	if st.QueueSize == 0 {
		st.QueueSize = DefaultQueueSize
	}
	if st.QueueSize < 0 {
		return fmt.Errorf("stations[%d].queue_size must be > 0", i)
	}
	if st.Watchdog <= 0 {
		st.Watchdog = DefaultWatchdog
	}
	if st.ReconnectDelay <= 0 {
		st.ReconnectDelay = DefaultReconnectDelay
	}
	if st.DialTimeout <= 0 {
		st.DialTimeout = DefaultDialTimeout
	}
	if st.MaxLineBytes <= 0 {
		st.MaxLineBytes = DefaultMaxLineBytes
	}

	if strings.TrimSpace(st.Pattern) == "" {
		st.Pattern = DefaultPattern
	}
	st.Replay.Mode = strings.ToLower(strings.TrimSpace(st.Replay.Mode))
	if st.Replay.Mode == "" {
		st.Replay.Mode = DefaultReplayMode
	}
	if st.Replay.Mode != "fast" && st.Replay.Mode != "realtime" {
		return fmt.Errorf("stations[%d].replay.mode must be one of: fast, realtime", i)
	}
	if st.Replay.Speed < 0 {
		return fmt.Errorf("stations[%d].replay.speed must be >= 0", i)
	}
	if st.Replay.Speed == 0 {
		st.Replay.Speed = 1
	}
	if _, err := st.BaseDay(); err != nil {
		return fmt.Errorf("stations[%d].replay.base_date must be YYYY-MM-DD", i)
	}

	if st.Baud == 0 {
		st.Baud = DefaultBaud
	}
	return nil
}
