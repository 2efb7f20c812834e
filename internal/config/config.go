// Package config loads process settings: built-in defaults, then an optional
// YAML file, then the environment.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	PathEnvVar  = "CONFIG_PATH"
	DefaultPath = "attendsync.yaml"
	EnvPrefix   = "ATTENDSYNC_"
)

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	Device   DeviceConfig   `koanf:"device"`
	Sync     SyncConfig     `koanf:"sync"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Auth     AuthConfig     `koanf:"auth"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

type DatabaseConfig struct {
	URL      string `koanf:"url"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type DeviceConfig struct {
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	IOTimeout      time.Duration `koanf:"io_timeout"`
	// ReachabilityCeiling is the connect latency above which a device counts as offline.
	ReachabilityCeiling time.Duration `koanf:"reachability_ceiling"`
	// Timezone names the zone device clocks run in; empty means the host zone.
	Timezone string `koanf:"timezone"`
}

type SyncConfig struct {
	Workers             int           `koanf:"workers"`
	ReachabilityWorkers int           `koanf:"reachability_workers"`
	RunTimeout          time.Duration `koanf:"run_timeout"`
}

type RealtimeConfig struct {
	PollInterval        time.Duration `koanf:"poll_interval"`
	HealthCheckInterval time.Duration `koanf:"health_check_interval"`
	Window              time.Duration `koanf:"window"`
	PollTimeout         time.Duration `koanf:"poll_timeout"`
	BreakerFailures     uint32        `koanf:"breaker_failures"`
	// AutoStart lists machine ids watched from process start.
	AutoStart []int32 `koanf:"auto_start"`
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
	Role      string        `koanf:"role"`
}

func Defaults() Config {
	return Config{
		HTTP:     HTTPConfig{Addr: ":8081"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{MaxConns: 10},
		Device: DeviceConfig{
			ConnectTimeout:      10 * time.Second,
			IOTimeout:           10 * time.Second,
			ReachabilityCeiling: time.Second,
		},
		Sync: SyncConfig{
			Workers:             1,
			ReachabilityWorkers: 8,
			RunTimeout:          5 * time.Minute,
		},
		Realtime: RealtimeConfig{
			PollInterval:        3 * time.Second,
			HealthCheckInterval: 10 * time.Second,
			Window:              5 * time.Second,
			PollTimeout:         8 * time.Second,
			BreakerFailures:     3,
		},
		Auth: AuthConfig{
			TokenTTL: 8 * time.Hour,
			Role:     "employee",
		},
	}
}

// Load builds the configuration. An empty path falls back to $CONFIG_PATH,
// then to attendsync.yaml in the working directory; a missing default file
// is not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnvVar)
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if explicit {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Short names kept for deployments that predate the prefixed variables.
var legacyEnv = map[string]string{
	"HTTP_ADDR":    "http.addr",
	"LOG_LEVEL":    "log.level",
	"LOG_FORMAT":   "log.format",
	"DATABASE_URL": "database.url",
	"JWT_SECRET":   "auth.jwt_secret",
}

// envKey maps ATTENDSYNC_SYNC__WORKERS to sync.workers. Unrelated variables
// map to "" and are skipped.
func envKey(name string) string {
	if k, ok := legacyEnv[name]; ok {
		return k
	}
	if !strings.HasPrefix(name, EnvPrefix) {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"device.connect_timeout":         c.Device.ConnectTimeout,
		"device.io_timeout":              c.Device.IOTimeout,
		"device.reachability_ceiling":    c.Device.ReachabilityCeiling,
		"sync.run_timeout":               c.Sync.RunTimeout,
		"realtime.poll_interval":         c.Realtime.PollInterval,
		"realtime.health_check_interval": c.Realtime.HealthCheckInterval,
		"realtime.window":                c.Realtime.Window,
		"realtime.poll_timeout":          c.Realtime.PollTimeout,
		"auth.token_ttl":                 c.Auth.TokenTTL,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 {
		errs = append(errs, errors.New("database pool sizes must not be negative"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, errors.New("sync.workers must be at least 1"))
	}
	if c.Sync.ReachabilityWorkers < 1 {
		errs = append(errs, errors.New("sync.reachability_workers must be at least 1"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Device.Timezone != "" {
		if _, err := time.LoadLocation(c.Device.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("device.timezone: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Location returns the zone device clocks are read in.
func (c Config) Location() *time.Location {
	if c.Device.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Device.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
