// Package config loads engine configuration from defaults, an optional
// YAML file, a .env file, and environment overrides, in that order.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/netrecon/sweeper/internal/errs"
)

// Config is the full engine configuration.
type Config struct {
	Log   LogConfig   `yaml:"log"`
	Store StoreConfig `yaml:"store"`
	Rules RulesConfig `yaml:"rules"`
	Scan  ScanConfig  `yaml:"scan"`
}

// LogConfig mirrors the logging package knobs.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig points at the event store database.
type StoreConfig struct {
	DBPath string `yaml:"dbPath"`
}

// RulesConfig locates the correlation ruleset.
type RulesConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// ScanConfig carries per-scan defaults. Zero values mean unlimited
// except where noted.
type ScanConfig struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queueSize"`
	MaxEvents         int           `yaml:"maxEvents"`
	MaxDepth          int           `yaml:"maxDepth"`
	MaxRuntime        time.Duration `yaml:"maxRuntime"`
	ModuleTimeout     time.Duration `yaml:"moduleTimeout"`
	ModuleMaxEvents   int           `yaml:"moduleMaxEvents"`
	ModuleMaxErrors   int           `yaml:"moduleMaxErrors"`
	ModuleMaxRequests int           `yaml:"moduleMaxRequests"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		Store: StoreConfig{
			DBPath: "data/sweeper.db",
		},
		Rules: RulesConfig{Dir: "rules"},
		Scan: ScanConfig{
			Workers:           4,
			QueueSize:         1024,
			ModuleTimeout:     5 * time.Minute,
			ModuleMaxEvents:   10000,
			ModuleMaxErrors:   50,
			ModuleMaxRequests: 1000,
		},
	}
}

// Load builds the configuration. path may be empty; a missing file at an
// explicit path is an error, env vars always apply last.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.Config("load_config", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errs.Config("load_config", err)
		}
	}

	// .env is optional; missing is not an error.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Log.Level, "SWEEPER_LOG_LEVEL")
	setString(&cfg.Log.Format, "SWEEPER_LOG_FORMAT")
	setString(&cfg.Store.DBPath, "SWEEPER_DB_PATH")
	setString(&cfg.Rules.Dir, "SWEEPER_RULES_DIR")
	setBool(&cfg.Rules.Watch, "SWEEPER_RULES_WATCH")
	setInt(&cfg.Scan.Workers, "SWEEPER_SCAN_WORKERS")
	setInt(&cfg.Scan.QueueSize, "SWEEPER_SCAN_QUEUE_SIZE")
	setInt(&cfg.Scan.MaxEvents, "SWEEPER_SCAN_MAX_EVENTS")
	setInt(&cfg.Scan.MaxDepth, "SWEEPER_SCAN_MAX_DEPTH")
	setDuration(&cfg.Scan.MaxRuntime, "SWEEPER_SCAN_MAX_RUNTIME")
	setDuration(&cfg.Scan.ModuleTimeout, "SWEEPER_MODULE_TIMEOUT")
	setInt(&cfg.Scan.ModuleMaxEvents, "SWEEPER_MODULE_MAX_EVENTS")
	setInt(&cfg.Scan.ModuleMaxErrors, "SWEEPER_MODULE_MAX_ERRORS")
	setInt(&cfg.Scan.ModuleMaxRequests, "SWEEPER_MODULE_MAX_REQUESTS")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid boolean env override")
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid integer env override")
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid duration env override")
		}
	}
}
