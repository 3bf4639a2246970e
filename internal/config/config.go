// Package config loads sync engine and server settings.
//
// Settings come from defaults, an optional YAML file, and CARDSYNC_*
// environment variables, in increasing precedence. Durations are Go
// duration strings ("250ms", "2s"). The result is checked against an
// embedded CUE schema before use.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"

	"github.com/roach88/cardsync/internal/engine"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix is the prefix of environment overrides, e.g.
// CARDSYNC_WINDOWS_MEDIUM=1s.
const EnvPrefix = "CARDSYNC"

// Config is the full settings tree.
type Config struct {
	Windows        Windows       `mapstructure:"windows" yaml:"windows"`
	Coalesce       time.Duration `mapstructure:"coalesce" yaml:"coalesce"`
	Cooldowns      Cooldowns     `mapstructure:"cooldowns" yaml:"cooldowns"`
	Retry          Retry         `mapstructure:"retry" yaml:"retry"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	Server         Server        `mapstructure:"server" yaml:"server"`
	Store          Store         `mapstructure:"store" yaml:"store"`
	Log            Log           `mapstructure:"log" yaml:"log"`
}

// Windows are the per-priority debounce windows.
type Windows struct {
	Critical time.Duration `mapstructure:"critical" yaml:"critical"`
	Medium   time.Duration `mapstructure:"medium" yaml:"medium"`
	Low      time.Duration `mapstructure:"low" yaml:"low"`
}

// Cooldowns control how long transient statuses are shown.
type Cooldowns struct {
	Saved time.Duration `mapstructure:"saved" yaml:"saved"`
	Error time.Duration `mapstructure:"error" yaml:"error"`
}

// Retry shapes the backoff of failed batches.
type Retry struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter          float64       `mapstructure:"jitter" yaml:"jitter"`
}

type Server struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type Store struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Log configures the process logger. An empty File logs to stderr.
type Log struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// ValidationError reports settings rejected by the schema.
type ValidationError struct {
	Details string
	Err     error
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Details
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Default returns the built-in settings.
func Default() Config {
	p := engine.DefaultPolicy()
	return Config{
		Windows:        Windows{Critical: p.Critical, Medium: p.Medium, Low: p.Low},
		Coalesce:       p.Coalesce,
		Cooldowns:      Cooldowns{Saved: p.SavedCooldown, Error: p.ErrorCooldown},
		Retry:          Retry{MaxAttempts: p.MaxAttempts, InitialInterval: p.InitialInterval, MaxInterval: p.MaxInterval, Multiplier: p.Multiplier, Jitter: p.Jitter},
		RequestTimeout: p.RequestTimeout,
		Server:         Server{Addr: "127.0.0.1:8080"},
		Store:          Store{Path: "cardsync.db"},
		Log:            Log{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
	}
}

// Load reads settings from path (optional) and the environment, then
// validates them.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("windows.critical", d.Windows.Critical)
	v.SetDefault("windows.medium", d.Windows.Medium)
	v.SetDefault("windows.low", d.Windows.Low)
	v.SetDefault("coalesce", d.Coalesce)
	v.SetDefault("cooldowns.saved", d.Cooldowns.Saved)
	v.SetDefault("cooldowns.error", d.Cooldowns.Error)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate checks c against the embedded schema.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	data := ctx.Encode(c.schemaView())
	if err := data.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Details: strings.TrimSpace(cueerrors.Details(err, nil)), Err: err}
	}
	return nil
}

// schemaView flattens c into the shape the schema describes, with
// durations in milliseconds.
func (c *Config) schemaView() map[string]any {
	ms := func(d time.Duration) int64 { return d.Milliseconds() }
	return map[string]any{
		"windows": map[string]any{
			"critical_ms": ms(c.Windows.Critical),
			"medium_ms":   ms(c.Windows.Medium),
			"low_ms":      ms(c.Windows.Low),
		},
		"coalesce_ms": ms(c.Coalesce),
		"cooldowns": map[string]any{
			"saved_ms": ms(c.Cooldowns.Saved),
			"error_ms": ms(c.Cooldowns.Error),
		},
		"retry": map[string]any{
			"max_attempts":        c.Retry.MaxAttempts,
			"initial_interval_ms": ms(c.Retry.InitialInterval),
			"max_interval_ms":     ms(c.Retry.MaxInterval),
			"multiplier":          c.Retry.Multiplier,
			"jitter":              c.Retry.Jitter,
		},
		"request_timeout_ms": ms(c.RequestTimeout),
		"server":             map[string]any{"addr": c.Server.Addr},
		"store":              map[string]any{"path": c.Store.Path},
		"log": map[string]any{
			"level":        c.Log.Level,
			"format":       c.Log.Format,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
		},
	}
}

// Policy converts the settings to an engine policy.
func (c *Config) Policy() engine.Policy {
	return engine.Policy{
		Critical:        c.Windows.Critical,
		Medium:          c.Windows.Medium,
		Low:             c.Windows.Low,
		Coalesce:        c.Coalesce,
		SavedCooldown:   c.Cooldowns.Saved,
		ErrorCooldown:   c.Cooldowns.Error,
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		Multiplier:      c.Retry.Multiplier,
		Jitter:          c.Retry.Jitter,
		RequestTimeout:  c.RequestTimeout,
	}
}

// IsValidation reports whether err is a schema violation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
