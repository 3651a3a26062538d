package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/guardr/internal/env"
	"github.com/loykin/guardr/internal/logger"
	"github.com/loykin/guardr/internal/metrics"
	"github.com/loykin/guardr/internal/policy"
	"github.com/loykin/guardr/internal/process"
	"github.com/loykin/guardr/internal/supervisor"
)

// EnvPrefix is the prefix for environment overrides of top-level keys,
// e.g. GUARDR_STATUS_FILE or GUARDR_HTTP_LISTEN.
const EnvPrefix = "GUARDR"

// FileConfig represents the top-level config file structure.
type FileConfig struct {
	Log        logger.Config                `mapstructure:"log"`
	Env        []string                     `mapstructure:"env"`
	EnvFiles   []string                     `mapstructure:"env_files"`
	HTTP       HTTPConfig                   `mapstructure:"http"`
	History    HistoryConfig                `mapstructure:"history"`
	Metrics    metrics.ProcessMetricsConfig `mapstructure:"metrics"`
	StatusFile string                       `mapstructure:"status_file"`
	Apps       []AppConfig                  `mapstructure:"apps"`

	dir string // directory of the loaded file, for relative paths
}

// HTTPConfig enables the read-only status endpoint when Listen is set.
type HTTPConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// HistoryConfig selects a lifecycle history sink by DSN.
type HistoryConfig struct {
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AppConfig is one supervised application.
type AppConfig struct {
	Name            string            `mapstructure:"name"`
	Script          string            `mapstructure:"script"`
	Args            []string          `mapstructure:"args"`
	Interpreter     string            `mapstructure:"interpreter"`
	InterpreterArgs []string          `mapstructure:"interpreter_args"`
	Cwd             string            `mapstructure:"cwd"`
	Env             []string          `mapstructure:"env"` // "K=V"; viper folds map keys to lower case

	Watch       Watch         `mapstructure:"watch"`
	IgnoreWatch []string      `mapstructure:"ignore_watch"`
	WatchDelay  time.Duration `mapstructure:"watch_delay"`

	MaxMemoryRestart    ByteSize      `mapstructure:"max_memory_restart"`
	MemoryCheckInterval time.Duration `mapstructure:"memory_check_interval"`

	KillTimeout time.Duration `mapstructure:"kill_timeout"`
	MinUptime   time.Duration `mapstructure:"min_uptime"`
	Autorestart *bool         `mapstructure:"autorestart"`

	RestartDelay           time.Duration `mapstructure:"restart_delay"`
	ExpBackoffRestartDelay time.Duration `mapstructure:"exp_backoff_restart_delay"`
	BackoffMultiplier      float64       `mapstructure:"backoff_multiplier"`
	MaxRestartDelay        time.Duration `mapstructure:"max_restart_delay"`
	FreeRestarts           *int          `mapstructure:"free_restarts"`
	StormThreshold         int           `mapstructure:"storm_threshold"`
	MaxRestarts            int           `mapstructure:"max_restarts"` // alias of storm_threshold
	StormWindow            time.Duration `mapstructure:"storm_window"`
	StabilityThreshold     time.Duration `mapstructure:"stability_threshold"`

	OutFile       string `mapstructure:"out_file"`
	ErrorFile     string `mapstructure:"error_file"`
	LogDir        string `mapstructure:"log_dir"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
	LogCompress   bool   `mapstructure:"log_compress"`

	StatusFile string `mapstructure:"status_file"`
}

// Load reads path (toml, yaml, yml or json by extension), applies GUARDR_*
// environment overrides and validates the result.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about.
	for _, k := range []string{"status_file", "http.listen", "http.base_path", "history.dsn", "log.level", "log.format", "log.file"} {
		v.SetDefault(k, "")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		fc.dir = abs
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationHook(),
		byteSizeHook(),
		watchHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Validate reports every problem found, joined.
func (fc *FileConfig) Validate() error {
	var errs []error
	if len(fc.Apps) == 0 {
		errs = append(errs, errors.New("no apps configured"))
	}
	seen := make(map[string]bool, len(fc.Apps))
	for i, a := range fc.Apps {
		label := a.Name
		if label == "" {
			label = fmt.Sprintf("apps[%d]", i)
		}
		if strings.TrimSpace(a.Name) == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate app name", label))
		}
		seen[a.Name] = true
		if strings.TrimSpace(a.Script) == "" {
			errs = append(errs, fmt.Errorf("%s: script is required", label))
		}
		for key, d := range map[string]time.Duration{
			"watch_delay":               a.WatchDelay,
			"memory_check_interval":     a.MemoryCheckInterval,
			"kill_timeout":              a.KillTimeout,
			"min_uptime":                a.MinUptime,
			"restart_delay":             a.RestartDelay,
			"exp_backoff_restart_delay": a.ExpBackoffRestartDelay,
			"max_restart_delay":         a.MaxRestartDelay,
			"storm_window":              a.StormWindow,
			"stability_threshold":       a.StabilityThreshold,
		} {
			if d < 0 {
				errs = append(errs, fmt.Errorf("%s: %s must not be negative", label, key))
			}
		}
		if a.StormThreshold < 0 || a.MaxRestarts < 0 {
			errs = append(errs, fmt.Errorf("%s: storm_threshold must not be negative", label))
		}
		if a.FreeRestarts != nil && *a.FreeRestarts < 0 {
			errs = append(errs, fmt.Errorf("%s: free_restarts must not be negative", label))
		}
		if a.BackoffMultiplier != 0 && a.BackoffMultiplier < 1 {
			errs = append(errs, fmt.Errorf("%s: backoff_multiplier must be >= 1", label))
		}
	}
	if fc.History.Timeout < 0 {
		errs = append(errs, errors.New("history.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// App returns the named app. An empty name selects the only app.
func (fc *FileConfig) App(name string) (AppConfig, error) {
	if name == "" {
		if len(fc.Apps) == 1 {
			return fc.Apps[0], nil
		}
		return AppConfig{}, fmt.Errorf("config has %d apps; choose one with --app", len(fc.Apps))
	}
	for _, a := range fc.Apps {
		if a.Name == name {
			return a, nil
		}
	}
	return AppConfig{}, fmt.Errorf("app %q not found", name)
}

// GlobalEnv builds the environment overlay for the child: env_files in
// order, then the env list. Relative env files resolve against the config
// file's directory.
func (fc *FileConfig) GlobalEnv() (*env.Env, error) {
	e := env.New()
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(fc.resolve(p))
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	e.SetAll(fc.Env)
	return e, nil
}

// Spec converts the app entry to a process spec.
func (fc *FileConfig) Spec(a AppConfig) process.Spec {
	return process.Spec{
		Name:             a.Name,
		Script:           a.Script,
		Args:             a.Args,
		Interpreter:      a.Interpreter,
		InterpreterArgs:  a.InterpreterArgs,
		WorkDir:          fc.resolve(a.Cwd),
		Env:              env.Parse(a.Env),
		Watch:            a.Watch.Enabled,
		WatchPaths:       a.Watch.Paths,
		IgnoreWatch:      a.IgnoreWatch,
		MaxMemoryRestart: uint64(a.MaxMemoryRestart),
		Log:              fc.appLog(a),
	}
}

// Policy maps the restart knobs onto policy.Config; unset fields keep
// the defaults.
func (a AppConfig) Policy() policy.Config {
	c := policy.DefaultConfig()
	if a.RestartDelay > 0 {
		c.MinDelay = a.RestartDelay
	}
	if a.ExpBackoffRestartDelay > 0 {
		c.InitialBackoff = a.ExpBackoffRestartDelay
	}
	if a.BackoffMultiplier >= 1 {
		c.Multiplier = a.BackoffMultiplier
	}
	if a.MaxRestartDelay > 0 {
		c.MaxBackoff = a.MaxRestartDelay
	}
	if a.FreeRestarts != nil {
		c.FreeRestarts = *a.FreeRestarts
	}
	switch {
	case a.StormThreshold > 0:
		c.StormThreshold = a.StormThreshold
	case a.MaxRestarts > 0:
		c.StormThreshold = a.MaxRestarts
	}
	if a.StormWindow > 0 {
		c.StormWindow = a.StormWindow
	}
	if a.StabilityThreshold > 0 {
		c.StabilityThreshold = a.StabilityThreshold
	}
	return c
}

// Options builds supervisor options for a. Launcher, Logger and Recorder
// are left for the caller to wire.
func (fc *FileConfig) Options(a AppConfig) supervisor.Options {
	status := a.StatusFile
	if status == "" {
		status = fc.StatusFile
	}
	if status != "" {
		status = fc.resolve(status)
	}
	return supervisor.Options{
		Spec:               fc.Spec(a),
		Policy:             a.Policy(),
		KillTimeout:        a.KillTimeout,
		MinUptime:          a.MinUptime,
		WatchDelay:         a.WatchDelay,
		MemoryInterval:     a.MemoryCheckInterval,
		DisableAutoRestart: a.Autorestart != nil && !*a.Autorestart,
		StatusFile:         status,
	}
}

// appLog starts from the global app log defaults then applies per-app overrides.
func (fc *FileConfig) appLog(a AppConfig) logger.FileConfig {
	lc := fc.Log.File
	if a.LogDir != "" {
		lc.Dir = a.LogDir
	}
	if a.OutFile != "" {
		lc.StdoutPath = a.OutFile
	}
	if a.ErrorFile != "" {
		lc.StderrPath = a.ErrorFile
	}
	if a.LogMaxSizeMB != 0 {
		lc.MaxSizeMB = a.LogMaxSizeMB
	}
	if a.LogMaxBackups != 0 {
		lc.MaxBackups = a.LogMaxBackups
	}
	if a.LogMaxAgeDays != 0 {
		lc.MaxAgeDays = a.LogMaxAgeDays
	}
	if a.LogCompress {
		lc.Compress = true
	}
	lc.Dir = fc.resolve(lc.Dir)
	lc.StdoutPath = fc.resolve(lc.StdoutPath)
	lc.StderrPath = fc.resolve(lc.StderrPath)
	return lc
}

func (fc *FileConfig) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || fc.dir == "" {
		return p
	}
	return filepath.Join(fc.dir, p)
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines. Lines starting
// with # are ignored, a leading "export " is dropped and matching quotes
// around the value are stripped.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
				v = v[1 : len(v)-1]
			}
			if k != "" {
				m[k] = v
			}
		}
	}
	return m, nil
}
