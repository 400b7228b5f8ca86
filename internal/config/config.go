package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/blaauwpipe/config.yaml"
	defaultParallel   = 4
)

// Environment variables read by Load.
const (
	EnvConfig    = "BLAAUWPIPE_CONFIG"
	EnvRoot      = "BLAAUWPIPE_ROOT"
	EnvTelescope = "BLAAUWPIPE_TELESCOPE"
	EnvLedger    = "BLAAUWPIPE_LEDGER"
)

// Step names accepted in pipeline.steps.
const (
	StepBackup  = "backup"
	StepMasters = "masters"
	StepReduce  = "reduce"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Paths      Paths      `yaml:"paths"`
	Clustering Clustering `yaml:"clustering"`
	Masters    Masters    `yaml:"masters"`
	Matching   Matching   `yaml:"matching"`
	Ledger     Ledger     `yaml:"ledger"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Watch      Watch      `yaml:"watch"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`

	// File is the configuration file that was read, empty when only
	// defaults and the environment applied.
	File string `yaml:"-"`
}

// Paths configures the data tree.
type Paths struct {
	Root       string `yaml:"root"`
	Telescope  string `yaml:"telescope"`
	DateLayout string `yaml:"date_layout"`
	Database   string `yaml:"database"`
}

// Clustering controls how calibration frames are batched.
type Clustering struct {
	Gap time.Duration `yaml:"gap"`
}

// Masters controls master frame building.
type Masters struct {
	Combine  string        `yaml:"combine"` // mean, median, sigma-clip
	Timeout  time.Duration `yaml:"timeout"`
	Parallel int           `yaml:"parallel"`
}

// Matching controls the master search.
type Matching struct {
	SearchRadiusDays int      `yaml:"search_radius_days"`
	Types            []string `yaml:"types"`
	RequireDark      bool     `yaml:"require_dark"`
	RequireFlat      bool     `yaml:"require_flat"`
}

// Ledger configures the pending ledger file.
type Ledger struct {
	Path        string        `yaml:"path"`
	LockRetries int           `yaml:"lock_retries"`
	LockBackoff time.Duration `yaml:"lock_backoff"`
}

// Pipeline configures step order and the job queue.
type Pipeline struct {
	Steps   []string `yaml:"steps"`
	Workers int      `yaml:"workers"`
}

// Watch configures directory watching.
type Watch struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Server configures the HTTP status API.
type Server struct {
	Addr string `yaml:"addr"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // text, json
	FileOutput bool   `yaml:"file_output"` // Enable file logging
	LogDir     string `yaml:"log_dir"`
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Paths),
		validation.Field(&c.Clustering),
		validation.Field(&c.Masters),
		validation.Field(&c.Matching),
		validation.Field(&c.Ledger),
		validation.Field(&c.Pipeline),
		validation.Field(&c.Logging),
	)
}

// Validate implements validation.Validatable.
func (p Paths) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Root, validation.Required),
		validation.Field(&p.DateLayout, validation.Required),
		validation.Field(&p.Database, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (c Clustering) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Gap, validation.Required, validation.Min(time.Second)),
	)
}

// Validate implements validation.Validatable.
func (m Masters) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Combine, validation.Required, validation.In("mean", "median", "sigma-clip")),
		validation.Field(&m.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&m.Parallel, validation.Required, validation.Min(1)),
	)
}

// Validate implements validation.Validatable.
func (m Matching) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.SearchRadiusDays, validation.Min(0)),
		validation.Field(&m.Types, validation.Required, validation.Each(validation.In("bias", "dark", "flat")), validation.By(requireBias)),
	)
}

func requireBias(value any) error {
	types, _ := value.([]string)
	for _, t := range types {
		if t == "bias" {
			return nil
		}
	}
	return errors.New("must include bias")
}

// Validate implements validation.Validatable.
func (l Ledger) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Path, validation.Required),
		validation.Field(&l.LockRetries, validation.Min(0)),
		validation.Field(&l.LockBackoff, validation.Required),
	)
}

// Validate implements validation.Validatable.
func (p Pipeline) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Steps, validation.Required, validation.Each(validation.In(StepBackup, StepMasters, StepReduce))),
		validation.Field(&p.Workers, validation.Min(1)),
	)
}

// Validate implements validation.Validatable.
func (l Logging) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "warning", "error")),
		validation.Field(&l.Format, validation.In("text", "json")),
	)
}

// Load reads configuration from disk, falling back to sensible defaults. A
// .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the YAML file at path over the defaults, applies
// environment overrides and validates the result. A missing file yields the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", expanded, err)
		}
		cfg.File = expanded
	}

	cfg.applyEnv()
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRoot); v != "" {
		c.Paths.Root = v
	}
	if v := os.Getenv(EnvTelescope); v != "" {
		c.Paths.Telescope = v
	}
	if v := os.Getenv(EnvLedger); v != "" {
		c.Ledger.Path = v
	}
}

// fillDerived sets paths that default to locations inside the data root.
func (c *Config) fillDerived() {
	if c.Ledger.Path == "" && c.Paths.Root != "" {
		c.Ledger.Path = filepath.Join(c.Paths.Root, "pending_log.csv")
	}
	if c.Paths.Database == "" && c.Paths.Root != "" {
		c.Paths.Database = filepath.Join(c.Paths.Root, "blaauwpipe.db")
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: Paths{
			Root:       "./data",
			DateLayout: "060102",
		},
		Clustering: Clustering{Gap: time.Hour},
		Masters: Masters{
			Combine:  "median",
			Timeout:  10 * time.Minute,
			Parallel: defaultParallel,
		},
		Matching: Matching{
			SearchRadiusDays: 365,
			Types:            []string{"bias", "dark", "flat"},
		},
		Ledger: Ledger{
			LockRetries: 5,
			LockBackoff: 100 * time.Millisecond,
		},
		Pipeline: Pipeline{
			Steps:   []string{StepBackup, StepMasters, StepReduce},
			Workers: 2,
		},
		Watch:  Watch{Debounce: 30 * time.Second},
		Server: Server{Addr: ":8080"},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
