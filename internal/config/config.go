package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"go.trai.ch/zerr"
)

// Runner kinds.
const (
	RunnerShell = "shell"
	RunnerSSH   = "ssh"
	RunnerLua   = "lua"
)

var ErrInvalidConfig = zerr.New("invalid configuration")

type Config struct {
	DataDir        string `toml:"-"`
	DBPath         string `toml:"-"`
	DefinitionsDir string `toml:"-"`
	File           string `toml:"-"`

	Workers          int          `toml:"workers"`
	QueueSize        int          `toml:"queue_size"`
	LogLevel         string       `toml:"log_level"`
	StrictParameters bool         `toml:"strict_parameters"`
	Runner           RunnerConfig `toml:"runner"`
}

type RunnerConfig struct {
	Kind       string   `toml:"kind"`
	SSHBinary  string   `toml:"ssh_binary"`
	SSHOptions []string `toml:"ssh_options"`
	SSHUser    string   `toml:"ssh_user"`
	Script     string   `toml:"script"`
}

// New derives paths from GUN_DATA_DIR (default ~/.gun), reads config.toml
// there if present, then applies GUN_WORKERS and GUN_RUNNER.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, zerr.Wrap(err, "failed to resolve home directory")
	}

	dataDir := getEnv("GUN_DATA_DIR", filepath.Join(homeDir, ".gun"))

	c := &Config{
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "gun.db"),
		DefinitionsDir: filepath.Join(dataDir, "definitions"),
		File:           filepath.Join(dataDir, "config.toml"),
		Workers:        4,
		QueueSize:      64,
		LogLevel:       "info",
		Runner:         RunnerConfig{Kind: RunnerShell, SSHBinary: "ssh"},
	}

	if err := c.load(); err != nil {
		return nil, err
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) load() error {
	data, err := os.ReadFile(c.File)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to read config file"), "path", c.File)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to parse config"), "path", c.File)
	}
	if c.Runner.Script != "" && !filepath.IsAbs(c.Runner.Script) {
		c.Runner.Script = filepath.Join(c.DataDir, c.Runner.Script)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("GUN_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return zerr.With(zerr.Wrap(ErrInvalidConfig, "GUN_WORKERS must be a number"), "value", v)
		}
		c.Workers = n
	}
	if v, ok := os.LookupEnv("GUN_RUNNER"); ok {
		c.Runner.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

func (c *Config) validate() error {
	if c.Workers < 1 {
		return zerr.With(zerr.Wrap(ErrInvalidConfig, "workers must be at least 1"), "workers", c.Workers)
	}
	if c.QueueSize < 0 {
		return zerr.With(zerr.Wrap(ErrInvalidConfig, "queue_size must not be negative"), "queue_size", c.QueueSize)
	}
	switch c.Runner.Kind {
	case RunnerShell, RunnerSSH:
	case RunnerLua:
		if c.Runner.Script == "" {
			return zerr.Wrap(ErrInvalidConfig, "lua runner needs runner.script")
		}
	default:
		return zerr.With(zerr.Wrap(ErrInvalidConfig, "unknown runner kind"), "kind", c.Runner.Kind)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.DefinitionsDir, c.WorkspacesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return zerr.With(zerr.Wrap(err, "failed to create directory"), "path", dir)
		}
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// LogFile is where the TUI sends logs while it owns the terminal.
func (c *Config) LogFile() string {
	return filepath.Join(c.DataDir, "gun.log")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
