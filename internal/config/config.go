package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment override, e.g. GATEWAY_LISTEN_ADDR.
	EnvPrefix = "GATEWAY"

	// FileEnv names the variable holding an optional YAML config file path.
	FileEnv = "GATEWAY_CONFIG_FILE"
)

// Settings configures the gateway server. Values come from Defaults, then the
// YAML file, then the environment: field ListenAddr is read from
// GATEWAY_LISTEN_ADDR.
type Settings struct {
	ListenAddr string `yaml:"listen_addr" split_words:"true"`
	GinMode    string `yaml:"gin_mode" split_words:"true"`

	// Backing process.
	Command    string        `yaml:"command" split_words:"true"`
	Args       []string      `yaml:"args" split_words:"true"`
	Workdir    string        `yaml:"workdir" split_words:"true"`
	Env        []string      `yaml:"env" split_words:"true"`
	UserEnv    string        `yaml:"user_env" split_words:"true"`
	KillGrace  time.Duration `yaml:"kill_grace" split_words:"true"`
	StderrTail int           `yaml:"stderr_tail" split_words:"true"`

	// Sessions.
	IdleTimeout    time.Duration `yaml:"idle_timeout" split_words:"true"`
	ReapInterval   time.Duration `yaml:"reap_interval" split_words:"true"`
	MaxSessions    int           `yaml:"max_sessions" split_words:"true"`
	IdentityHeader string        `yaml:"identity_header" split_words:"true"`
	BodyLimit      int64         `yaml:"body_limit" split_words:"true"`

	// Storage. Empty paths disable the feature.
	DBPath        string `yaml:"db_path" split_words:"true"`
	TranscriptDir string `yaml:"transcript_dir" split_words:"true"`
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	return &Settings{
		ListenAddr:     ":3000",
		GinMode:        "release",
		Command:        "node",
		Args:           []string{"dist/index.js"},
		KillGrace:      2 * time.Second,
		StderrTail:     20,
		IdleTimeout:    15 * time.Minute,
		ReapInterval:   60 * time.Second,
		IdentityHeader: "X-User-ID",
		BodyLimit:      1 << 20,
		DBPath:         "data/sessions.db",
	}
}

// Load reads settings from the file named by GATEWAY_CONFIG_FILE, if any, and
// the environment.
func Load() (*Settings, error) {
	return LoadFrom(os.Getenv(FileEnv))
}

// LoadFrom reads settings from the YAML file at path and the environment. An
// empty path skips the file.
func LoadFrom(path string) (*Settings, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// PORT is honoured for platforms that only set that.
	if port := os.Getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (s *Settings) Validate() error {
	switch {
	case strings.TrimSpace(s.Command) == "":
		return errors.New("invalid config: command is required")
	case s.ListenAddr == "":
		return errors.New("invalid config: listen_addr is required")
	case s.IdentityHeader == "":
		return errors.New("invalid config: identity_header is required")
	case s.IdleTimeout <= 0:
		return fmt.Errorf("invalid config: idle_timeout must be positive, got %v", s.IdleTimeout)
	case s.ReapInterval <= 0:
		return fmt.Errorf("invalid config: reap_interval must be positive, got %v", s.ReapInterval)
	case s.KillGrace < 0:
		return fmt.Errorf("invalid config: kill_grace must not be negative, got %v", s.KillGrace)
	case s.MaxSessions < 0:
		return fmt.Errorf("invalid config: max_sessions must not be negative, got %d", s.MaxSessions)
	case s.BodyLimit <= 0:
		return fmt.Errorf("invalid config: body_limit must be positive, got %d", s.BodyLimit)
	case s.StderrTail <= 0:
		return fmt.Errorf("invalid config: stderr_tail must be positive, got %d", s.StderrTail)
	}

	switch s.GinMode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("invalid config: gin_mode must be debug, release or test, got %q", s.GinMode)
	}
	return nil
}

// CommandLine returns the command and its arguments as one string.
func (s *Settings) CommandLine() string {
	return strings.Join(append([]string{s.Command}, s.Args...), " ")
}
