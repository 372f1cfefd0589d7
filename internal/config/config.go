// Package config loads the global termkeep configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/superset-sh/termkeep/internal/appdirs"
	"github.com/superset-sh/termkeep/internal/identity"
)

const defaultFallbackShell = "/bin/sh"

// Config represents the global config file in the state directory.
type Config struct {
	Terminal TerminalConfig `yaml:"terminal"`
	Backend  BackendConfig  `yaml:"backend"`
}

// TerminalConfig configures session shells and environment.
type TerminalConfig struct {
	// Shell overrides the login shell for new sessions. Empty means
	// detect from $SHELL.
	Shell string `yaml:"shell"`
	// FallbackShell is used when the configured shell crash-loops.
	FallbackShell string `yaml:"fallback_shell"`
	// ExtraEnv names additional environment variables passed through to
	// session processes on top of the built-in allow-list.
	ExtraEnv []string `yaml:"extra_env"`
}

// BackendConfig configures the persistence backend.
type BackendConfig struct {
	// Persist toggles tmux-backed persistence. Nil means enabled.
	Persist *bool `yaml:"persist"`
	// TmuxPath overrides tmux binary discovery.
	TmuxPath string `yaml:"tmux_path"`
}

// Persistent reports whether tmux-backed persistence is enabled.
func (c Config) Persistent() bool {
	return c.Backend.Persist == nil || *c.Backend.Persist
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Terminal: TerminalConfig{
			FallbackShell: defaultFallbackShell,
		},
	}
}

// DefaultPath returns the global config path inside the state directory.
func DefaultPath() (string, error) {
	dir, err := appdirs.StateDirPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, identity.GlobalConfigFile), nil
}

// Loader caches config values and reloads when the file changes.
type Loader struct {
	path     string
	lastRead fileState
	cached   Config
}

type fileState struct {
	modTime time.Time
	size    int64
}

// NewLoader creates a config loader for the provided path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:   strings.TrimSpace(path),
		cached: Defaults(),
	}
}

// Load returns the cached config, reloading if the file changed. A
// missing file yields the defaults.
func (l *Loader) Load() (Config, error) {
	if l == nil {
		return Defaults(), errors.New("config: nil loader")
	}
	path := strings.TrimSpace(l.path)
	if path == "" {
		return Defaults(), errors.New("config: empty config path")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.cached = Defaults()
			l.lastRead = fileState{}
			return l.cached, nil
		}
		return Defaults(), fmt.Errorf("config: stat %s: %w", path, err)
	}
	state := fileState{modTime: info.ModTime(), size: info.Size()}
	if state == l.lastRead {
		return l.cached, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Defaults(), err
	}
	l.cached = cfg
	l.lastRead = state
	return cfg, nil
}

// Parse decodes a config document and applies defaults.
func Parse(data []byte) (Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Defaults(), fmt.Errorf("config: parse: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// LoadDefault loads the config from its default path.
func LoadDefault() (Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return Defaults(), err
	}
	return NewLoader(path).Load()
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Terminal.FallbackShell) == "" {
		cfg.Terminal.FallbackShell = defaultFallbackShell
	}
}
