package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigBackend abstracts where persisted (non-secret) settings live.
type ConfigBackend interface {
	// Decode overlays persisted settings onto cfg.
	Decode(cfg *Config) error
	// Set persists one dotted key.
	Set(key string, value any) error
}

// xdgDir returns the directory named by env, or the fallback path under the
// user's home when env is unset.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "taskowner")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "taskowner", "config.yaml")
}

// fileBackend stores config as a nested YAML document.
type fileBackend struct {
	path string
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

func (b *fileBackend) read() ([]byte, error) {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (b *fileBackend) Decode(cfg *Config) error {
	data, err := b.read()
	if err != nil {
		slog.Warn("could not read config file, using defaults", "path", b.path, "error", err)
		return nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", b.path, err)
	}
	return nil
}

func (b *fileBackend) Set(key string, value any) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("config key %q must be section.field", key)
	}

	doc := make(map[string]map[string]any)
	data, err := b.read()
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config file %s: %w", b.path, err)
		}
	}
	if doc[section] == nil {
		doc[section] = make(map[string]any)
	}
	doc[section][field] = value

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, out, 0o600)
}
