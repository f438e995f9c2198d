package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${NAME} and ${NAME:-default} references in a raw
// config file, substituted before YAML parsing so operators can inject
// secrets (webhook URLs, tokens) from the environment without a templating
// layer.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

func substituteEnvVars(raw string) string {
	return envVarPattern.ReplaceAllStringFunc(raw, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return def
	})
}

// Loader reads, caches, and reloads the on-disk YAML configuration. Safe
// for concurrent use; Get returns the most recently loaded snapshot.
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader returns a Loader pre-populated with DefaultConfig, so callers
// that never call Load still get a usable zero-config setup.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads and parses the YAML file at path, substituting environment
// variables first, and replaces the loader's current config on success.
func (l *Loader) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(raw))), cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file path passed to the last successful Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: Reload called before a successful Load")
	}
	return l.Load(path)
}

// Get returns the current config snapshot.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the last successfully loaded file, or "" if
// none has been loaded yet.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

// GenerateDefault writes DefaultConfig as YAML to path, for `canon init`.
func GenerateDefault(path string) error {
	out, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("config: marshaling default config: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}
