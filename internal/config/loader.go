package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. GREETER_TTS_ENGINE=remote.
const EnvPrefix = "GREETER"

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "greeter.yaml"

// Loader reads configuration from one file plus the environment.
type Loader struct {
	path    string
	envFile string
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *viper.Viper
}

// NewLoader creates a loader for path. An empty path reads DefaultPath if it exists.
func NewLoader(path string) *Loader {
	return &Loader{path: path, envFile: ".env", logger: slog.Default()}
}

// WithEnvFile changes the dotenv file read before the environment.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// WithLogger sets the logger used for reload messages.
func (l *Loader) WithLogger(logger *slog.Logger) *Loader {
	l.logger = logger
	return l
}

// Path returns the config file in use, or "" when none.
func (l *Loader) Path() string {
	if l.path != "" {
		return l.path
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads defaults, then the file, then .env and the environment.
func (l *Loader) Load() (*Config, error) {
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", l.envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := setDefaults(v, cfg); err != nil {
		return nil, err
	}

	if path := l.Path(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Watch calls fn with the freshly loaded config whenever the file changes.
// Invalid edits are logged and skipped.
func (l *Loader) Watch(fn func(*Config)) error {
	path := l.Path()
	if path == "" {
		return errors.New("config: no file to watch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return errors.New("config: already watching")
	}

	w := viper.New()
	w.SetConfigFile(path)
	w.SetConfigType("yaml")
	if err := w.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	w.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			l.logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		l.logger.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	w.WatchConfig()
	l.watcher = w
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// setDefaults registers every key of cfg so environment overrides apply
// even when the file does not mention the key.
func setDefaults(v *viper.Viper, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("config: decode defaults: %w", err)
	}
	flatten("", tree, v.SetDefault)
	return nil
}

func flatten(prefix string, tree map[string]any, set func(string, any)) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			flatten(key, sub, set)
			continue
		}
		set(key, val)
	}
}
