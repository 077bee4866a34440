package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file, overlays environment variables and watches
// the file for changes. An empty path means "environment and defaults only".
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
}

// LoadDotEnv loads .env files into the process environment. Missing files are
// ignored; variables already set are not overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return nil, fmt.Errorf("config watcher: no config file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	var cfg Config
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv overlays the variables the service has always been deployed with.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("PO_POSTBACK_SECRET"); v != "" {
		cfg.Server.Secret = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		cfg.Store.MongoURI = v
		if cfg.Store.Backend == "" {
			cfg.Store.Backend = BackendMongo
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Store.Database = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Forward.Brokers = v
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Forward.Topic = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":10000"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 256 << 10
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = cfg.Server.RateLimitRPS * 2
	}
	if cfg.Server.ProcessTimeoutMs == 0 {
		cfg.Server.ProcessTimeoutMs = 5000
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Store.Database == "" {
		cfg.Store.Database = "pocketoption_bot"
	}
	if cfg.Store.TimeoutMs == 0 {
		cfg.Store.TimeoutMs = 3000
	}
	if cfg.Store.CASMaxAttempts == 0 {
		cfg.Store.CASMaxAttempts = 8
	}
	if cfg.Store.CASInitialBackoffMs == 0 {
		cfg.Store.CASInitialBackoffMs = 5
	}
	if cfg.Store.CASMaxBackoffMs == 0 {
		cfg.Store.CASMaxBackoffMs = 200
	}
	if cfg.Forward.Topic == "" {
		cfg.Forward.Topic = "postback-outcomes"
	}
	if cfg.Forward.Workers == 0 {
		cfg.Forward.Workers = 4
	}
	if cfg.Forward.QueueDepth == 0 {
		cfg.Forward.QueueDepth = 10000
	}
	if cfg.Forward.DeliveryTimeoutMs == 0 {
		cfg.Forward.DeliveryTimeoutMs = 5000
	}
}
