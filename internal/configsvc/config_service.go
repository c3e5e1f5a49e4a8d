// Package configsvc provides a service for watching configuration files and notifying clients of changes.
package configsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"go.uber.org/zap"
)

type subscriber func(event fsnotify.Event)

type Service struct {
	log      *zap.Logger
	debounce time.Duration

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	subscribers []subscriber
	ready       chan struct{}
}

type Option func(*Service)

// WithDebounce coalesces change events of one file arriving within d.
func WithDebounce(d time.Duration) Option {
	return func(s *Service) {
		s.debounce = d
	}
}

func New(log *zap.Logger, opts ...Option) *Service {
	svc := &Service{
		log:      log,
		debounce: 100 * time.Millisecond,
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	s.watcher = watcher
	defer s.watcher.Close()
	close(s.ready)
	s.log.Info("Config service started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			subs := s.subscribers
			s.mu.Unlock()
			for _, sub := range subs {
				sub(event)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Watcher error", zap.Error(err))
		}
	}
}

func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Register registers a configuration file to watch for changes and calls fn with the new configuration.
// It returns the initial configuration and an error if the file cannot be read.
// Service instance is used as a parameter instead of the method receiver to enable generic types.
// Register must be called after the service is ready.
func Register[T any](s *Service, path string, def T, fn func(config T, err error)) (T, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return def, fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	config, err := readConfig(absPath, def)
	if err != nil {
		return def, fmt.Errorf("failed to read config: %w", err)
	}

	dir := filepath.Dir(absPath)
	err = s.watcher.Add(dir)
	if err != nil {
		return def, fmt.Errorf("failed to add path to watcher %s: %w", path, err)
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	reload := func() {
		newConfig, err := readConfig(absPath, def)
		fn(newConfig, err)
	}

	s.mu.Lock()
	s.subscribers = append(s.subscribers, func(event fsnotify.Event) {
		if event.Name != absPath || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
			return
		}
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.debounce, reload)
	})
	s.mu.Unlock()

	return config, nil
}

// LoadOrInit reads the configuration at path, writing def there first if the file does not exist.
func LoadOrInit[T any](path string, def T) (T, error) {
	config, err := readConfig(path, def)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = writeConfig(path, def)
		if err != nil {
			return def, fmt.Errorf("failed to initialize config: %w", err)
		}
		return def, nil
	case err != nil:
		return def, fmt.Errorf("failed to read config: %w", err)
	}
	return config, nil
}

func writeConfig[T any](path string, config T) error {
	jsonB, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	yamlB, err := yaml.JSONToYAML(jsonB)
	if err != nil {
		return fmt.Errorf("failed to convert json to yaml: %w", err)
	}

	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	err = os.WriteFile(path, yamlB, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func readConfig[T any](path string, def T) (T, error) {
	yamlB, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read config file: %w", err)
	}

	jsonB, err := yaml.YAMLToJSON(yamlB)
	if err != nil {
		return def, fmt.Errorf("failed to convert yaml to json: %w", err)
	}
	err = json.Unmarshal(jsonB, &def)
	if err != nil {
		return def, fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return def, nil
}
