package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// DefaultDebounceDelay is how long the watcher waits for a burst of file
// events to settle before reloading.
const DefaultDebounceDelay = 100 * time.Millisecond

// ErrWatcherStopped is returned by Reload once the watcher is stopped.
var ErrWatcherStopped = errors.New("config watcher stopped")

// Change is one configuration reload handed to the apply callback.
type Change struct {
	Previous *HostConfig
	Current  *HostConfig
	// Restart names the top-level sections whose new values only take
	// effect after a process restart.
	Restart []string
}

// ApplyFunc applies a reloaded configuration. An error rejects it: the
// previous configuration stays the baseline for the next change.
type ApplyFunc func(Change) error

// ErrorCallback is called when a changed file fails to load or validate.
type ErrorCallback func(error)

// Watcher watches the host configuration file and hands every changed,
// valid revision to an ApplyFunc. Rewrites with identical content are
// ignored.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	apply    ApplyFunc
	onError  ErrorCallback
	logger   observability.Logger
	debounce time.Duration

	// mu serializes reloads and guards the state below. apply runs with
	// mu held and must not call back into the watcher.
	mu      sync.Mutex
	applied *HostConfig
	digest  [sha256.Size]byte
	running bool
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long events must settle before a reload.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		if delay > 0 {
			w.debounce = delay
		}
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the callback for files that fail to load.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.onError = callback
	}
}

// NewWatcher creates a watcher for path. Nothing is read until Start.
func NewWatcher(path string, apply ApplyFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		fs:       fsWatcher,
		apply:    apply,
		logger:   observability.NopLogger(),
		debounce: DefaultDebounceDelay,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start records the file's current revision as the applied baseline,
// without calling apply, and watches for changes until ctx ends or Stop.
// Starting a running watcher does nothing.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrWatcherStopped
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.start(); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	go w.run(ctx)
	return nil
}

func (w *Watcher) start() error {
	data, cfg, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.applied = cfg
	w.digest = sha256.Sum256(data)
	w.mu.Unlock()

	// Editors and ConfigMap mounts replace the file, so the directory is
	// watched rather than the file itself.
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	return nil
}

// Stop ends the watch loop and releases the file watcher. It is safe to
// call more than once, and on a watcher that never started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	running := w.running
	w.mu.Unlock()

	close(w.stopCh)
	if running {
		<-w.doneCh
	}
	return w.fs.Close()
}

// Applied returns the configuration last accepted by apply, or the one
// read on Start.
func (w *Watcher) Applied() *HostConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}

// Reload reads the file now. It reports whether a change was applied; an
// unchanged file is not an error.
func (w *Watcher) Reload() (bool, error) {
	return w.reload()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// One timer is rearmed by every relevant event; it fires once the
	// burst has settled.
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped", observability.String("reason", "context done"))
			return
		case <-w.stopCh:
			w.logger.Info("config watcher stopped")
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event",
				observability.String("path", event.Name),
				observability.String("op", event.Op.String()),
			)
			timer.Reset(w.debounce)

		case <-timer.C:
			if _, err := w.reload(); err != nil && !errors.Is(err, ErrWatcherStopped) {
				w.logger.Error("configuration reload failed", observability.Error(err))
				if w.onError != nil {
					w.onError(err)
				}
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", observability.Error(err))
		}
	}
}

// relevant reports whether event may have changed the watched file.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	// ConfigMap volumes swap a ..data symlink next to the file.
	return name == w.path || filepath.Base(name) == "..data"
}

func (w *Watcher) read() ([]byte, *HostConfig, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := parseAndValidate(data)
	if err != nil {
		return nil, nil, err
	}
	return data, cfg, nil
}

func parseAndValidate(data []byte) (*HostConfig, error) {
	cfg, err := LoadConfigFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (w *Watcher) reload() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false, ErrWatcherStopped
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	digest := sha256.Sum256(data)
	if digest == w.digest {
		w.logger.Debug("config file content unchanged, skipping reload")
		return false, nil
	}

	cfg, err := parseAndValidate(data)
	if err != nil {
		return false, err
	}

	change := Change{
		Previous: w.applied,
		Current:  cfg,
		Restart:  RestartSections(w.applied, cfg),
	}
	if w.apply != nil {
		if err := w.apply(change); err != nil {
			// Digest stays put so saving the same bytes again retries.
			w.logger.Warn("configuration change rejected", observability.Error(err))
			return false, nil
		}
	}

	w.applied = cfg
	w.digest = digest
	w.logger.Info("configuration change applied",
		observability.Any("restart_required", change.Restart),
	)
	return true, nil
}

// RestartSections lists the top-level sections that differ between prev
// and next and cannot be swapped while running. Everything outside the
// gateway section qualifies.
func RestartSections(prev, next *HostConfig) []string {
	if prev == nil || next == nil {
		return nil
	}
	sections := []struct {
		name       string
		prev, next any
	}{
		{"listen", prev.Listen, next.Listen},
		{"log", prev.Log, next.Log},
		{"metrics", prev.Metrics, next.Metrics},
		{"tracing", prev.Tracing, next.Tracing},
		{"secrets", prev.Secrets, next.Secrets},
		{"redis", prev.Redis, next.Redis},
		{"backendTLS", prev.BackendTLS, next.BackendTLS},
	}

	var out []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.prev, s.next) {
			out = append(out, s.name)
		}
	}
	return out
}
