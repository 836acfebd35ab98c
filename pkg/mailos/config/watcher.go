package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when its content changes. Events are
// debounced and a touch that leaves the content unchanged is ignored.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	load     func(string) (*Config, error)
	logger   *slog.Logger

	lastHash string
}

// NewWatcher creates a watcher for path. onChange receives every
// successfully loaded new configuration; a file that fails to load is
// logged and the previous configuration stays in effect.
func NewWatcher(path string, debounce time.Duration, onChange func(*Config), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onChange: onChange,
		load:     Load,
		logger:   logger.With("component", "config-watcher"),
	}
}

// Start watches until ctx is cancelled. The parent directory is watched
// so that editors replacing the file by rename are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.lastHash, _ = hashFile(w.path)

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				fire = time.After(w.debounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	sum, err := hashFile(w.path)
	if err != nil {
		w.logger.Warn("reading config failed", "path", w.path, "error", err)
		return
	}
	if sum == w.lastHash {
		w.logger.Debug("config touched without changes")
		return
	}
	cfg, err := w.load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping current configuration", "path", w.path, "error", err)
		return
	}
	w.lastHash = sum
	w.logger.Info("config reloaded", "path", w.path, "checkers", len(cfg.Checkers))
	w.onChange(cfg)
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
