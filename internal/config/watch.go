package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch re-reads the config file whenever it changes and hands every
// successfully parsed, validated and effectively-changed config to apply.
// Writes are debounced so editors that write in several steps don't trigger
// half-parsed reloads. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, log zerolog.Logger, apply func(*Config)) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	// reloadMu serializes whole reloads. Timer callbacks run on their own
	// goroutines, and apply must never run concurrently with itself.
	var (
		reloadMu sync.Mutex
		lastHash uint64
	)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		cfg, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
			return
		}
		h := hashConfig(cfg)
		if h != 0 && h == lastHash {
			log.Debug().Str("path", path).Msg("config unchanged; skipping")
			return
		}
		lastHash = h
		apply(cfg)
	}
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, reload)
	}

	// Seed the hash from the currently loaded file so an untouched file does
	// not produce a spurious first reload.
	if cfg, err := Load(path); err == nil {
		reloadMu.Lock()
		lastHash = hashConfig(cfg)
		reloadMu.Unlock()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Debug().Str("dir", dir).Str("file", file).Msg("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			// Compare by basename; editors often replace the file via rename.
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
			}
		}
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
