package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// OnReload is called after a successful hot-reload. Consumers register
// callbacks to re-sync the registry, purge caches or change the log level.
type OnReload func(old, new *Config)

// Watcher monitors the config file for changes and reloads automatically.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	filePath  string
	logger    zerolog.Logger
	debounce  time.Duration
	callbacks []OnReload
	// digest is the hash of the last applied file content; reloads that
	// would re-sync an identical registry are skipped.
	digest    []byte
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DefaultDebounce is the quiet period after the last file event before a
// reload is performed.
const DefaultDebounce = 100 * time.Millisecond

// Watch starts watching the given config file for changes. When the file is
// modified, the config is re-loaded, validated, and stored in the global
// atomic pointer. Registered callbacks receive the old and new config. A
// file that fails validation is logged and the previous config stays active.
func Watch(filePath string, logger zerolog.Logger) (*Watcher, error) {
	if filePath == "" {
		return nil, fmt.Errorf("config watcher: file path must not be empty")
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("config watcher: resolving path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: creating fsnotify watcher: %w", err)
	}

	// Editors save atomically (write tmp + rename), so watch the directory.
	dir := filepath.Dir(absPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config watcher: watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		filePath:  absPath,
		logger:    logger.With().Str("component", "config-watcher").Logger(),
		debounce:  DefaultDebounce,
		done:      make(chan struct{}),
	}
	w.digest, _ = fileDigest(absPath)

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// OnChange registers a callback that will be invoked after each successful
// config reload. It is safe to call from multiple goroutines.
func (w *Watcher) OnChange(fn OnReload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops the watcher and waits for its goroutine. It is idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case <-fire:
			w.reload()

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.filePath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		}
	}
}

// reload runs on the loop goroutine so callbacks never overlap.
func (w *Watcher) reload() {
	digest, err := fileDigest(w.filePath)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.filePath).Msg("reading changed config")
		return
	}
	if bytes.Equal(digest, w.digest) {
		w.logger.Debug().Str("path", w.filePath).Msg("config content unchanged, skipping reload")
		return
	}

	old := Get()
	newCfg, err := Load(w.filePath)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.filePath).Msg("reload failed, keeping previous config")
		return
	}
	w.digest = digest

	w.logger.Info().Str("path", w.filePath).Msg("config reloaded")

	w.mu.Lock()
	cbs := make([]OnReload, len(w.callbacks))
	copy(cbs, w.callbacks)
	w.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error().Interface("panic", r).Msg("reload callback panicked")
				}
			}()
			cb(old, newCfg)
		}()
	}
}

func fileDigest(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}
