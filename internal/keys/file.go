package keys

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileValidator accepts the keys listed in a file. Reload re-reads it;
// Watch reloads automatically whenever the file is written or replaced.
type FileValidator struct {
	Path string

	mu   sync.RWMutex
	keys *Static

	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	// OnReload, if set, is called after every successful reload.
	OnReload func(count int)
}

// NewFileValidator loads path once. The file must exist.
func NewFileValidator(path string, logger zerolog.Logger) (*FileValidator, error) {
	f := &FileValidator{Path: path, logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the key file. On error the previous keys stay in effect.
func (f *FileValidator) Reload() error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	defer file.Close()

	list, err := ParseList(file)
	if err != nil {
		return fmt.Errorf("failed to read key file %s: %w", f.Path, err)
	}

	set := NewStatic(list)
	f.mu.Lock()
	f.keys = set
	f.mu.Unlock()

	if f.OnReload != nil {
		f.OnReload(set.Len())
	}
	return nil
}

func (f *FileValidator) IsValid(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.keys != nil && f.keys.IsValid(key)
}

// Len returns the number of keys currently loaded.
func (f *FileValidator) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.keys == nil {
		return 0
	}
	return f.keys.Len()
}

// Watch starts reloading on changes. The parent directory is watched so
// editors that replace the file through a rename are picked up too.
func (f *FileValidator) Watch() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	f.watcher = fw
	f.done = make(chan struct{})
	go f.processEvents(filepath.Clean(f.Path))

	f.logger.Info().Str("path", f.Path).Msg("👀 Watching API key file")
	return nil
}

func (f *FileValidator) processEvents(target string) {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if err := f.Reload(); err != nil {
				f.logger.Warn().Err(err).Str("path", f.Path).Msg("Failed to reload API key file, keeping previous keys")
				continue
			}
			f.logger.Info().Str("path", f.Path).Int("keys", f.Len()).Msg("🔑 API key file reloaded")

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error().Err(err).Msg("API key watcher error")

		case <-f.done:
			return
		}
	}
}

// Close stops watching. Safe to call multiple times or without Watch.
func (f *FileValidator) Close() error {
	if f.watcher == nil {
		return nil
	}
	select {
	case <-f.done:
		return nil
	default:
		close(f.done)
	}
	return f.watcher.Close()
}
