package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "github.com/goccy/go-yaml"

	"github.com/marcuoli/go-bridgediscovery/pkg/bridgediscovery"
)

const (
	filePerm      = 0o600
	dirPerm       = 0o700
	debounceDelay = 200 * time.Millisecond
)

// FileStore keeps the record in a YAML file. Writes replace the file
// atomically so a concurrent reader never sees half a record.
type FileStore struct {
	path string

	mu     sync.Mutex
	cached *Record
	loaded bool
}

// NewFileStore returns a store backed by path. The file need not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Get() (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		if err := f.loadLocked(); err != nil {
			return nil, err
		}
	}
	if f.cached == nil {
		return nil, nil
	}
	r := *f.cached
	return &r, nil
}

func (f *FileStore) Set(r Record) error {
	r, err := validate(r)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeAtomic(f.path, out); err != nil {
		return err
	}
	f.cached, f.loaded = &r, true
	return nil
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	f.cached, f.loaded = nil, true
	return nil
}

// Reload re-reads the file.
func (f *FileStore) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *FileStore) loadLocked() error {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.cached, f.loaded = nil, true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	var r Record
	if err := yaml.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("parse credentials %s: %w", f.path, err)
	}
	r.DeviceID = bridgediscovery.NormalizeID(r.DeviceID)
	if r.DeviceID == "" {
		f.cached = nil
	} else {
		f.cached = &r
	}
	f.loaded = true
	return nil
}

// Watch reloads the record whenever another process changes the file, until
// ctx is done. onChange, when non-nil, runs after each reload.
func (f *FileStore) Watch(ctx context.Context, onChange func(*Record)) error {
	log := bridgediscovery.Logger(ctx, bridgediscovery.ComponentCredentials)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch credentials: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		_ = w.Close()
		return fmt.Errorf("create credentials dir: %w", err)
	}
	// the directory is watched so atomic replacements are seen
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch credentials: %w", err)
	}

	name := filepath.Clean(f.path)
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		if err := f.Reload(); err != nil {
			log.Warn().Err(err).Msg("credentials reload failed")
			return
		}
		log.Debug().Str("file", name).Msg("credentials reloaded")
		if onChange != nil {
			r, _ := f.Get()
			onChange(r)
		}
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timerMu.Unlock()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
					!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				timerMu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceDelay, reload)
				timerMu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("fsnotify error")
			}
		}
	}()
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}
