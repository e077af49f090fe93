package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	adminconsole "github.com/devgianlu/go-adminconsole"
	"github.com/gofrs/flock"
)

const (
	fileName     = "session.json"
	lockFileName = "session.lock"
)

// File persists values as a JSON object in a directory owned by a single process.
type File struct {
	log adminconsole.Logger

	path string
	lock *flock.Flock

	closed     bool
	values     map[string]string
	valuesLock sync.RWMutex
}

// NewFile opens the storage in dir, creating it if needed. It fails with ErrLocked if another
// process already holds the directory.
func NewFile(log adminconsole.Logger, dir string) (*File, error) {
	log = adminconsole.LoggerOrNull(log)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed creating storage directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	if ok, err := lock.TryLock(); err != nil {
		return nil, fmt.Errorf("failed locking storage directory: %w", err)
	} else if !ok {
		return nil, ErrLocked
	}

	f := &File{
		log:    log,
		path:   filepath.Join(dir, fileName),
		lock:   lock,
		values: map[string]string{},
	}

	if content, err := os.ReadFile(f.path); err == nil {
		if err := json.Unmarshal(content, &f.values); err != nil {
			// an unreadable file is the same as an empty one, it gets replaced on the next write
			log.WithError(err).Warnf("discarding corrupted storage file %s", f.path)
			f.values = map[string]string{}
		} else {
			log.Debugf("storage loaded from %s", f.path)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Debugf("no storage found at %s", f.path)
	} else {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed reading storage file: %w", err)
	}

	return f, nil
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.valuesLock.RLock()
	defer f.valuesLock.RUnlock()

	if f.closed {
		return "", false, ErrClosed
	}

	val, ok := f.values[key]
	return val, ok, nil
}

func (f *File) Set(_ context.Context, values map[string]string) error {
	f.valuesLock.Lock()
	defer f.valuesLock.Unlock()

	if f.closed {
		return ErrClosed
	}

	next := make(map[string]string, len(f.values)+len(values))
	for k, v := range f.values {
		next[k] = v
	}
	for k, v := range values {
		next[k] = v
	}

	if err := f.write(next); err != nil {
		return err
	}

	f.values = next
	return nil
}

func (f *File) Delete(_ context.Context, keys ...string) error {
	f.valuesLock.Lock()
	defer f.valuesLock.Unlock()

	if f.closed {
		return ErrClosed
	}

	next := make(map[string]string, len(f.values))
	for k, v := range f.values {
		next[k] = v
	}

	var changed bool
	for _, k := range keys {
		if _, ok := next[k]; ok {
			delete(next, k)
			changed = true
		}
	}

	if !changed {
		return nil
	}

	if err := f.write(next); err != nil {
		return err
	}

	f.values = next
	return nil
}

func (f *File) write(values map[string]string) error {
	// Create a temporary file, and overwrite the old file.
	// The file is created with mode 0o600 so we don't need to change the mode.
	tmpFile, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed creating temporary file for storage: %w", err)
	}

	if err := json.NewEncoder(tmpFile).Encode(values); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("failed writing marshalled storage: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("failed closing temporary storage file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), f.path); err != nil {
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("failed replacing storage file: %w", err)
	}

	return nil
}

func (f *File) Close() error {
	f.valuesLock.Lock()
	defer f.valuesLock.Unlock()

	if f.closed {
		return nil
	}

	f.closed = true
	return f.lock.Unlock()
}
