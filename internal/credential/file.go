package credential

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
)

// File persists records as a JSON document. Writes replace the whole document
// through a rename, so a batch lands on disk atomically and survives restarts
// of the process.
type File struct {
	mu   sync.RWMutex
	path string
	now  func() time.Time
}

// NewFile creates a store writing to path. The parent directory is created
// with owner-only permissions if missing.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("credential file path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}

	return &File{
		path: path,
		now:  time.Now,
	}, nil
}

func (f *File) Set(ctx context.Context, records ...Record) error {
	if err := validate(records); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return &StoreError{Operation: "set", Store: "file", Cause: err}
	}

	now := f.now()
	for _, r := range records {
		doc[r.Name] = newEntry(r, now)
	}
	f.prune(doc, now)

	if err := f.write(doc); err != nil {
		return &StoreError{Operation: "set", Store: "file", Cause: err}
	}

	return nil
}

func (f *File) Get(ctx context.Context, name string) (Record, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	doc, err := f.read()
	if err != nil {
		return Record{}, false, &StoreError{Operation: "get", Store: "file", Cause: err}
	}

	e, ok := doc[name]
	now := f.now()
	if !ok || e.expired(now) {
		return Record{}, false, nil
	}

	return e.record(name, now), true, nil
}

func (f *File) Delete(ctx context.Context, names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return &StoreError{Operation: "delete", Store: "file", Cause: err}
	}

	for _, name := range names {
		delete(doc, name)
	}
	f.prune(doc, f.now())

	if err := f.write(doc); err != nil {
		return &StoreError{Operation: "delete", Store: "file", Cause: err}
	}

	return nil
}

func (f *File) Close() error {
	return nil
}

func (f *File) read() (map[string]entry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]entry{}, nil
	}
	if err != nil {
		return nil, err
	}

	doc := map[string]entry{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupt credential file %s: %w", f.path, err)
	}

	return doc, nil
}

// write replaces the document via a temporary file in the same directory.
func (f *File) write(doc map[string]entry) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".credentials-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, f.path)
}

func (f *File) prune(doc map[string]entry, now time.Time) {
	for name, e := range doc {
		if e.expired(now) {
			delete(doc, name)
		}
	}
}
