package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bskyfetch/internal"
	"bskyfetch/utils"
)

// File is a SecretStore persisted as a single JSON document so that
// successive CLI invocations share credentials. Writes replace the file
// atomically; the last writer wins.
type File struct {
	path string
	mu   sync.Mutex
	fs   *utils.FileOperations
	now  func() time.Time
}

// NewFile creates a store backed by the JSON file at path
func NewFile(path string) *File {
	return &File{
		path: path,
		fs:   utils.NewFileOperations(),
		now:  time.Now,
	}
}

// Path returns the backing file path
func (f *File) Path() string {
	return f.path
}

func (f *File) load() (map[string]entry, error) {
	data, err := f.fs.ReadFileIfExists(f.path)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]entry)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		// a corrupt store is treated as empty and overwritten on next write
		internal.LogWarn("Ignoring unreadable store file %s: %v", f.path, err)
		return make(map[string]entry), nil
	}
	return entries, nil
}

func (f *File) save(entries map[string]entry) error {
	now := f.now()
	for k, e := range entries {
		if e.expired(now) {
			delete(entries, k)
		}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return f.fs.AtomicWriteFile(f.path, data, 0600)
}

// Get returns the value for key when present and unexpired
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return "", false, internal.NewStoreError("get", key, err)
	}
	e, ok := entries[key]
	if !ok || e.expired(f.now()) {
		return "", false, nil
	}
	return e.Value, true, nil
}

// Set stores value under key; ttl <= 0 never expires
func (f *File) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return internal.NewStoreError("set", key, err)
	}
	entries[key] = newEntry(value, ttl, f.now())
	if err := f.save(entries); err != nil {
		return internal.NewStoreError("set", key, err)
	}
	return nil
}

// Delete removes key
func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return internal.NewStoreError("delete", key, err)
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	if err := f.save(entries); err != nil {
		return internal.NewStoreError("delete", key, err)
	}
	return nil
}
