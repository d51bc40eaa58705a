package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log  logrus.FieldLogger
	base string
}

// NewLocal creates a Store backed by a local filesystem directory.
func NewLocal(log logrus.FieldLogger, cfg *config.LocalStorageConfig) Store {
	return &localStore{
		log:  log.WithField("component", "objstore"),
		base: cfg.Path,
	}
}

// Preflight ensures the base directory exists and is writable.
func (s *localStore) Preflight(_ context.Context) error {
	if err := os.MkdirAll(s.base, 0o755); err != nil {
		return fmt.Errorf("creating storage directory %s: %w", s.base, err)
	}

	probe := filepath.Join(s.base, ".evaloor-write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("writing test file to %s: %w", s.base, err)
	}

	return os.Remove(probe)
}

// Put writes content under key. The write goes to a temporary file in
// the target directory and is renamed into place so a concurrent Get
// never observes a partial write.
func (s *localStore) Put(
	_ context.Context, key string, content []byte,
) error {
	target := s.resolve(key)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %q: %w", key, err)
	}

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("writing temp file for %q: %w", key, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("closing temp file for %q: %w", key, err)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("renaming temp file for %q: %w", key, err)
	}

	return nil
}

// Get reads the object at key. Returns (nil, nil) when the file does
// not exist.
func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// List returns file names under the prefix directory, sorted.
func (s *localStore) List(
	_ context.Context, prefix string,
) ([]string, error) {
	dir := s.resolve(strings.TrimRight(prefix, "/"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".put-") {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)

	return names, nil
}

// Delete removes the object at key. Deleting a missing file succeeds.
func (s *localStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.resolve(key)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("deleting object %q: %w", key, err)
	}

	return nil
}

func (s *localStore) resolve(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(key))
}
