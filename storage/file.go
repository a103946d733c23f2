package storage

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dir is a Store backed by a flat directory: one file per key, with the key
// percent-encoded into the file name so separators like "/" in keys such as
// "rooms/<id>/snapshot" never escape the root. It is the store the broker
// and the client offline queue use when state must survive a restart.
type Dir struct {
	root string
}

// NewDir returns a Dir rooted at root, creating the directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

func (d *Dir) fileFor(key string) string {
	return filepath.Join(d.root, url.PathEscape(key))
}

func (d *Dir) Save(_ context.Context, key string, blob []byte) error {
	// Write-then-rename so a crash mid-write never leaves a torn blob
	// behind for the next Load to trip over.
	tmp, err := os.CreateTemp(d.root, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), d.fileFor(key))
}

func (d *Dir) Load(_ context.Context, key string) ([]byte, error) {
	blob, err := os.ReadFile(d.fileFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ErrNotFound{Key: key}
		}
		return nil, err
	}
	return blob, nil
}

func (d *Dir) Delete(_ context.Context, key string) error {
	err := os.Remove(d.fileFor(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *Dir) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(d.fileFor(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d *Dir) ListKeys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
