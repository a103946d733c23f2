// Package testutil holds small helpers shared by CollabKit's tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// Sandbox is an isolated on-disk scratch directory for a single test, used
// by the file-backed storage and offline-queue tests that need real
// filesystem persistence rather than the in-memory store.
type Sandbox struct {
	Root string
}

// NewSandbox creates a Sandbox rooted at a fresh temporary directory and
// registers its removal with tb's cleanup, so tests never leak scratch
// state between runs.
func NewSandbox(tb testing.TB) *Sandbox {
	tb.Helper()
	dir, err := os.MkdirTemp("", "collabkit_test")
	if err != nil {
		tb.Fatalf("testutil: create sandbox: %v", err)
	}
	tb.Cleanup(func() { _ = os.RemoveAll(dir) })
	return &Sandbox{Root: dir}
}

// Path returns the absolute path for name inside the sandbox.
func (s *Sandbox) Path(name string) string {
	return filepath.Join(s.Root, name)
}

// WriteFile writes data to the named file inside the sandbox, failing the
// test on error.
func (s *Sandbox) WriteFile(tb testing.TB, name string, data []byte) {
	tb.Helper()
	if err := os.WriteFile(s.Path(name), data, 0o600); err != nil {
		tb.Fatalf("testutil: write %s: %v", name, err)
	}
}

// ReadFile reads the named file inside the sandbox, failing the test on
// error.
func (s *Sandbox) ReadFile(tb testing.TB, name string) []byte {
	tb.Helper()
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		tb.Fatalf("testutil: read %s: %v", name, err)
	}
	return data
}
