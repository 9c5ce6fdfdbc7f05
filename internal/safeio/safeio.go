// Package safeio provides the atomic-replace, append-with-fsync, and
// advisory-lock primitives every other chibi core package builds on.
// Locking is implemented with gofrs/flock for single-writer
// coordination over a named lock file.
package safeio

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/chibi-run/chibi/internal/errs"
)

// AtomicReplace writes data to a temp file beside target, fsyncs it, then
// renames it over target. On any failure the temp file is removed and
// target is left untouched.
func AtomicReplace(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.Io, "safeio.AtomicReplace", "mkdir", err)
	}

	tmp, err := tempFile(dir)
	if err != nil {
		return errs.Wrap(errs.Io, "safeio.AtomicReplace", "create temp", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errs.Wrap(errs.Io, "safeio.AtomicReplace", "write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		return errs.Wrap(errs.Io, "safeio.AtomicReplace", "fsync temp", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Io, "safeio.AtomicReplace", "close temp", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return errs.Wrap(errs.Io, "safeio.AtomicReplace", "rename", err)
	}
	cleanup = false
	return nil
}

func tempFile(dir string) (*os.File, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, err
	}
	name := filepath.Join(dir, fmt.Sprintf(".tmp.%s", hex.EncodeToString(suffix[:])))
	return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
}

// AppendLines opens path for append, writes each line (newline-terminated
// already, e.g. from entry.Entry.Marshal), then fsyncs before returning.
func AppendLines(path string, lines ...[]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.Io, "safeio.AppendLines", "mkdir", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.Io, "safeio.AppendLines", "open", err)
	}
	defer f.Close()

	for _, line := range lines {
		if _, err := f.Write(line); err != nil {
			return errs.Wrap(errs.Io, "safeio.AppendLines", "write", err)
		}
	}
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.Io, "safeio.AppendLines", "fsync", err)
	}
	return nil
}

// Lock is a held advisory lock; release it on every exit path.
type Lock struct {
	fl *flock.Flock
}

// Acquire blocks until it holds an exclusive OS-level advisory lock on
// path. No deadlock prevention or timeout is applied — the
// lock hierarchy is acyclic by construction.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.Io, "safeio.Acquire", "mkdir", err)
	}
	fl := flock.New(path)
	if err := fl.Lock(); err != nil {
		return nil, errs.Wrap(errs.Conflict, "safeio.Acquire", "lock "+path, err)
	}
	return &Lock{fl: fl}, nil
}

// Release unlocks the lock. Safe to call from a defer on every exit path
// (normal, error, or panic via recover upstream).
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// WithLock acquires path, runs fn, and releases the lock regardless of
// how fn returns (including a panic, which is re-raised after release).
func WithLock(path string, fn func() error) (err error) {
	l, err := Acquire(path)
	if err != nil {
		return err
	}
	defer func() {
		relErr := l.Release()
		if err == nil {
			err = relErr
		}
	}()
	return fn()
}

// ReadAllLines reads path, tolerating its absence (returns nil, nil).
func ReadAllLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Io, "safeio.ReadAllLines", "open", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errs.Wrap(errs.Io, "safeio.ReadAllLines", "read", err)
	}
	return splitLines(data), nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
