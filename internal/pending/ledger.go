package pending

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// ErrLockUnavailable is returned when the ledger lock could not be acquired
// within the configured retries. The ledger is left untouched.
var ErrLockUnavailable = errors.New("ledger lock unavailable")

// LockOptions bound the wait for the ledger lock.
type LockOptions struct {
	Retries int
	Backoff time.Duration
}

// Ledger is the single owner of the pending file. Every read-modify-write
// runs under an in-process mutex and an advisory lock on <path>.lock, and
// every write replaces the file atomically.
type Ledger struct {
	path string
	opts LockOptions

	mu   sync.Mutex
	lock *flock.Flock
}

// Open returns a Ledger backed by path. The file is created on first write.
func Open(path string, opts LockOptions) *Ledger {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	return &Ledger{path: path, opts: opts, lock: flock.New(path + ".lock")}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

func (l *Ledger) withLock(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	delay := l.opts.Backoff
	for attempt := 0; ; attempt++ {
		ok, err := l.lock.TryLock()
		if err != nil {
			return fmt.Errorf("lock %s: %w", l.path, err)
		}
		if ok {
			break
		}
		if attempt >= l.opts.Retries {
			return fmt.Errorf("%w after %d attempts", ErrLockUnavailable, attempt+1)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	defer l.lock.Unlock()
	return fn()
}

func (l *Ledger) read() ([]Entry, []error, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return Decode(bytes.NewReader(b))
}

func (l *Ledger) write(entries []Entry) error {
	var buf bytes.Buffer
	if err := Encode(&buf, entries); err != nil {
		return err
	}
	return atomic.WriteFile(l.path, &buf)
}

// Read returns a snapshot of the ledger. Corrupt rows are reported and
// skipped.
func (l *Ledger) Read() ([]Entry, []error, error) {
	return l.read()
}

// Append adds e, replacing an existing row for the same frame. Corrupt rows
// found while rewriting are returned and not written back.
func (l *Ledger) Append(ctx context.Context, e Entry) ([]error, error) {
	var corrupt []error
	err := l.withLock(ctx, func() error {
		entries, bad, err := l.read()
		if err != nil {
			return err
		}
		corrupt = bad
		replaced := false
		for i := range entries {
			if entries[i].Frame == e.Frame {
				entries[i] = e
				replaced = true
			}
		}
		if !replaced {
			entries = append(entries, e)
		}
		return l.write(entries)
	})
	return corrupt, err
}

// Update rewrites the ledger with fn's result under the lock. fn receives the
// current rows; corrupt rows are reported and not written back.
func (l *Ledger) Update(ctx context.Context, fn func(current []Entry) []Entry) ([]error, error) {
	var corrupt []error
	err := l.withLock(ctx, func() error {
		entries, bad, err := l.read()
		if err != nil {
			return err
		}
		corrupt = bad
		return l.write(fn(entries))
	})
	return corrupt, err
}
