package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// LockRetryDelay is the polling interval while waiting on a file lock.
var LockRetryDelay = 5 * time.Millisecond

// localLocks hands out process-local locks by name.
type localLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLocalLocks() *localLocks {
	return &localLocks{locks: make(map[string]chan struct{})}
}

func (l *localLocks) get(name string) Locker {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, found := l.locks[name]
	if !found {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	return chanLock(ch)
}

type chanLock chan struct{}

func (c chanLock) Lock(ctx context.Context) error {
	select {
	case c <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c chanLock) Unlock() error {
	select {
	case <-c:
		return nil
	default:
		return fmt.Errorf("unlock of unlocked lock")
	}
}

// fileLock is a cross-process lock backed by flock(2) on a file in the store directory.
// Goroutines of the same process are serialized by a local lock first since flock gives
// no ordering between them.
type fileLock struct {
	local Locker
	path  string

	mu sync.Mutex
	fl *flock.Flock
}

func lockFileName(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name) + ".lock"
}

func newFileLock(local Locker, dir, name string) *fileLock {
	return &fileLock{local: local, path: filepath.Join(dir, lockFileName(name))}
}

func (f *fileLock) Lock(ctx context.Context) error {
	if err := f.local.Lock(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		f.local.Unlock()
		return err
	}
	fl := flock.New(f.path)
	locked, err := fl.TryLockContext(ctx, LockRetryDelay)
	if err == nil && !locked {
		err = fmt.Errorf("lock %s not acquired", f.path)
	}
	if err != nil {
		f.local.Unlock()
		return err
	}
	f.mu.Lock()
	f.fl = fl
	f.mu.Unlock()
	return nil
}

func (f *fileLock) Unlock() error {
	f.mu.Lock()
	fl := f.fl
	f.fl = nil
	f.mu.Unlock()
	if fl == nil {
		return fmt.Errorf("unlock of unlocked lock %s", f.path)
	}
	err := fl.Unlock()
	if lerr := f.local.Unlock(); err == nil {
		err = lerr
	}
	return err
}
