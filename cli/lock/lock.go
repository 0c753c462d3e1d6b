// Package lock provides the advisory inter-process lock that serializes
// access to the EC: at most one process may hold the transport open at a
// time. Within one process the lock is reentrant.
package lock

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/juju/errors"
	flock "github.com/theckman/go-flock"

	"github.com/mcu-tools/ecflash/cli/ec"
)

const (
	DefaultPath = "/run/lock/ec_flash.lock"

	retryInterval = 200 * time.Millisecond
)

// FileLock implements ec.AdvisoryLock on top of a lock file.
type FileLock struct {
	mu    sync.Mutex
	fl    *flock.Flock
	depth int
}

func New(path string) *FileLock {
	if path == "" {
		path = DefaultPath
	}
	return &FileLock{fl: flock.NewFlock(path)}
}

// Acquire takes the lock, retrying for up to timeout if another process
// holds it. A second acquire from the same process succeeds immediately
// with LockAlreadyHeld.
func (l *FileLock) Acquire(timeout time.Duration) (ec.LockStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth > 0 {
		l.depth++
		return ec.LockAlreadyHeld, nil
	}
	try := func() error {
		ok, err := l.fl.TryLock()
		if err != nil {
			return backoff.Permanent(errors.Trace(err))
		}
		if !ok {
			return errors.Errorf("lock %s is held by another process", l.fl.Path())
		}
		return nil
	}
	bo := backoff.NewConstantBackOff(retryInterval)
	if err := backoff.Retry(try, newTimeoutBackOff(bo, timeout)); err != nil {
		glog.Errorf("failed to take %s: %s", l.fl.Path(), err)
		return ec.LockFailed, errors.Trace(err)
	}
	l.depth = 1
	return ec.LockAcquired, nil
}

// Release drops one acquisition; the file lock itself is released when the
// last one goes.
func (l *FileLock) Release() (ec.ReleaseStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 {
		return ec.LockNotHeld, nil
	}
	l.depth--
	if l.depth > 0 {
		return ec.LockReleased, nil
	}
	if err := l.fl.Unlock(); err != nil {
		return ec.LockNotHeld, errors.Trace(err)
	}
	return ec.LockReleased, nil
}

// newTimeoutBackOff bounds bo to an overall deadline.
func newTimeoutBackOff(bo backoff.BackOff, timeout time.Duration) backoff.BackOff {
	return &timeoutBackOff{bo: bo, deadline: time.Now().Add(timeout)}
}

type timeoutBackOff struct {
	bo       backoff.BackOff
	deadline time.Time
}

func (t *timeoutBackOff) NextBackOff() time.Duration {
	if time.Now().After(t.deadline) {
		return backoff.Stop
	}
	return t.bo.NextBackOff()
}

func (t *timeoutBackOff) Reset() { t.bo.Reset() }
