package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// ErrLockTimeout is returned when the lock could not be taken before the wait deadline.
var ErrLockTimeout = errors.New("lock_wait_timeout")

// Locker serializes consumption for a single account across callers.
type Locker interface {
	// Acquire blocks until the key is held or ctx is done. The returned release
	// func is safe to call more than once.
	Acquire(ctx context.Context, key string) (release func(), err error)
	Backend() string
}

// AccountKey is the lock key shared by every process consuming for one account.
func AccountKey(orgID snowflake.ID, userID string) string {
	return fmt.Sprintf("creditledger:account:%s:%s", orgID.String(), strings.TrimSpace(userID))
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*localSlot
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*localSlot)}
}

func (l *LocalLocker) Backend() string { return "local" }

func (l *LocalLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}

	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.unref(key, slot)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, slot)
		return nil, waitError(ctx)
	}
}

func (l *LocalLocker) unref(key string, slot *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

// waitError reports a deadline as ErrLockTimeout and keeps cancellation as is.
func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrLockTimeout, ctx.Err())
	}
	return ctx.Err()
}
