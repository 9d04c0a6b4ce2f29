// Package lock provides the short-lived mutual exclusion taken before an
// approval touches an action row.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Locker acquires a named lock without waiting. TryLock returns a release
// function and true when the lock was acquired, or false when another
// holder has it. The lock expires after ttl even if never released.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localHold
	now  func() time.Time
}

type localHold struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), now: time.Now}
}

// TryLock implements Locker.
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return nil, false, nil
	}
	token := newToken()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// Only the holder that set this token may delete it.
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}
	return release, true, nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

var _ Locker = (*LocalLocker)(nil)
