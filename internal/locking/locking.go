// Package locking serializes work per session id. The local locker covers a
// single process; the Redis locker extends the critical section across
// replicas that share one store.
package locking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"sessionguard/internal/config"
)

var ErrLockTimeout = errors.New("timed out waiting for session lock")

type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned func
	// releases the key and is safe to call once.
	Lock(ctx context.Context, key string) (func(), error)
}

func New(cfg config.LockingConfig) (Locker, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(rdb, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported locking driver %q", cfg.Driver)
	}
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Local is a keyed mutex. Entries are dropped once no goroutine holds or
// waits on them, so idle sessions cost nothing.
type Local struct {
	mu    sync.Mutex
	items map[string]*entry
}

func NewLocal() *Local {
	return &Local{items: make(map[string]*entry)}
}

func (l *Local) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.items[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.items[key] = e
	}
	e.refs++
	return e
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.items, key)
	}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquire(key)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}, nil
}

// Len reports how many keys are currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
