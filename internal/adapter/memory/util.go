package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

func copyData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// keyedMutex serialises holders of the same key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// userGates holds one reader/writer lock per user. Writers of a user's rows
// take it exclusively; ViewChanges takes it shared.
type userGates struct {
	mu    sync.Mutex
	gates map[string]*sync.RWMutex
}

func newUserGates() *userGates {
	return &userGates{gates: make(map[string]*sync.RWMutex)}
}

func (g *userGates) get(userID string) *sync.RWMutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.gates[userID]
	if !ok {
		l = &sync.RWMutex{}
		g.gates[userID] = l
	}
	return l
}

func (g *userGates) write(userID string) func() {
	l := g.get(userID)
	l.Lock()
	return l.Unlock
}

func (g *userGates) read(userID string) func() {
	l := g.get(userID)
	l.RLock()
	return l.RUnlock
}
