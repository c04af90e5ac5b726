package limiter

import (
	"strings"
	"sync"
)

// Inflight caps concurrent work per key within this process. Synchronous
// HTTP operations use it so a burst of uploads cannot rasterize more
// documents at once than the box can hold in memory.
type Inflight struct {
	max int
	mu  sync.Mutex
	sem map[string]chan struct{}
}

func New(maxInflight int) *Inflight {
	if maxInflight <= 0 {
		maxInflight = 2
	}
	return &Inflight{max: maxInflight, sem: map[string]chan struct{}{}}
}

// Allow tries to reserve a slot for key.
// Returns a release function and true if allowed; otherwise a no-op and false.
func (a *Inflight) Allow(key string) (func(), bool) {
	key = strings.ToLower(key)
	a.mu.Lock()
	ch, ok := a.sem[key]
	if !ok {
		ch = make(chan struct{}, a.max)
		a.sem[key] = ch
	}
	a.mu.Unlock()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return func() {}, false
	}
}

// InUse reports how many slots key holds right now.
func (a *Inflight) InUse(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sem[strings.ToLower(key)])
}
