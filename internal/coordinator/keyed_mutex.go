// internal/coordinator/keyed_mutex.go
package coordinator

import (
	"sort"
	"sync"
)

// keyedMutex serializes operations per string key. Entries are created on
// first use and dropped once no goroutine holds or waits on them, so the
// map does not grow with the number of lobbies ever seen.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// lock acquires all named locks and returns a release func. Keys are
// acquired in sorted order so two operations locking the same pair of keys
// cannot deadlock each other. Keys must be distinct.
func (k *keyedMutex) lock(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	acquired := make([]*lockEntry, len(sorted))
	for i, key := range sorted {
		k.mu.Lock()
		e, ok := k.entries[key]
		if !ok {
			e = &lockEntry{}
			k.entries[key] = e
		}
		e.refs++
		k.mu.Unlock()

		e.mu.Lock()
		acquired[i] = e
	}

	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].mu.Unlock()

			k.mu.Lock()
			acquired[i].refs--
			if acquired[i].refs == 0 {
				delete(k.entries, sorted[i])
			}
			k.mu.Unlock()
		}
	}
}
