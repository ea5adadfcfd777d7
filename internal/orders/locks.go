package orders

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedLocks serializes work per order id. Entries are dropped once no
// goroutine holds or waits on them.
type keyedLocks struct {
	entries *xsync.MapOf[string, *lockEntry]
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: xsync.NewMapOf[string, *lockEntry]()}
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	entry, _ := k.entries.Compute(key, func(e *lockEntry, loaded bool) (*lockEntry, bool) {
		if !loaded {
			e = &lockEntry{}
		}
		e.refs++
		return e, false
	})
	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.entries.Compute(key, func(e *lockEntry, loaded bool) (*lockEntry, bool) {
			if !loaded {
				return e, true
			}
			e.refs--
			return e, e.refs == 0
		})
	}
}

func (k *keyedLocks) size() int {
	return k.entries.Size()
}
