package ledger

import "sync"

// customerLocks serializes ledger mutations per customer. SQLite has no
// SELECT ... FOR UPDATE, so the row-level lock lives in-process; the engine
// is the single writer to the balance store.
type customerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newCustomerLocks() *customerLocks {
	return &customerLocks{locks: make(map[string]*sync.Mutex)}
}

func (c *customerLocks) lock(customerID string) func() {
	c.mu.Lock()
	l, ok := c.locks[customerID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[customerID] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}
