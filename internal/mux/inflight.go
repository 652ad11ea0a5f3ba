package mux

import "sync"

// inflightEntry coalesces concurrent sends that share an idempotency
// key: the owner dispatches once, joiners block on done and read the
// published result.
type inflightEntry struct {
	fingerprint string
	done        chan struct{}

	// Written by the owner before done is closed.
	status int
	body   []byte
}

type inflightKey struct {
	tenantID string
	key      string
}

type inflightMap struct {
	mu sync.Mutex
	m  map[inflightKey]*inflightEntry
}

func newInflightMap() *inflightMap {
	return &inflightMap{m: make(map[inflightKey]*inflightEntry)}
}

// begin returns the entry for (tenantID, key), creating it when absent.
// owner is true for the creator, which must later call finish.
func (f *inflightMap) begin(tenantID, key, fingerprint string) (entry *inflightEntry, owner bool) {
	k := inflightKey{tenantID, key}
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.m[k]; ok {
		return e, false
	}
	e := &inflightEntry{fingerprint: fingerprint, done: make(chan struct{})}
	f.m[k] = e
	return e, true
}

// finish publishes the result to joiners and removes the entry. The
// caller persists the idempotency row before calling finish so a
// duplicate arriving after removal finds the cached response.
func (f *inflightMap) finish(tenantID, key string, entry *inflightEntry, status int, body []byte) {
	entry.status = status
	entry.body = body
	f.mu.Lock()
	delete(f.m, inflightKey{tenantID, key})
	f.mu.Unlock()
	close(entry.done)
}
