package market

import "sync"

// lockEntry is one AgreementId's mutex plus a reference count so AgreementLock
// can evict idle entries instead of growing the map forever.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// AgreementLock serializes every local API call and peer callback touching a
// given AgreementId, while letting unrelated Agreements proceed concurrently.
// Entries are created lazily on first use and evicted once their last holder
// releases them.
type AgreementLock struct {
	mu      sync.Mutex
	entries map[AgreementId]*lockEntry
}

// NewAgreementLock constructs an empty AgreementLock.
func NewAgreementLock() *AgreementLock {
	return &AgreementLock{entries: make(map[AgreementId]*lockEntry)}
}

// Release unlocks the entry acquired for id and evicts it if no other caller
// is waiting on it.
type Release func()

// Lock blocks until the caller holds exclusive access to id, returning a
// Release to call when done. Safe to call concurrently for distinct ids.
func (l *AgreementLock) Lock(id AgreementId) Release {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &lockEntry{}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.entries, id)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports the number of ids currently tracked, for tests and diagnostics.
func (l *AgreementLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
