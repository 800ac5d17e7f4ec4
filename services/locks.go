package services

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// stripedLock serializes work per key with a fixed set of mutexes.
// Two keys may share a stripe; distinct stripes never block each other.
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = 1
	}
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe of key and returns its unlock function.
func (l *stripedLock) lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
