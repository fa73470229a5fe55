package indexer

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSourceBusy is returned when a run for the same source is already in
// progress in this process.
var ErrSourceBusy = errors.New("source is already being indexed")

// IndexLock provides non-blocking lock semantics using atomic operations.
type IndexLock struct {
	state atomic.Int32 // 0 = unlocked, 1 = locked
}

// TryAcquire attempts to acquire the lock without blocking.
// Returns true if the lock was successfully acquired, false otherwise.
func (l *IndexLock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release releases the lock.
// Must only be called by the goroutine that successfully acquired the lock.
func (l *IndexLock) Release() {
	l.state.Store(0)
}

// sourceLocks holds one IndexLock per source id.
type sourceLocks struct {
	locks sync.Map // int64 -> *IndexLock
}

func (s *sourceLocks) TryAcquire(sourceID int64) bool {
	l, _ := s.locks.LoadOrStore(sourceID, &IndexLock{})
	return l.(*IndexLock).TryAcquire()
}

func (s *sourceLocks) Release(sourceID int64) {
	if l, ok := s.locks.Load(sourceID); ok {
		l.(*IndexLock).Release()
	}
}
