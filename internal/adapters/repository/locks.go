package repository

import (
	"sync"

	"github.com/eleven-am/weave/internal/domain"
)

// keyedLocks serializes commands per run id while leaving different runs
// fully parallel. Entries are lazily created and kept for the process
// lifetime; the map is bounded by active-run cardinality.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[domain.WorkflowRunID]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{
		locks: make(map[domain.WorkflowRunID]*sync.Mutex),
	}
}

func (k *keyedLocks) lockFor(runID domain.WorkflowRunID) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	lock, ok := k.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[runID] = lock
	}
	return lock
}

func (k *keyedLocks) withLock(runID domain.WorkflowRunID, fn func() error) error {
	lock := k.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}
