package indexer

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// recordKey is the natural key of a payment record.
type recordKey struct {
	TxHash   common.Hash
	LogIndex uint
}

// confirmationQueue tracks pending records waiting for the chain to reach
// their confirmation target height. Callbacks keyed here are idempotent, so
// duplicate scheduling of the same record is harmless.
type confirmationQueue struct {
	mu      sync.Mutex
	pending map[uint64][]recordKey // target height -> record keys
}

func newConfirmationQueue() *confirmationQueue {
	return &confirmationQueue{
		pending: make(map[uint64][]recordKey),
	}
}

// Schedule registers key to be checked once the chain reaches targetBlock.
func (q *confirmationQueue) Schedule(key recordKey, targetBlock uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[targetBlock] = append(q.pending[targetBlock], key)
}

// Due removes and returns every key whose target height is <= head.
func (q *confirmationQueue) Due(head uint64) []recordKey {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []recordKey
	for target, keys := range q.pending {
		if target <= head {
			due = append(due, keys...)
			delete(q.pending, target)
		}
	}
	return due
}

// Len returns the number of target heights with scheduled checks.
func (q *confirmationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
