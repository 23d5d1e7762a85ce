package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/archivechain/poa/shared"
)

var errUnavailable = errors.New("ledger unavailable")

type entryKey struct {
	height shared.Height
	node   shared.NodeID
}

// MemLedger is an in-memory TokenLedger. It only tracks totals.
type MemLedger struct {
	mu       sync.Mutex
	applied  map[entryKey]bool
	heights  map[shared.Height]bool
	credited map[shared.NodeID]uint64
	debited  map[shared.NodeID]uint64
	burned   uint64
	treasury uint64
	failures int
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		applied:  make(map[entryKey]bool),
		heights:  make(map[shared.Height]bool),
		credited: make(map[shared.NodeID]uint64),
		debited:  make(map[shared.NodeID]uint64),
	}
}

// FailNext makes the next n calls to Apply fail.
func (l *MemLedger) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

func (l *MemLedger) Apply(_ context.Context, set InstructionSet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failures > 0 {
		l.failures--
		return errUnavailable
	}
	for _, e := range set.Entries {
		k := entryKey{set.Height, e.NodeID}
		if l.applied[k] {
			continue
		}
		l.applied[k] = true
		l.credited[e.NodeID] += e.Credit
		l.debited[e.NodeID] += e.Debit
	}
	if !l.heights[set.Height] {
		l.heights[set.Height] = true
		l.burned += set.Burned
		l.treasury += set.Treasury
	}
	return nil
}

func (l *MemLedger) Credited(id shared.NodeID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credited[id]
}

func (l *MemLedger) Debited(id shared.NodeID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debited[id]
}

func (l *MemLedger) Burned() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.burned
}

func (l *MemLedger) Treasury() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.treasury
}

// Applied reports whether an instruction set of height was applied.
func (l *MemLedger) Applied(height shared.Height) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heights[height]
}
