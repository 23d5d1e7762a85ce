// Package ledger builds the token movements of a finalized block and hands
// them to the external token ledger as one instruction set.
package ledger

import (
	"context"
	"sort"

	"github.com/archivechain/poa/rewards"
	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
)

// Entry is the net movement of one node at one height. The token ledger
// applies an entry once per (height, node).
type Entry struct {
	NodeID shared.NodeID
	Credit uint64
	Debit  uint64
}

// BandwidthCredit is the bandwidth reward of a node.
type BandwidthCredit struct {
	NodeID shared.NodeID
	Bytes  uint64
	Amount uint64
}

// CustodyCredit is the monthly custody reward of a node.
type CustodyCredit struct {
	NodeID      shared.NodeID
	StoredBytes uint64
	Amount      uint64
}

// InstructionSet is everything a finalized block moves. It is applied
// atomically, or not at all.
type InstructionSet struct {
	Height    shared.Height
	BlockHash shared.Hash

	Rewards   []rewards.Record
	Bandwidth []BandwidthCredit
	Custody   []CustodyCredit
	Slashes   []slashing.Event

	Entries  []Entry
	Burned   uint64
	Treasury uint64
}

// Build aggregates the rewards and penalties of a block into per-node
// entries, ordered by node.
func Build(height shared.Height, blockHash shared.Hash, records []rewards.Record, bw []BandwidthCredit, custody []CustodyCredit, events []slashing.Event) InstructionSet {
	set := InstructionSet{
		Height:    height,
		BlockHash: blockHash,
		Rewards:   records,
		Bandwidth: bw,
		Custody:   custody,
		Slashes:   events,
	}

	entries := make(map[shared.NodeID]*Entry)
	entry := func(id shared.NodeID) *Entry {
		e, ok := entries[id]
		if !ok {
			e = &Entry{NodeID: id}
			entries[id] = e
		}
		return e
	}
	for _, r := range records {
		entry(r.NodeID).Credit += r.Total
	}
	for _, b := range bw {
		entry(b.NodeID).Credit += b.Amount
	}
	for _, c := range custody {
		entry(c.NodeID).Credit += c.Amount
	}
	for _, ev := range events {
		entry(ev.NodeID).Debit += ev.Penalty
		for _, rep := range ev.Reporters {
			entry(rep).Credit += ev.PerReporter
		}
		set.Burned += ev.BurnShare
		set.Treasury += ev.TreasuryShare
	}

	set.Entries = make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Credit == 0 && e.Debit == 0 {
			continue
		}
		set.Entries = append(set.Entries, *e)
	}
	sort.Slice(set.Entries, func(i, j int) bool { return set.Entries[i].NodeID.Less(set.Entries[j].NodeID) })
	return set
}

// TokenLedger is the external ledger. Apply must be idempotent by
// (height, node) so that retries never apply an entry twice.
type TokenLedger interface {
	Apply(ctx context.Context, set InstructionSet) error
}
