package consensus

import (
	"sync"

	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
)

type proposalKey struct {
	proposer shared.NodeID
	height   shared.Height
}

// Detector remembers the first block every proposer signed at a height and
// turns a second, different one into equivocation evidence.
type Detector struct {
	reporter shared.NodeID

	mu   sync.Mutex
	seen map[proposalKey]slashing.SignedProposal
}

func NewDetector(reporter shared.NodeID) *Detector {
	return &Detector{reporter: reporter, seen: make(map[proposalKey]slashing.SignedProposal)}
}

// Check records p and returns evidence if its proposer already signed another
// block at the same height. p must have a verified signature.
func (d *Detector) Check(p *Proposal) *slashing.Evidence {
	return d.record(p.Block.Proposer, p.Signed())
}

// Observe is Check for a signed proposal relayed in a vote. A proposal whose
// signature does not verify is ignored.
func (d *Detector) Observe(proposer shared.NodeID, sp slashing.SignedProposal) *slashing.Evidence {
	if !shared.Verify(proposer, shared.ProposalSignedBytes(sp.Height, sp.BlockHash), sp.Signature) {
		return nil
	}
	return d.record(proposer, sp)
}

func (d *Detector) record(proposer shared.NodeID, sp slashing.SignedProposal) *slashing.Evidence {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := proposalKey{proposer, sp.Height}
	first, ok := d.seen[k]
	if !ok {
		d.seen[k] = sp
		return nil
	}
	if first.BlockHash == sp.BlockHash {
		return nil
	}
	ev := slashing.NewEquivocation(proposer, d.reporter, first, sp)
	return &ev
}

// Prune forgets every height before the given one.
func (d *Detector) Prune(before shared.Height) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.seen {
		if k.height < before {
			delete(d.seen, k)
		}
	}
}
