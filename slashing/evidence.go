package slashing

import (
	"errors"
	"fmt"

	"github.com/archivechain/poa/shared"
)

// Reason is the violation a penalty is applied for. Higher reasons are
// higher tiers.
type Reason uint8

const (
	LowQuality Reason = iota + 1
	Equivocation
	ForgedProof
)

func (r Reason) String() string {
	switch r {
	case LowQuality:
		return "low-quality"
	case Equivocation:
		return "equivocation"
	case ForgedProof:
		return "forged-proof"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Tier is the severity tier, 1 to 3.
func (r Reason) Tier() int { return int(r) }

// SignedProposal is a proposer's signature over a block hash at a height.
type SignedProposal struct {
	Height    shared.Height
	BlockHash shared.Hash
	Signature shared.Signature
}

// Evidence of a violation by NodeID. Equivocation evidence carries the two
// conflicting proposals, forged proof evidence the offending proof. Low
// quality evidence is derived by every node from finalized data and carries
// nothing.
type Evidence struct {
	Reason   Reason
	NodeID   shared.NodeID
	Reporter shared.NodeID
	Epoch    shared.Epoch
	Height   shared.Height

	Proposals [2]SignedProposal
	Forged    *shared.ProofEnvelope
}

// TriggerLowQuality returns the evidence of a sustained low quality score.
func TriggerLowQuality(node shared.NodeID, epoch shared.Epoch) Evidence {
	return Evidence{Reason: LowQuality, NodeID: node, Epoch: epoch}
}

// NewEquivocation returns the evidence of node signing both a and b.
func NewEquivocation(node, reporter shared.NodeID, a, b SignedProposal) Evidence {
	return Evidence{Reason: Equivocation, NodeID: node, Reporter: reporter, Height: a.Height, Proposals: [2]SignedProposal{a, b}}
}

// NewForgedProof returns the evidence of a forged storage proof.
func NewForgedProof(reporter shared.NodeID, env shared.ProofEnvelope) Evidence {
	return Evidence{Reason: ForgedProof, NodeID: env.NodeID(), Reporter: reporter, Epoch: env.Epoch, Forged: &env}
}

// At returns the height of the violation. Proof epochs and heights share a
// clock, one epoch per height.
func (ev Evidence) At() shared.Height {
	if ev.Reason == Equivocation {
		return ev.Height
	}
	return shared.Height(ev.Epoch)
}

// Digest commits to the evidence; block hashes are built from it.
func (ev Evidence) Digest() (shared.Hash, error) {
	parts := [][]byte{
		{byte(ev.Reason)},
		ev.NodeID[:],
		ev.Reporter[:],
		shared.Uint64Bytes(uint64(ev.Epoch)),
		shared.Uint64Bytes(uint64(ev.Height)),
	}
	for _, p := range ev.Proposals {
		parts = append(parts, shared.Uint64Bytes(uint64(p.Height)), p.BlockHash[:], p.Signature[:])
	}
	if ev.Forged != nil {
		d, err := ev.Forged.Digest()
		if err != nil {
			return shared.Hash{}, err
		}
		parts = append(parts, d[:])
	}
	return shared.Sum(parts...), nil
}

// ForgedCheck re-verifies a proof envelope and returns its verdict.
type ForgedCheck func(env shared.ProofEnvelope) shared.Verdict

var ErrUnverifiable = errors.New("evidence cannot be verified")

// Verify checks that ev proves the violation it claims.
func (ev Evidence) Verify(check ForgedCheck) error {
	switch ev.Reason {
	case Equivocation:
		a, b := ev.Proposals[0], ev.Proposals[1]
		if a.Height != b.Height || a.Height != ev.Height {
			return fmt.Errorf("%w: proposals at heights %d and %d", shared.ErrMalformed, a.Height, b.Height)
		}
		if a.BlockHash == b.BlockHash {
			return fmt.Errorf("%w: proposals sign the same block", shared.ErrMalformed)
		}
		for _, p := range ev.Proposals {
			if !shared.Verify(ev.NodeID, shared.ProposalSignedBytes(p.Height, p.BlockHash), p.Signature) {
				return fmt.Errorf("%w: bad proposal signature of %v", shared.ErrMalformed, ev.NodeID)
			}
		}
		return nil
	case ForgedProof:
		if ev.Forged == nil || ev.Forged.Kind != shared.KindStorage {
			return fmt.Errorf("%w: missing forged storage proof", shared.ErrMalformed)
		}
		if ev.Forged.NodeID() != ev.NodeID {
			return fmt.Errorf("%w: proof of %v attributed to %v", shared.ErrMalformed, ev.Forged.NodeID(), ev.NodeID)
		}
		if check == nil {
			return ErrUnverifiable
		}
		if verdict := check(*ev.Forged); verdict != shared.Forged {
			return fmt.Errorf("%w: proof verdict is %v", shared.ErrMalformed, verdict)
		}
		return nil
	default:
		return fmt.Errorf("%w: %v evidence is derived, not reported", ErrUnverifiable, ev.Reason)
	}
}
