// Package consensus drives one block per height: a stake and quality
// weighted proposer attaches the proofs and evidence of the epoch, a
// committee re-verifies them and votes, and the finalized block settles
// rewards and penalties into a single ledger instruction set.
package consensus

import (
	"fmt"

	"github.com/archivechain/poa/shared"
	"github.com/archivechain/poa/slashing"
)

var (
	blockDomain = []byte("poa/block")
	voteDomain  = []byte("poa/vote")
)

// EpochOf returns the epoch whose proofs a block at height carries. There is
// one epoch per height.
func EpochOf(height shared.Height) shared.Epoch { return shared.Epoch(height) }

// HeightOf returns the height of the block carrying the proofs of epoch.
func HeightOf(epoch shared.Epoch) shared.Height { return shared.Height(epoch) }

// Block is a proposal body: the proof batch and the evidence of an epoch.
type Block struct {
	Height   shared.Height
	Epoch    shared.Epoch
	PrevHash shared.Hash
	Proposer shared.NodeID

	Batch    []shared.ProofEnvelope
	Evidence []slashing.Evidence
}

// Hash commits to every field of the block, including the digest of each
// attached proof and evidence.
func (b *Block) Hash() (shared.Hash, error) {
	parts := [][]byte{
		blockDomain,
		shared.Uint64Bytes(uint64(b.Height)),
		shared.Uint64Bytes(uint64(b.Epoch)),
		b.PrevHash[:],
		b.Proposer[:],
		shared.Uint64Bytes(uint64(len(b.Batch))),
	}
	for i, env := range b.Batch {
		d, err := env.Digest()
		if err != nil {
			return shared.Hash{}, fmt.Errorf("proof %d: %w", i, err)
		}
		parts = append(parts, d[:])
	}
	parts = append(parts, shared.Uint64Bytes(uint64(len(b.Evidence))))
	for i, ev := range b.Evidence {
		d, err := ev.Digest()
		if err != nil {
			return shared.Hash{}, fmt.Errorf("evidence %d: %w", i, err)
		}
		parts = append(parts, d[:])
	}
	return shared.Sum(parts...), nil
}

// Proposal is a block signed by its proposer for one attempt at its height.
// The signature covers the height and the block hash only: a proposer drawn
// again at a later attempt of the same height re-proposes the same block.
type Proposal struct {
	Attempt   uint32
	Block     *Block
	BlockHash shared.Hash
	Signature shared.Signature
}

// NewProposal hashes and signs block. The signer must be the proposer.
func NewProposal(block *Block, attempt uint32, signer *shared.Signer) (*Proposal, error) {
	if signer.NodeID() != block.Proposer {
		return nil, fmt.Errorf("signer %v is not the proposer %v", signer.NodeID(), block.Proposer)
	}
	hash, err := block.Hash()
	if err != nil {
		return nil, err
	}
	return &Proposal{
		Attempt:   attempt,
		Block:     block,
		BlockHash: hash,
		Signature: signer.Sign(shared.ProposalSignedBytes(block.Height, hash)),
	}, nil
}

// Verify checks the hash and the proposer signature.
func (p *Proposal) Verify() error {
	if p.Block == nil {
		return fmt.Errorf("%w: proposal without block", shared.ErrMalformed)
	}
	hash, err := p.Block.Hash()
	if err != nil {
		return err
	}
	if hash != p.BlockHash {
		return fmt.Errorf("%w: block hash mismatch", shared.ErrMalformed)
	}
	if !shared.Verify(p.Block.Proposer, shared.ProposalSignedBytes(p.Block.Height, p.BlockHash), p.Signature) {
		return fmt.Errorf("%w: bad proposer signature of %v", shared.ErrMalformed, p.Block.Proposer)
	}
	return nil
}

// Signed returns the part of the proposal equivocation evidence carries.
func (p *Proposal) Signed() slashing.SignedProposal {
	return slashing.SignedProposal{Height: p.Block.Height, BlockHash: p.BlockHash, Signature: p.Signature}
}

// Vote is a committee member's verdict on a proposed block. It carries the
// proposer's signature over the block, so that members shown different
// blocks learn of it from each other's votes.
type Vote struct {
	NodeID    shared.NodeID
	Height    shared.Height
	Attempt   uint32
	BlockHash shared.Hash
	Approve   bool
	Signature shared.Signature

	Proposer shared.NodeID
	Proposal slashing.SignedProposal
}

func (v *Vote) SignedBytes() []byte {
	approve := byte(0)
	if v.Approve {
		approve = 1
	}
	msg := make([]byte, 0, len(voteDomain)+8+4+shared.HashSize+1)
	msg = append(msg, voteDomain...)
	msg = append(msg, shared.Uint64Bytes(uint64(v.Height))...)
	msg = append(msg, byte(v.Attempt>>24), byte(v.Attempt>>16), byte(v.Attempt>>8), byte(v.Attempt))
	msg = append(msg, v.BlockHash[:]...)
	return append(msg, approve)
}

// NewVote returns a vote on p signed by signer.
func NewVote(signer *shared.Signer, p *Proposal, approve bool) *Vote {
	v := &Vote{
		NodeID:    signer.NodeID(),
		Height:    p.Block.Height,
		Attempt:   p.Attempt,
		BlockHash: p.BlockHash,
		Approve:   approve,
		Proposer:  p.Block.Proposer,
		Proposal:  p.Signed(),
	}
	v.Signature = signer.Sign(v.SignedBytes())
	return v
}

// VerifySignature checks the signature of the voter.
func (v *Vote) VerifySignature() bool {
	return shared.Verify(v.NodeID, v.SignedBytes(), v.Signature)
}
