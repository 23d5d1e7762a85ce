// Package merkle builds archive commitments: a binary merkle tree over the
// hashes of an archive's fixed-size chunks, with partial-tree proofs for the
// chunks sampled by a storage challenge.
package merkle

import (
	"errors"
	"fmt"

	mt "github.com/spacemeshos/merkle-tree"

	"github.com/archivechain/poa/shared"
)

const NodeSize = mt.NodeSize

var leafDomain = []byte("poa/leaf")

// padLeaf completes single-chunk archives; the underlying validator does not
// accept trees of size 1.
var padLeaf = LeafHash(nil)

var ErrNoLeaves = errors.New("no leaves")

// LeafHash returns the merkle leaf of an archive chunk.
func LeafHash(chunk []byte) []byte {
	h := shared.Sum(leafDomain, chunk)
	return h[:]
}

// Builder accumulates leaves incrementally, e.g. while an archive is ingested.
type Builder struct {
	tree  *mt.Tree
	count uint64
}

func NewBuilder() (*Builder, error) {
	return newBuilder(nil)
}

func newBuilder(leavesToProve map[uint64]bool) (*Builder, error) {
	tb := mt.NewTreeBuilder().WithHashFunc(shared.GetSha256Parent)
	if leavesToProve != nil {
		tb = tb.WithLeavesToProve(leavesToProve)
	}
	tree, err := tb.Build()
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}
	return &Builder{tree: tree}, nil
}

func (b *Builder) AddLeaf(leaf []byte) error {
	if len(leaf) != NodeSize {
		return fmt.Errorf("invalid leaf size; expected: %d, given: %d", NodeSize, len(leaf))
	}
	if err := b.tree.AddLeaf(leaf); err != nil {
		return err
	}
	b.count++
	return nil
}

func (b *Builder) NumLeaves() uint64 { return b.count }

// Root finalizes the tree. No leaves may be added afterwards.
func (b *Builder) Root() ([]byte, error) {
	switch b.count {
	case 0:
		return nil, ErrNoLeaves
	case 1:
		if err := b.tree.AddLeaf(padLeaf); err != nil {
			return nil, err
		}
		b.count++
	}
	return b.tree.Root(), nil
}

// Commit returns the root over leaves.
func Commit(leaves [][]byte) ([]byte, error) {
	b, err := NewBuilder()
	if err != nil {
		return nil, err
	}
	for _, leaf := range leaves {
		if err := b.AddLeaf(leaf); err != nil {
			return nil, err
		}
	}
	return b.Root()
}

// Prove returns the root and the proof nodes connecting the leaves at indices
// to it.
func Prove(leaves [][]byte, indices []uint64) (root []byte, nodes [][]byte, err error) {
	toProve := make(map[uint64]bool, len(indices))
	for _, idx := range indices {
		if idx >= uint64(len(leaves)) {
			return nil, nil, fmt.Errorf("leaf index out of range; expected: < %d, given: %d", len(leaves), idx)
		}
		toProve[idx] = true
	}
	b, err := newBuilder(toProve)
	if err != nil {
		return nil, nil, err
	}
	for _, leaf := range leaves {
		if err := b.AddLeaf(leaf); err != nil {
			return nil, nil, err
		}
	}
	root, err = b.Root()
	if err != nil {
		return nil, nil, err
	}
	return root, b.tree.Proof(), nil
}

// Validate checks that provenLeaves, placed at the sorted indices, hash up to
// root together with nodes.
func Validate(indices []uint64, provenLeaves, nodes [][]byte, root []byte) (bool, error) {
	return mt.ValidatePartialTree(indices, provenLeaves, nodes, root, shared.GetSha256Parent)
}
