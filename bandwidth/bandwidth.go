// Package bandwidth attests archive transfers between two nodes. A proof is
// only valid with signatures of both the serving node and the receiving peer,
// so neither side can report traffic alone.
package bandwidth

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/archivechain/poa/shared"
)

var (
	ErrSignerMismatch = errors.New("signer does not match proof party")
)

// Sign adds the serving node's signature.
func Sign(p *shared.BandwidthProof, node *shared.Signer) error {
	if node.NodeID() != p.NodeID {
		return fmt.Errorf("%w: node %v, signer %v", ErrSignerMismatch, p.NodeID, node.NodeID())
	}
	p.NodeSignature = node.Sign(p.SignedBytes())
	return nil
}

// CoSign adds the receiving peer's signature.
func CoSign(p *shared.BandwidthProof, peer *shared.Signer) error {
	if peer.NodeID() != p.PeerID {
		return fmt.Errorf("%w: peer %v, signer %v", ErrSignerMismatch, p.PeerID, peer.NodeID())
	}
	p.PeerSignature = peer.Sign(p.SignedBytes())
	return nil
}

var assignDomain = []byte("poa/bandwidth-peers")

// AssignPeers draws the n peers node must serve during the epoch of seed.
// The draw ranks every other candidate by sha256(seed || node || candidate),
// so a node cannot pick a colluding partner.
func AssignPeers(seed shared.Hash, node shared.NodeID, candidates []shared.NodeID, n int) []shared.NodeID {
	type ranked struct {
		id   shared.NodeID
		rank shared.Hash
	}
	seen := make(map[shared.NodeID]bool, len(candidates))
	pool := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		if c == node || seen[c] {
			continue
		}
		seen[c] = true
		pool = append(pool, ranked{id: c, rank: shared.Sum(assignDomain, seed[:], node[:], c[:])})
	}
	sort.Slice(pool, func(i, j int) bool {
		if cmp := bytes.Compare(pool[i].rank[:], pool[j].rank[:]); cmp != 0 {
			return cmp < 0
		}
		return pool[i].id.Less(pool[j].id)
	})
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]shared.NodeID, n)
	for i := range out {
		out[i] = pool[i].id
	}
	return out
}
