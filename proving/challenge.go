package proving

import (
	"encoding/binary"
	"math/bits"
	"sort"

	"github.com/spacemeshos/sha256-simd"

	"github.com/archivechain/poa/shared"
)

var seedDomain = []byte("poa/challenge-seed")

// ChallengeSeed derives the storage challenge of an epoch from the hash of the
// last finalized block before it. It cannot be known before that block exists.
func ChallengeSeed(prevFinalized shared.Hash, epoch shared.Epoch) shared.Hash {
	return shared.Sum(seedDomain, prevFinalized[:], shared.Uint64Bytes(uint64(epoch)))
}

// DrawChallengeIndices returns the sorted chunk indices node must prove for
// archiveID under seed: numSamples distinct indices uniformly distributed in
// the range 0-(numChunks-1). Every node gets its own sample, so an opening
// published by one node does not answer the challenge of another.
//
// The minimal number of bits required to represent a number in the target range is taken from a hash of the seed,
// the archive id, the node id and a running counter. Numbers outside the range are discarded and redrawn with a
// higher counter. When the archive has no more than numSamples chunks, all of them are sampled.
func DrawChallengeIndices(seed shared.Hash, archiveID shared.ArchiveID, node shared.NodeID, numChunks uint64, numSamples uint) []uint64 {
	if numChunks == 0 {
		return nil
	}
	if numChunks <= uint64(numSamples) {
		all := make([]uint64, numChunks)
		for i := range all {
			all[i] = uint64(i)
		}
		return all
	}

	bitsRequiredForIndex := uint(bits.Len64(numChunks - 1))
	indexMask := (uint64(1) << bitsRequiredForIndex) - 1

	msg := make([]byte, 0, len(seed)+len(archiveID)+len(node)+8)
	msg = append(msg, seed[:]...)
	msg = append(msg, archiveID[:]...)
	msg = append(msg, node[:]...)
	msg = append(msg, make([]byte, 8)...)
	counter := msg[len(msg)-8:]

	drawn := make(map[uint64]struct{}, numSamples)
	indices := make([]uint64, 0, numSamples)
	for i := uint64(0); len(indices) < int(numSamples); i++ {
		binary.LittleEndian.PutUint64(counter, i)
		result := sha256.Sum256(msg)
		masked := binary.LittleEndian.Uint64(result[:]) & indexMask
		if masked > numChunks-1 {
			continue
		}
		if _, ok := drawn[masked]; ok {
			continue
		}
		drawn[masked] = struct{}{}
		indices = append(indices, masked)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// ComputeDigest binds the sampled chunks and their merkle proof nodes to the
// challenge and to the prover. Chunks must be ordered as indices. Since the
// digest is signed, the whole opening is attributable to the prover.
func ComputeDigest(seed shared.Hash, archiveID shared.ArchiveID, node shared.NodeID, indices []uint64, chunks, proofNodes [][]byte) shared.Hash {
	h := sha256.New()
	h.Write(seed[:])
	h.Write(archiveID[:])
	h.Write(node[:])
	for i, idx := range indices {
		h.Write(shared.Uint64Bytes(idx))
		h.Write(shared.Uint64Bytes(uint64(len(chunks[i]))))
		h.Write(chunks[i])
	}
	for _, n := range proofNodes {
		h.Write(n)
	}
	var out shared.Hash
	h.Sum(out[:0])
	return out
}
