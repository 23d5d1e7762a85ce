// Package oracle derives the public randomness of a block height. Every node
// computes the same value from the previous block hash, and nobody can know it
// before that block is finalized.
package oracle

import (
	"encoding/binary"
	"math"

	"github.com/spacemeshos/sha256-simd"

	"github.com/archivechain/poa/shared"
)

var vrfDomain = []byte("poa-vrf")

// Beacon returns sha256("poa-vrf" || prevBlockHash || height || attempt).
// attempt is the position in the proposer skip list of the height.
func Beacon(prevBlockHash shared.Hash, height shared.Height, attempt uint32) shared.Hash {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], attempt)
	return shared.Sum(vrfDomain, prevBlockHash[:], shared.Uint64Bytes(uint64(height)), a[:])
}

// Draw maps beacon to a number uniformly distributed in the range 0-(n-1).
//
// A 64 bit number is taken from a hash of the beacon and a running counter.
// Numbers in the last incomplete multiple of n are discarded and redrawn with a
// higher counter, so no value is favoured.
func Draw(beacon shared.Hash, n uint64) uint64 {
	if n <= 1 {
		return 0
	}
	limit := math.MaxUint64 - math.MaxUint64%n

	msg := make([]byte, len(beacon)+8)
	copy(msg, beacon[:])
	counter := msg[len(beacon):]
	for i := uint64(0); ; i++ {
		binary.LittleEndian.PutUint64(counter, i)
		sum := sha256.Sum256(msg)
		v := binary.LittleEndian.Uint64(sum[:])
		if v < limit {
			return v % n
		}
	}
}
