package shared

import (
	"encoding/binary"

	"github.com/spacemeshos/sha256-simd"
)

// Sum hashes the concatenation of parts.
func Sum(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// GetSha256Parent is the merkle parent function: sha256(lChild || rChild).
func GetSha256Parent(lChild, rChild []byte) []byte {
	message := make([]byte, len(lChild)+len(rChild))
	copy(message, lChild)
	copy(message[len(lChild):], rChild)
	res := sha256.Sum256(message)
	return res[:]
}

func Uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
