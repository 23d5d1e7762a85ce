package oracle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivechain/poa/shared"
)

func TestBeacon(t *testing.T) {
	r := require.New(t)
	prev := shared.Sum([]byte("block"))

	b := Beacon(prev, 10, 0)
	r.Equal(b, Beacon(prev, 10, 0))
	r.NotEqual(b, Beacon(prev, 10, 1))
	r.NotEqual(b, Beacon(prev, 11, 0))
	r.NotEqual(b, Beacon(shared.Sum([]byte("other")), 10, 0))
}

func TestDraw(t *testing.T) {
	r := require.New(t)

	r.Zero(Draw(shared.Hash{}, 0))
	r.Zero(Draw(shared.Hash{}, 1))

	const n = 7
	counts := make([]int, n)
	prev := shared.Sum([]byte("block"))
	for h := shared.Height(0); h < 7000; h++ {
		v := Draw(Beacon(prev, h, 0), n)
		r.Less(v, uint64(n))
		counts[v]++
	}
	// Roughly uniform.
	for _, c := range counts {
		r.InDelta(1000, c, 150)
	}
}
