package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/archivechain/poa/merkle"
	"github.com/archivechain/poa/shared"
)

func TestMemStore(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	s := NewMemStore()
	data := []byte("0123456789abcdefghij")
	c, err := s.Put(data, 8, shared.ContentMedia)
	r.NoError(err)
	r.Equal(uint64(3), c.NumChunks)
	r.Equal(shared.ArchiveID(shared.Sum(data)), c.ArchiveID)

	leaves, err := s.Leaves(ctx, c.ArchiveID)
	r.NoError(err)
	root, err := merkle.Commit(leaves)
	r.NoError(err)
	r.Equal(c.Root[:], root)

	rng, err := c.ChunkRange(2)
	r.NoError(err)
	r.Equal(shared.Range{Offset: 16, Length: 4}, rng)
	_, err = c.ChunkRange(3)
	r.Error(err)

	out, err := s.ReadRanges(ctx, c.ArchiveID, []shared.Range{rng})
	r.NoError(err)
	r.Equal([]byte("ghij"), out[0])

	_, err = s.ReadRanges(ctx, c.ArchiveID, []shared.Range{{Offset: 18, Length: 4}})
	r.Error(err)

	r.NoError(s.Corrupt(c.ArchiveID, 16))
	out, err = s.ReadRanges(ctx, c.ArchiveID, []shared.Range{rng})
	r.NoError(err)
	r.NotEqual([]byte("ghij"), out[0])

	_, err = s.Commitment(ctx, shared.ArchiveID{})
	r.ErrorIs(err, shared.ErrArchiveNotFound)

	_, err = s.Put(nil, 8, shared.ContentMedia)
	r.Error(err)
}

func TestCommitmentRoundTrip(t *testing.T) {
	r := require.New(t)
	datadir := t.TempDir()

	c, err := NewMemStore().Put([]byte("archive"), 64, shared.ContentCritical)
	r.NoError(err)

	_, err = LoadCommitment(datadir, c.ArchiveID)
	r.ErrorIs(err, shared.ErrArchiveNotFound)

	r.NoError(SaveCommitment(datadir, c))

	loaded, err := LoadCommitment(datadir, c.ArchiveID)
	r.NoError(err)
	r.Equal(c, loaded)

	ids, err := NewFileStore(datadir).Archives()
	r.NoError(err)
	r.Equal([]shared.ArchiveID{c.ArchiveID}, ids)

	r.NoError(NewFileStore(datadir).Remove(c.ArchiveID))
	_, err = LoadCommitment(datadir, c.ArchiveID)
	r.ErrorIs(err, shared.ErrArchiveNotFound)
}
