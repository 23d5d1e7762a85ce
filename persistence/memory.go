package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/archivechain/poa/merkle"
	"github.com/archivechain/poa/shared"
)

// MemStore keeps archives in memory.
type MemStore struct {
	mu       sync.RWMutex
	archives map[shared.ArchiveID]*memArchive
}

type memArchive struct {
	data       []byte
	leaves     [][]byte
	commitment shared.Commitment
}

func NewMemStore() *MemStore {
	return &MemStore{archives: make(map[shared.ArchiveID]*memArchive)}
}

// Put stores data as a new archive, content-addressed by its sha256.
func (s *MemStore) Put(data []byte, chunkSize uint64, class shared.ContentClass) (*shared.Commitment, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty archive")
	}
	if chunkSize == 0 {
		return nil, fmt.Errorf("invalid chunk size; expected: > 0, given: 0")
	}

	id := shared.ArchiveID(shared.Sum(data))
	numChunks := shared.NumChunks(uint64(len(data)), chunkSize)
	leaves := make([][]byte, numChunks)
	for i := uint64(0); i < numChunks; i++ {
		end := (i + 1) * chunkSize
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		leaves[i] = merkle.LeafHash(data[i*chunkSize : end])
	}
	root, err := merkle.Commit(leaves)
	if err != nil {
		return nil, err
	}

	a := &memArchive{
		data:   append([]byte(nil), data...),
		leaves: leaves,
		commitment: shared.Commitment{
			ArchiveID: id,
			Size:      uint64(len(data)),
			ChunkSize: chunkSize,
			NumChunks: numChunks,
			Class:     class,
		},
	}
	copy(a.commitment.Root[:], root)

	s.mu.Lock()
	s.archives[id] = a
	s.mu.Unlock()

	c := a.commitment
	return &c, nil
}

func (s *MemStore) get(id shared.ArchiveID) (*memArchive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.archives[id]
	if !ok {
		return nil, shared.ErrArchiveNotFound
	}
	return a, nil
}

func (s *MemStore) Commitment(_ context.Context, id shared.ArchiveID) (*shared.Commitment, error) {
	a, err := s.get(id)
	if err != nil {
		return nil, err
	}
	c := a.commitment
	return &c, nil
}

func (s *MemStore) Leaves(_ context.Context, id shared.ArchiveID) ([][]byte, error) {
	a, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return a.leaves, nil
}

func (s *MemStore) ReadRanges(_ context.Context, id shared.ArchiveID, ranges []shared.Range) ([][]byte, error) {
	a, err := s.get(id)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(ranges))
	for i, rng := range ranges {
		if rng.Offset+rng.Length > uint64(len(a.data)) {
			return nil, fmt.Errorf("range [%d, %d) beyond archive size %d", rng.Offset, rng.Offset+rng.Length, len(a.data))
		}
		out[i] = append([]byte(nil), a.data[rng.Offset:rng.Offset+rng.Length]...)
	}
	return out, nil
}

// Corrupt flips a byte of the stored archive, simulating silent data loss.
func (s *MemStore) Corrupt(id shared.ArchiveID, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.archives[id]
	if !ok {
		return shared.ErrArchiveNotFound
	}
	if offset >= uint64(len(a.data)) {
		return fmt.Errorf("offset %d beyond archive size %d", offset, len(a.data))
	}
	a.data[offset] ^= 0xff
	return nil
}
