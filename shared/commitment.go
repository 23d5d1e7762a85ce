package shared

import "fmt"

// Commitment is fixed when an archive is created. Verifiers hold only this,
// never the archive bytes.
type Commitment struct {
	ArchiveID ArchiveID
	Root      Hash
	Size      uint64
	ChunkSize uint64
	NumChunks uint64
	Class     ContentClass
}

// ChunkRange returns the byte range of chunk idx.
func (c *Commitment) ChunkRange(idx uint64) (Range, error) {
	if idx >= c.NumChunks {
		return Range{}, fmt.Errorf("chunk index out of range; expected: < %d, given: %d", c.NumChunks, idx)
	}
	offset := idx * c.ChunkSize
	length := c.ChunkSize
	if offset+length > c.Size {
		length = c.Size - offset
	}
	return Range{Offset: offset, Length: length}, nil
}

// NumChunks returns how many chunkSize chunks cover size bytes.
func NumChunks(size, chunkSize uint64) uint64 {
	return (size + chunkSize - 1) / chunkSize
}

type Range struct {
	Offset uint64
	Length uint64
}
