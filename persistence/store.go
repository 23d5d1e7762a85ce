// Package persistence is a file-backed reference storage engine: one
// directory per archive holding the raw bytes, the chunk hashes and the
// commitment. It answers commitment lookups and local range reads.
package persistence

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/archivechain/poa/shared"
)

type FileStore struct {
	datadir string
}

func NewFileStore(datadir string) *FileStore {
	return &FileStore{datadir: datadir}
}

func (s *FileStore) DataDir() string { return s.datadir }

func (s *FileStore) Commitment(_ context.Context, id shared.ArchiveID) (*shared.Commitment, error) {
	return LoadCommitment(s.datadir, id)
}

func (s *FileStore) Leaves(_ context.Context, id shared.ArchiveID) ([][]byte, error) {
	r, err := NewLeafReader(LeavesFilename(s.datadir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, shared.ErrArchiveNotFound
		}
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

func (s *FileStore) ReadRanges(ctx context.Context, id shared.ArchiveID, ranges []shared.Range) ([][]byte, error) {
	f, err := os.Open(DataFilename(s.datadir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, shared.ErrArchiveNotFound
		}
		return nil, err
	}
	defer f.Close()

	out := make([][]byte, len(ranges))
	for i, rng := range ranges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf := make([]byte, rng.Length)
		n, err := f.ReadAt(buf, int64(rng.Offset))
		if err != nil && !(err == io.EOF && n == len(buf)) {
			return nil, fmt.Errorf("read range [%d, %d) of %v: %w", rng.Offset, rng.Offset+rng.Length, id, err)
		}
		out[i] = buf
	}
	return out, nil
}

// Archives lists the archives whose commitment has been persisted.
func (s *FileStore) Archives() ([]shared.ArchiveID, error) {
	entries, err := os.ReadDir(filepath.Join(s.datadir, archivesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []shared.ArchiveID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := hex.DecodeString(e.Name())
		if err != nil || len(b) != shared.HashSize {
			continue
		}
		var id shared.ArchiveID
		copy(id[:], b)
		if _, err := os.Stat(MetadataFilename(s.datadir, id)); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove deletes an archive and its commitment.
func (s *FileStore) Remove(id shared.ArchiveID) error {
	return os.RemoveAll(ArchiveDir(s.datadir, id))
}
