package persistence

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/nullstyle/go-xdr/xdr3"

	"github.com/archivechain/poa/shared"
)

// SaveCommitment atomically persists the commitment next to the archive data.
// An archive is complete once its commitment file exists.
func SaveCommitment(datadir string, c *shared.Commitment) error {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, c); err != nil {
		return fmt.Errorf("serialization failure: %v", err)
	}
	if err := os.MkdirAll(ArchiveDir(datadir, c.ArchiveID), shared.OwnerReadWriteExec); err != nil {
		return fmt.Errorf("dir creation failure: %v", err)
	}
	if err := atomic.WriteFile(MetadataFilename(datadir, c.ArchiveID), &w); err != nil {
		return fmt.Errorf("write commitment: %w", err)
	}
	return nil
}

func LoadCommitment(datadir string, id shared.ArchiveID) (*shared.Commitment, error) {
	data, err := os.ReadFile(MetadataFilename(datadir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, shared.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("read commitment: %w", err)
	}

	c := &shared.Commitment{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), c); err != nil {
		return nil, fmt.Errorf("%w: commitment of %v: %v", shared.ErrMalformed, id, err)
	}
	if c.ArchiveID != id {
		return nil, shared.ConfigMismatchError{
			Param:    "ArchiveID",
			Expected: id.String(),
			Found:    c.ArchiveID.String(),
			DataDir:  datadir,
		}
	}
	return c, nil
}
