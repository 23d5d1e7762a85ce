package persistence

import (
	"encoding/hex"
	"path/filepath"

	"github.com/archivechain/poa/shared"
)

const (
	archivesDir      = "archives"
	DataFileName     = "data.bin"
	LeavesFileName   = "leaves.bin"
	MetadataFileName = "commitment.xdr"
)

func ArchiveDir(datadir string, id shared.ArchiveID) string {
	return filepath.Join(datadir, archivesDir, hex.EncodeToString(id[:]))
}

func DataFilename(datadir string, id shared.ArchiveID) string {
	return filepath.Join(ArchiveDir(datadir, id), DataFileName)
}

func LeavesFilename(datadir string, id shared.ArchiveID) string {
	return filepath.Join(ArchiveDir(datadir, id), LeavesFileName)
}

func MetadataFilename(datadir string, id shared.ArchiveID) string {
	return filepath.Join(ArchiveDir(datadir, id), MetadataFileName)
}
