package shared

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
)

const HashSize = 32

// Hash is a sha256 digest.
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// ShortString returns the first 5 bytes, hex-encoded, for log lines.
func (h Hash) ShortString() string { return hex.EncodeToString(h[:5]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// ArchiveID is the content-addressed identifier of an archived resource.
type ArchiveID Hash

func (a ArchiveID) String() string { return Hash(a).ShortString() }

func (a ArchiveID) Hex() string { return hex.EncodeToString(a[:]) }

func ParseArchiveID(s string) (ArchiveID, error) {
	var id ArchiveID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode archive id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid archive id length; expected: %d, given: %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NodeID is a participant's ed25519 public key.
type NodeID [32]byte

func (n NodeID) String() string { return hex.EncodeToString(n[:5]) }

func (n NodeID) Hex() string { return hex.EncodeToString(n[:]) }

func (n NodeID) Less(other NodeID) bool { return bytes.Compare(n[:], other[:]) < 0 }

func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode node id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid node id length; expected: %d, given: %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func SortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

type Epoch uint64

type Height uint64

// StakeRecord is owned by the token ledger and read-only here.
type StakeRecord struct {
	NodeID    NodeID
	Amount    uint64
	LockUntil Epoch
}

// ContentClass groups archives by the base reward they earn per proof.
type ContentClass uint8

const (
	ContentStandard ContentClass = iota
	ContentMedia
	ContentDataset
	ContentCritical
)

func (c ContentClass) String() string {
	switch c {
	case ContentStandard:
		return "standard"
	case ContentMedia:
		return "media"
	case ContentDataset:
		return "dataset"
	case ContentCritical:
		return "critical"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

func ParseContentClass(s string) (ContentClass, error) {
	for c := ContentStandard; c <= ContentCritical; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid content class; expected: standard, media, dataset or critical, given: %q", s)
}
