package shared

import (
	"bytes"
	"fmt"

	"github.com/nullstyle/go-xdr/xdr3"
)

// StorageProofWireSize is the fixed encoded size of a StorageProof:
// archive id 32, node id 32, epoch 8, seed 32, digest 32, signature 64.
const StorageProofWireSize = 200

var (
	storageProofDomain   = []byte("poa/storage-proof")
	bandwidthProofDomain = []byte("poa/bandwidth-proof")
)

type StorageProof struct {
	ArchiveID     ArchiveID
	NodeID        NodeID
	Epoch         Epoch
	ChallengeSeed Hash
	Digest        Hash
	Signature     Signature
}

// SignedBytes is the message covered by the node signature.
func (p *StorageProof) SignedBytes() []byte {
	msg := make([]byte, 0, len(storageProofDomain)+StorageProofWireSize-SignatureSize)
	msg = append(msg, storageProofDomain...)
	msg = append(msg, p.ArchiveID[:]...)
	msg = append(msg, p.NodeID[:]...)
	msg = append(msg, Uint64Bytes(uint64(p.Epoch))...)
	msg = append(msg, p.ChallengeSeed[:]...)
	msg = append(msg, p.Digest[:]...)
	return msg
}

func (p *StorageProof) Encode() ([]byte, error) {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, p); err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return w.Bytes(), nil
}

func DecodeStorageProof(data []byte) (*StorageProof, error) {
	if len(data) != StorageProofWireSize {
		return nil, fmt.Errorf("%w: storage proof size; expected: %d, given: %d", ErrMalformed, StorageProofWireSize, len(data))
	}
	p := &StorageProof{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

// Opening is the witness that travels with a StorageProof: the sampled chunks
// (ordered by leaf index) and the merkle proof nodes connecting them to the
// archive commitment.
type Opening struct {
	Chunks     [][]byte
	ProofNodes [][]byte
}

func (o *Opening) Encode() ([]byte, error) {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, o); err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return w.Bytes(), nil
}

func DecodeOpening(data []byte) (*Opening, error) {
	o := &Opening{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), o); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return o, nil
}

// BandwidthProof attests that NodeID served BytesTransferred bytes of
// ArchiveID to PeerID during [WindowStart, WindowEnd) (unix seconds), and
// claims the transfer for Epoch.
type BandwidthProof struct {
	NodeID           NodeID
	PeerID           NodeID
	ArchiveID        ArchiveID
	Epoch            Epoch
	BytesTransferred uint64
	WindowStart      uint64
	WindowEnd        uint64
	PeerSignature    Signature
	NodeSignature    Signature
}

// SignedBytes is the message both parties sign.
func (p *BandwidthProof) SignedBytes() []byte {
	msg := make([]byte, 0, len(bandwidthProofDomain)+32*3+8*4)
	msg = append(msg, bandwidthProofDomain...)
	msg = append(msg, p.NodeID[:]...)
	msg = append(msg, p.PeerID[:]...)
	msg = append(msg, p.ArchiveID[:]...)
	msg = append(msg, Uint64Bytes(uint64(p.Epoch))...)
	msg = append(msg, Uint64Bytes(p.BytesTransferred)...)
	msg = append(msg, Uint64Bytes(p.WindowStart)...)
	msg = append(msg, Uint64Bytes(p.WindowEnd)...)
	return msg
}

func (p *BandwidthProof) Encode() ([]byte, error) {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, p); err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return w.Bytes(), nil
}

type ProofKind uint8

const (
	KindStorage ProofKind = iota + 1
	KindBandwidth
)

func (k ProofKind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindBandwidth:
		return "bandwidth"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ProofEnvelope is the tagged variant carried in a block's proof batch.
// Exactly one of Storage or Bandwidth is set, matching Kind.
type ProofEnvelope struct {
	Kind      ProofKind
	Epoch     Epoch
	Storage   *StorageProof
	Opening   *Opening
	Bandwidth *BandwidthProof
}

func NewStorageEnvelope(p *StorageProof, o *Opening) ProofEnvelope {
	return ProofEnvelope{Kind: KindStorage, Epoch: p.Epoch, Storage: p, Opening: o}
}

func NewBandwidthEnvelope(p *BandwidthProof) ProofEnvelope {
	return ProofEnvelope{Kind: KindBandwidth, Epoch: p.Epoch, Bandwidth: p}
}

func (e ProofEnvelope) NodeID() NodeID {
	if e.Kind == KindBandwidth && e.Bandwidth != nil {
		return e.Bandwidth.NodeID
	}
	if e.Storage != nil {
		return e.Storage.NodeID
	}
	return NodeID{}
}

func (e ProofEnvelope) ArchiveID() ArchiveID {
	if e.Kind == KindBandwidth && e.Bandwidth != nil {
		return e.Bandwidth.ArchiveID
	}
	if e.Storage != nil {
		return e.Storage.ArchiveID
	}
	return ArchiveID{}
}

// Key identifies the envelope within an epoch: one storage proof per
// (node, archive) and one bandwidth proof per (node, peer, window).
func (e ProofEnvelope) Key() string {
	if e.Kind == KindBandwidth && e.Bandwidth != nil {
		b := e.Bandwidth
		return fmt.Sprintf("%v/%d/%x/%x/%d-%d", e.Kind, e.Epoch, b.NodeID, b.PeerID, b.WindowStart, b.WindowEnd)
	}
	return fmt.Sprintf("%v/%d/%x/%x", e.Kind, e.Epoch, e.NodeID(), e.ArchiveID())
}

// Digest commits to the envelope content; block hashes are built from it.
func (e ProofEnvelope) Digest() (Hash, error) {
	var body []byte
	var err error
	switch e.Kind {
	case KindStorage:
		if e.Storage == nil {
			return Hash{}, fmt.Errorf("%w: storage envelope without proof", ErrMalformed)
		}
		body, err = e.Storage.Encode()
	case KindBandwidth:
		if e.Bandwidth == nil {
			return Hash{}, fmt.Errorf("%w: bandwidth envelope without proof", ErrMalformed)
		}
		body, err = e.Bandwidth.Encode()
	default:
		return Hash{}, fmt.Errorf("%w: unknown proof kind %v", ErrMalformed, e.Kind)
	}
	if err != nil {
		return Hash{}, err
	}
	return Sum([]byte{byte(e.Kind)}, Uint64Bytes(uint64(e.Epoch)), body), nil
}
