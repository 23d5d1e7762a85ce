package shared

import (
	"fmt"
	"io"

	"github.com/spacemeshos/ed25519"
)

const SignatureSize = ed25519.SignatureSize

type Signature [SignatureSize]byte

func (s Signature) IsZero() bool { return s == Signature{} }

// Signer holds a node's private key. The node id is the public key.
type Signer struct {
	priv ed25519.PrivateKey
	id   NodeID
}

func GenerateSigner(rand io.Reader) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	s := &Signer{priv: priv}
	copy(s.id[:], pub)
	return s, nil
}

// NewSigner restores a signer from a 64-byte private key or a 32-byte seed.
func NewSigner(key []byte) (*Signer, error) {
	var priv ed25519.PrivateKey
	switch len(key) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(append([]byte(nil), key...))
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(key)
	default:
		return nil, fmt.Errorf("invalid key length; expected: %d or %d, given: %d",
			ed25519.PrivateKeySize, ed25519.SeedSize, len(key))
	}
	s := &Signer{priv: priv}
	copy(s.id[:], priv[ed25519.SeedSize:])
	return s, nil
}

func (s *Signer) NodeID() NodeID { return s.id }

func (s *Signer) PrivateKey() []byte { return append([]byte(nil), s.priv...) }

func (s *Signer) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(s.priv, msg))
	return sig
}

// Verify checks sig over msg against the node's public key.
func Verify(node NodeID, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(node[:]), msg, sig[:])
}
