// Package verifying checks storage proofs against archive commitments. The
// verifier never needs the archive bytes: the sampled chunks travel in the
// proof's opening and are checked against the merkle root fixed when the
// archive was created.
package verifying

import (
	"go.uber.org/zap"

	"github.com/archivechain/poa/merkle"
	"github.com/archivechain/poa/proving"
	"github.com/archivechain/poa/shared"
)

// Verify checks p, answering the challenge of epoch, against commitment c. It
// returns Valid and a nil error, or the failing verdict and the reason.
//
// A proof from another epoch is Expired. A bad signature, a wrong seed or a
// digest that does not cover the opening is Invalid: nothing in it can be
// attributed to the prover. A correctly signed digest over chunks that do not
// belong to the committed archive is Forged.
func Verify(p *shared.StorageProof, o *shared.Opening, c *shared.Commitment, epoch shared.Epoch, numSamples uint, opts ...OptionFunc) (shared.Verdict, error) {
	options := &option{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return shared.Invalid, err
		}
	}
	if err := options.validate(); err != nil {
		return shared.Invalid, err
	}

	verdict, err := verify(p, o, c, epoch, numSamples, options)
	if err != nil {
		options.logger.Debug("verifying: storage proof rejected",
			zap.Stringer("verdict", verdict),
			zap.Error(err),
		)
	}
	return verdict, err
}

func verify(p *shared.StorageProof, o *shared.Opening, c *shared.Commitment, epoch shared.Epoch, numSamples uint, options *option) (shared.Verdict, error) {
	if p == nil || c == nil {
		return shared.Invalid, shared.Invalid.Failf("missing proof or commitment")
	}
	if p.ArchiveID != c.ArchiveID {
		return shared.Invalid, shared.Invalid.Failf("archive mismatch; expected: %v, given: %v", c.ArchiveID, p.ArchiveID)
	}
	if p.Epoch != epoch {
		return shared.Expired, shared.Expired.Failf("epoch mismatch; expected: %d, given: %d", epoch, p.Epoch)
	}
	if !shared.Verify(p.NodeID, p.SignedBytes(), p.Signature) {
		return shared.Invalid, shared.Invalid.Failf("bad signature of node %v", p.NodeID)
	}
	if options.expectedSeed != nil && *options.expectedSeed != p.ChallengeSeed {
		return shared.Invalid, shared.Invalid.Failf("challenge seed mismatch; expected: %v, given: %v",
			options.expectedSeed.ShortString(), p.ChallengeSeed.ShortString())
	}
	if o == nil {
		return shared.Invalid, shared.Invalid.Failf("missing opening")
	}

	indices := proving.DrawChallengeIndices(p.ChallengeSeed, p.ArchiveID, p.NodeID, c.NumChunks, numSamples)
	if len(o.Chunks) != len(indices) {
		return shared.Invalid, shared.Invalid.Failf("number of chunks; expected: %d, given: %d", len(indices), len(o.Chunks))
	}
	if digest := proving.ComputeDigest(p.ChallengeSeed, p.ArchiveID, p.NodeID, indices, o.Chunks, o.ProofNodes); digest != p.Digest {
		return shared.Invalid, shared.Invalid.Failf("digest mismatch")
	}

	// From here on the prover has signed over the opening.
	leaves := make([][]byte, len(indices))
	for i, idx := range indices {
		rng, err := c.ChunkRange(idx)
		if err != nil {
			return shared.Invalid, shared.Invalid.Failf("%v", err)
		}
		if uint64(len(o.Chunks[i])) != rng.Length {
			return shared.Forged, shared.Forged.Failf("chunk %d size; expected: %d, given: %d", idx, rng.Length, len(o.Chunks[i]))
		}
		leaves[i] = merkle.LeafHash(o.Chunks[i])
	}
	valid, err := merkle.Validate(indices, leaves, o.ProofNodes, c.Root[:])
	if err != nil {
		return shared.Forged, shared.Forged.Failf("merkle opening: %v", err)
	}
	if !valid {
		return shared.Forged, shared.Forged.Failf("merkle root mismatch")
	}
	return shared.Valid, nil
}
