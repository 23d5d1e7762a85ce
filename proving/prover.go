package proving

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/merkle"
	"github.com/archivechain/poa/shared"
)

// ErrCorruptedChunk is returned when local bytes no longer match the
// commitment. No proof is produced; answering would be a forgery.
var ErrCorruptedChunk = errors.New("corrupted chunk")

// ArchiveReader is the local storage engine. Proof generation reads only the
// sampled chunks; archive bytes never leave the node.
type ArchiveReader interface {
	Commitment(ctx context.Context, id shared.ArchiveID) (*shared.Commitment, error)
	// Leaves returns the chunk hashes recorded when the archive was created.
	Leaves(ctx context.Context, id shared.ArchiveID) ([][]byte, error)
	ReadRanges(ctx context.Context, id shared.ArchiveID, ranges []shared.Range) ([][]byte, error)
}

type Prover struct {
	cfg    config.ProofConfig
	signer *shared.Signer
	source ArchiveReader

	logger      *zap.Logger
	parallelism int
}

func NewProver(cfg config.ProofConfig, signer *shared.Signer, source ArchiveReader, opts ...OptionFunc) (*Prover, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if source == nil {
		return nil, errors.New("archive reader is required")
	}
	if cfg.NumSamples == 0 {
		return nil, fmt.Errorf("invalid `NumSamples`; expected: >= 1, given: 0")
	}

	options := &option{
		logger:      zap.NewNop(),
		parallelism: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	return &Prover{
		cfg:         cfg,
		signer:      signer,
		source:      source,
		logger:      options.logger,
		parallelism: options.parallelism,
	}, nil
}

func (p *Prover) NodeID() shared.NodeID { return p.signer.NodeID() }

// Generate answers the storage challenge of epoch for one archive.
func (p *Prover) Generate(ctx context.Context, archiveID shared.ArchiveID, epoch shared.Epoch, seed shared.Hash) (*shared.StorageProof, *shared.Opening, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	commitment, err := p.source.Commitment(ctx, archiveID)
	if err != nil {
		return nil, nil, fmt.Errorf("get commitment of %v: %w", archiveID, err)
	}

	indices := DrawChallengeIndices(seed, archiveID, p.signer.NodeID(), commitment.NumChunks, p.cfg.NumSamples)
	ranges := make([]shared.Range, len(indices))
	for i, idx := range indices {
		if ranges[i], err = commitment.ChunkRange(idx); err != nil {
			return nil, nil, err
		}
	}

	chunks, err := p.source.ReadRanges(ctx, archiveID, ranges)
	if err != nil {
		return nil, nil, fmt.Errorf("read sampled chunks of %v: %w", archiveID, err)
	}
	if len(chunks) != len(ranges) {
		return nil, nil, fmt.Errorf("storage engine returned %d chunks, requested %d", len(chunks), len(ranges))
	}

	leaves, err := p.source.Leaves(ctx, archiveID)
	if err != nil {
		return nil, nil, fmt.Errorf("get leaves of %v: %w", archiveID, err)
	}
	for i, idx := range indices {
		if idx >= uint64(len(leaves)) || !bytes.Equal(merkle.LeafHash(chunks[i]), leaves[idx]) {
			return nil, nil, fmt.Errorf("%w: archive %v chunk %d", ErrCorruptedChunk, archiveID, idx)
		}
	}
	root, nodes, err := merkle.Prove(leaves, indices)
	if err != nil {
		return nil, nil, err
	}
	if toHash(root) != commitment.Root {
		return nil, nil, fmt.Errorf("local leaves of %v do not match the commitment root", archiveID)
	}

	proof := &shared.StorageProof{
		ArchiveID:     archiveID,
		NodeID:        p.signer.NodeID(),
		Epoch:         epoch,
		ChallengeSeed: seed,
		Digest:        ComputeDigest(seed, archiveID, p.signer.NodeID(), indices, chunks, nodes),
	}
	proof.Signature = p.signer.Sign(proof.SignedBytes())

	p.logger.Debug("proving: generated storage proof",
		zap.Stringer("archive", archiveID),
		zap.Uint64("epoch", uint64(epoch)),
		zap.Int("samples", len(indices)),
	)

	return proof, &shared.Opening{Chunks: chunks, ProofNodes: nodes}, nil
}

func toHash(b []byte) (h shared.Hash) {
	copy(h[:], b)
	return h
}

// GenerateBatch proves every archive for epoch concurrently. Archives whose
// proof cannot be produced are logged and left out; the missing proof is
// accounted for as a failure by whoever expected it.
func (p *Prover) GenerateBatch(ctx context.Context, epoch shared.Epoch, seed shared.Hash, archives []shared.ArchiveID) ([]shared.ProofEnvelope, error) {
	results := make([]*shared.ProofEnvelope, len(archives))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.parallelism)
	for i, id := range archives {
		i, id := i, id
		eg.Go(func() error {
			proof, opening, err := p.Generate(egCtx, id, epoch, seed)
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return err
			case err != nil:
				p.logger.Warn("proving: failed to generate storage proof",
					zap.Stringer("archive", id),
					zap.Uint64("epoch", uint64(epoch)),
					zap.Error(err),
				)
				return nil
			}
			env := shared.NewStorageEnvelope(proof, opening)
			results[i] = &env
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([]shared.ProofEnvelope, 0, len(results))
	for _, env := range results {
		if env != nil {
			out = append(out, *env)
		}
	}
	return out, nil
}
