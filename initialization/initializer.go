// Package initialization ingests archives into the file-backed storage
// engine. While the bytes are written the chunk hashes and the merkle
// commitment are computed, so the commitment exists as soon as the archive is
// stored.
package initialization

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spacemeshos/sha256-simd"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/merkle"
	"github.com/archivechain/poa/persistence"
	"github.com/archivechain/poa/shared"
)

type chunk struct {
	data []byte
}

type Initializer struct {
	cfg     config.ProofConfig
	datadir string
	logger  *zap.Logger

	mtx sync.Mutex
}

type option struct {
	logger *zap.Logger
}

type OptionFunc func(*option) error

func WithLogger(logger *zap.Logger) OptionFunc {
	return func(o *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		o.logger = logger
		return nil
	}
}

func NewInitializer(cfg *config.Config, opts ...OptionFunc) (*Initializer, error) {
	options := &option{logger: zap.NewNop()}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	if cfg.DataDir == "" {
		return nil, errors.New("`DataDir` is required")
	}
	if cfg.Proof.ChunkSize == 0 {
		return nil, fmt.Errorf("invalid `ChunkSize`; expected: > 0, given: 0")
	}
	return &Initializer{
		cfg:     cfg.Proof,
		datadir: cfg.DataDir,
		logger:  options.logger,
	}, nil
}

// Ingest stores the content of r as an archive. expectedSize, when non-zero,
// is checked against the free disk space up front and against the number of
// bytes read at the end. Ingesting the same content twice returns the
// existing commitment.
func (init *Initializer) Ingest(ctx context.Context, r io.Reader, expectedSize uint64, class shared.ContentClass) (*shared.Commitment, error) {
	if !init.mtx.TryLock() {
		return nil, ErrAlreadyInitializing
	}
	defer init.mtx.Unlock()

	parent := filepath.Join(init.datadir, "archives")
	if err := os.MkdirAll(parent, shared.OwnerReadWriteExec); err != nil {
		return nil, fmt.Errorf("dir creation failure: %v", err)
	}

	if expectedSize > 0 {
		// Data plus one leaf per chunk.
		required := expectedSize + shared.NumChunks(expectedSize, init.cfg.ChunkSize)*merkle.NodeSize
		if available := shared.AvailableSpace(parent); available < required {
			return nil, ErrNotEnoughSpace{Available: available, Required: required}
		}
	}

	tmpDir, err := os.MkdirTemp(parent, ".ingest-")
	if err != nil {
		return nil, fmt.Errorf("dir creation failure: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	init.logger.Info("initialization: ingesting archive",
		zap.String("datadir", init.datadir),
		zap.String("expected size", bytefmt.ByteSize(expectedSize)),
		zap.String("chunk size", bytefmt.ByteSize(init.cfg.ChunkSize)),
	)

	c, err := init.write(ctx, tmpDir, r)
	if err != nil {
		return nil, err
	}
	if expectedSize > 0 && c.Size != expectedSize {
		return nil, ErrSizeMismatch{Expected: expectedSize, Actual: c.Size}
	}
	c.Class = class

	if existing, err := persistence.LoadCommitment(init.datadir, c.ArchiveID); err == nil {
		init.logger.Info("initialization: archive already stored", zap.Stringer("archive", c.ArchiveID))
		return existing, nil
	}

	finalDir := persistence.ArchiveDir(init.datadir, c.ArchiveID)
	if err := os.RemoveAll(finalDir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return nil, fmt.Errorf("move archive into place: %w", err)
	}
	if err := persistence.SaveCommitment(init.datadir, c); err != nil {
		return nil, err
	}

	init.logger.Info("initialization: archive stored",
		zap.Stringer("archive", c.ArchiveID),
		zap.String("size", bytefmt.ByteSize(c.Size)),
		zap.Uint64("chunks", c.NumChunks),
		zap.String("root", c.Root.ShortString()),
	)
	return c, nil
}

// write splits r into chunks on one goroutine and hashes and persists them on
// another.
func (init *Initializer) write(ctx context.Context, dir string, r io.Reader) (*shared.Commitment, error) {
	dataWriter, err := persistence.NewFileWriter(filepath.Join(dir, persistence.DataFileName))
	if err != nil {
		return nil, err
	}
	leavesWriter, err := persistence.NewFileWriter(filepath.Join(dir, persistence.LeavesFileName))
	if err != nil {
		dataWriter.Close()
		return nil, err
	}

	builder, err := merkle.NewBuilder()
	if err != nil {
		dataWriter.Close()
		leavesWriter.Close()
		return nil, err
	}
	content := sha256.New()
	var size uint64

	chunks := make(chan chunk, 64)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(chunks)
		for {
			buf := make([]byte, init.cfg.ChunkSize)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				select {
				case chunks <- chunk{data: buf[:n]}:
				case <-egCtx.Done():
					return egCtx.Err()
				}
			}
			switch {
			case err == io.EOF || err == io.ErrUnexpectedEOF:
				return nil
			case err != nil:
				return fmt.Errorf("read archive: %w", err)
			}
		}
	})
	eg.Go(func() error {
		for c := range chunks {
			if _, err := dataWriter.Write(c.data); err != nil {
				return err
			}
			content.Write(c.data)
			leaf := merkle.LeafHash(c.data)
			if _, err := leavesWriter.Write(leaf); err != nil {
				return err
			}
			if err := builder.AddLeaf(leaf); err != nil {
				return err
			}
			size += uint64(len(c.data))
		}
		return nil
	})

	werr := eg.Wait()
	if err := dataWriter.Close(); err != nil && werr == nil {
		werr = err
	}
	if err := leavesWriter.Close(); err != nil && werr == nil {
		werr = err
	}
	if werr != nil {
		return nil, werr
	}
	if size == 0 {
		return nil, ErrEmptyArchive
	}

	numChunks := builder.NumLeaves()
	root, err := builder.Root()
	if err != nil {
		return nil, err
	}

	c := &shared.Commitment{
		Size:      size,
		ChunkSize: init.cfg.ChunkSize,
		NumChunks: numChunks,
	}
	content.Sum(c.ArchiveID[:0])
	copy(c.Root[:], root)
	return c, nil
}
