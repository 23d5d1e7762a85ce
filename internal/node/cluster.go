package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/consensus"
	"github.com/archivechain/poa/ledger"
	"github.com/archivechain/poa/proving"
	"github.com/archivechain/poa/shared"
)

// Cluster runs several nodes in one process over a consensus.Hub. Every node
// keeps its own chain and derived state; the registry, the archives and the
// token ledger are shared.
type Cluster struct {
	Nodes  []*Node
	Chains map[shared.NodeID]*consensus.MemChain

	logger *zap.Logger
}

// NewCluster creates a node for every signer.
func NewCluster(cfg *config.Config, signers []*shared.Signer, registry shared.Registry, archives proving.ArchiveReader,
	tokens ledger.TokenLedger, logger *zap.Logger,
) (*Cluster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := consensus.NewHub()
	c := &Cluster{
		Chains: make(map[shared.NodeID]*consensus.MemChain),
		logger: logger,
	}
	for _, s := range signers {
		chain := consensus.NewMemChain()
		n, err := New(cfg, s, Deps{
			Registry: registry,
			Archives: archives,
			Ledger:   tokens,
			Chain:    chain,
			Network:  hub.Join(s.NodeID()),
		}, WithLogger(logger))
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("node %v: %w", s.NodeID(), err)
		}
		c.Nodes = append(c.Nodes, n)
		c.Chains[s.NodeID()] = chain
	}
	return c, nil
}

// Step proves the epoch of height on every node, gossips the proofs and
// runs consensus on height everywhere. It returns the block finalized by
// each node, in node order.
func (c *Cluster) Step(ctx context.Context, height shared.Height) ([]*consensus.Block, error) {
	epoch := consensus.EpochOf(height)

	var proofs []shared.ProofEnvelope
	for _, n := range c.Nodes {
		envs, err := n.Prove(ctx, epoch)
		if err != nil {
			return nil, fmt.Errorf("prove epoch %d on %v: %w", epoch, n.ID(), err)
		}
		proofs = append(proofs, envs...)
	}
	for _, n := range c.Nodes {
		for _, env := range proofs {
			if verdict, err := n.Receive(ctx, epoch, env); err != nil {
				c.logger.Warn("node: proof rejected",
					zap.Stringer("receiver", n.ID()),
					zap.Stringer("sender", env.NodeID()),
					zap.Stringer("verdict", verdict),
					zap.Error(err),
				)
			}
		}
	}

	blocks := make([]*consensus.Block, len(c.Nodes))
	g, ctx := errgroup.WithContext(ctx)
	for i, n := range c.Nodes {
		i, n := i, n
		g.Go(func() error {
			b, err := n.Run(ctx, height)
			if err != nil {
				return fmt.Errorf("height %d on %v: %w", height, n.ID(), err)
			}
			blocks[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (c *Cluster) Close() error {
	var first error
	for _, n := range c.Nodes {
		if err := n.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
