package consensus

import (
	"context"
	"fmt"
	"sync"

	"github.com/archivechain/poa/ledger"
	"github.com/archivechain/poa/shared"
)

// MemChain is an in-memory Chain.
type MemChain struct {
	mu       sync.Mutex
	blocks   []*Block
	hashes   []shared.Hash
	sets     []ledger.InstructionSet
	outcomes []Outcome
}

func NewMemChain() *MemChain {
	return &MemChain{}
}

func (c *MemChain) Head() (shared.Height, shared.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.blocks) == 0 {
		return 0, shared.Hash{}, nil
	}
	return c.blocks[len(c.blocks)-1].Height, c.hashes[len(c.hashes)-1], nil
}

func (c *MemChain) BlockHash(height shared.Height) (shared.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height == 0 {
		return shared.Hash{}, nil
	}
	if int(height) > len(c.hashes) {
		return shared.Hash{}, fmt.Errorf("%w: block %d", shared.ErrNotFound, height)
	}
	return c.hashes[height-1], nil
}

func (c *MemChain) Finalize(_ context.Context, block *Block, set ledger.InstructionSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := shared.Height(len(c.blocks) + 1)
	if block.Height != want {
		return fmt.Errorf("block %d does not extend height %d", block.Height, want-1)
	}
	c.blocks = append(c.blocks, block)
	c.hashes = append(c.hashes, set.BlockHash)
	c.sets = append(c.sets, set)
	return nil
}

func (c *MemChain) ReportOutcome(_ context.Context, outcome Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
	return nil
}

// Block returns the finalized block and instruction set at height.
func (c *MemChain) Block(height shared.Height) (*Block, ledger.InstructionSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height == 0 || int(height) > len(c.blocks) {
		return nil, ledger.InstructionSet{}, false
	}
	return c.blocks[height-1], c.sets[height-1], true
}

// Outcomes returns the rounds that closed without a block.
func (c *MemChain) Outcomes() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outcomes...)
}

const hubBufferSize = 1024

// Hub connects in-process engines. Every broadcast reaches every other
// endpoint.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[shared.NodeID]*Endpoint
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[shared.NodeID]*Endpoint)}
}

// Join returns the endpoint of id, creating it on first use.
func (h *Hub) Join(id shared.NodeID) *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := h.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{id: id, hub: h, inbound: make(chan Message, hubBufferSize)}
	h.endpoints[id] = ep
	return ep
}

// Endpoint is the Network of one node on a Hub.
type Endpoint struct {
	id      shared.NodeID
	hub     *Hub
	inbound chan Message
}

func (ep *Endpoint) Inbound() <-chan Message { return ep.inbound }

func (ep *Endpoint) Broadcast(ctx context.Context, msg Message) error {
	ep.hub.mu.RLock()
	defer ep.hub.mu.RUnlock()
	for id, other := range ep.hub.endpoints {
		if id == ep.id {
			continue
		}
		select {
		case other.inbound <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
