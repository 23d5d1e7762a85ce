package shared

import (
	"sort"
	"sync"
)

// Registry is the read-only view of the node registry and token ledger.
type Registry interface {
	// Node returns ErrNotFound for unknown nodes.
	Node(id NodeID) (NodeInfo, error)
	// Nodes returns every registered node, ordered by id.
	Nodes() ([]NodeInfo, error)
	// Custody returns the archives node is expected to prove every epoch.
	Custody(id NodeID) ([]ArchiveID, error)
}

// MemRegistry is an in-memory Registry.
type MemRegistry struct {
	mu      sync.RWMutex
	nodes   map[NodeID]NodeInfo
	custody map[NodeID][]ArchiveID
}

func NewMemRegistry(nodes ...NodeInfo) *MemRegistry {
	r := &MemRegistry{
		nodes:   make(map[NodeID]NodeInfo),
		custody: make(map[NodeID][]ArchiveID),
	}
	for _, n := range nodes {
		r.Put(n)
	}
	return r
}

func (r *MemRegistry) Put(n NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = n
}

// SetStake applies a stake change notice.
func (r *MemRegistry) SetStake(id NodeID, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Stake = amount
	r.nodes[id] = n
	return nil
}

func (r *MemRegistry) Assign(id NodeID, archives ...ArchiveID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custody[id] = append(r.custody[id], archives...)
}

func (r *MemRegistry) Node(id NodeID) (NodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return NodeInfo{}, ErrNotFound
	}
	return n, nil
}

func (r *MemRegistry) Nodes() ([]NodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID.Less(nodes[j].ID) })
	return nodes, nil
}

func (r *MemRegistry) Custody(id NodeID) ([]ArchiveID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ArchiveID(nil), r.custody[id]...), nil
}
