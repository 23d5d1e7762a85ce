package validation

import (
	"fmt"

	"github.com/archivechain/poa/longevity"
	"github.com/archivechain/poa/quality"
	"github.com/archivechain/poa/shared"
)

// Outcomes derives the custody outcomes of epoch from its finalized batch.
// Every archive a node has in custody is expected to be proven; an archive
// without a storage proof in the batch is a failed epoch for it.
func Outcomes(epoch shared.Epoch, batch []shared.ProofEnvelope, registry shared.Registry) ([]longevity.Observation, []quality.Result, error) {
	type pair struct {
		node    shared.NodeID
		archive shared.ArchiveID
	}
	proven := make(map[pair]bool)
	for _, env := range batch {
		if env.Kind == shared.KindStorage && env.Epoch == epoch {
			proven[pair{env.NodeID(), env.ArchiveID()}] = true
		}
	}

	nodes, err := registry.Nodes()
	if err != nil {
		return nil, nil, fmt.Errorf("list nodes: %w", err)
	}
	var observations []longevity.Observation
	var results []quality.Result
	for _, n := range nodes {
		archives, err := registry.Custody(n.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("custody of %v: %w", n.ID, err)
		}
		if len(archives) == 0 {
			continue
		}
		res := quality.Result{NodeID: n.ID}
		counted := make(map[shared.ArchiveID]bool, len(archives))
		for _, a := range archives {
			if counted[a] {
				continue
			}
			counted[a] = true
			ok := proven[pair{n.ID, a}]
			observations = append(observations, longevity.Observation{NodeID: n.ID, ArchiveID: a, Epoch: epoch, OK: ok})
			res.Total++
			if ok {
				res.Passed++
			}
		}
		results = append(results, res)
	}
	return observations, results, nil
}
