package consensus

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/archivechain/poa/selection"
	"github.com/archivechain/poa/shared"
)

var (
	ErrRoundClosed     = errors.New("round closed")
	ErrNotInCommittee  = errors.New("not in committee")
	ErrInvalidVote     = errors.New("invalid vote")
	ErrConflictingVote = errors.New("conflicting vote")
	ErrWrongProposer   = errors.New("wrong proposer")
)

type RoundState uint8

const (
	Proposing RoundState = iota
	CollectingVotes
	Finalized
	Rejected
	TimedOut
)

func (s RoundState) String() string {
	switch s {
	case Proposing:
		return "proposing"
	case CollectingVotes:
		return "collecting-votes"
	case Finalized:
		return "finalized"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("round-state(%d)", uint8(s))
	}
}

// Closed reports whether the state is terminal.
func (s RoundState) Closed() bool { return s >= Finalized }

// Round is the vote of one committee on one proposal. Votes may arrive
// before the proposal; they are held and only counted once it is set.
type Round struct {
	mu        sync.Mutex
	sel       *selection.Selection
	total     uint64
	state     RoundState
	proposal  *Proposal
	votes     map[shared.NodeID]*Vote
	approve   uint64
	disagree  uint64
	closeNote string
}

func NewRound(sel *selection.Selection) *Round {
	return &Round{
		sel:   sel,
		total: sel.TotalWeight(),
		votes: make(map[shared.NodeID]*Vote),
	}
}

func (r *Round) Height() shared.Height { return r.sel.Height }

func (r *Round) Attempt() uint32 { return r.sel.Attempt }

func (r *Round) Selection() *selection.Selection { return r.sel }

func (r *Round) State() RoundState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Proposal returns the accepted proposal, nil while Proposing.
func (r *Round) Proposal() *Proposal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proposal
}

// Tally returns the approving and disapproving weight counted so far.
func (r *Round) Tally() (approve, disapprove, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.approve, r.disagree, r.total
}

// Propose sets the block the committee votes on. Proposing the same block
// again is a no-op; a different block from the same proposer is
// equivocation and is refused.
func (r *Round) Propose(p *Proposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p == nil || p.Block == nil {
		return fmt.Errorf("%w: proposal without block", shared.ErrMalformed)
	}
	if r.proposal != nil {
		if r.proposal.BlockHash == p.BlockHash {
			return nil
		}
		return fmt.Errorf("%w: %v proposed %s and %s at height %d", shared.ErrEquivocation,
			p.Block.Proposer, r.proposal.BlockHash.ShortString(), p.BlockHash.ShortString(), r.sel.Height)
	}
	if r.state.Closed() {
		return ErrRoundClosed
	}
	if p.Block.Height != r.sel.Height || p.Attempt != r.sel.Attempt {
		return fmt.Errorf("%w: proposal for %d/%d in round %d/%d", shared.ErrMalformed,
			p.Block.Height, p.Attempt, r.sel.Height, r.sel.Attempt)
	}
	if p.Block.Proposer != r.sel.Proposer {
		return fmt.Errorf("%w: expected %v, given %v", ErrWrongProposer, r.sel.Proposer, p.Block.Proposer)
	}

	r.proposal = p
	r.state = CollectingVotes
	for id, v := range r.votes {
		if v.BlockHash != p.BlockHash {
			delete(r.votes, id)
			continue
		}
		r.count(v)
	}
	r.tally()
	return nil
}

// AddVote adds a signed vote of a committee member. It returns false when
// the same vote was already added. A second, different vote of a member is
// refused with ErrConflictingVote.
func (r *Round) AddVote(v *Vote) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Closed() {
		return false, ErrRoundClosed
	}
	if v.Height != r.sel.Height || v.Attempt != r.sel.Attempt {
		return false, fmt.Errorf("%w: vote for %d/%d in round %d/%d", ErrInvalidVote,
			v.Height, v.Attempt, r.sel.Height, r.sel.Attempt)
	}
	if r.sel.Weight(v.NodeID) == 0 {
		return false, fmt.Errorf("%w: %v", ErrNotInCommittee, v.NodeID)
	}
	if !v.VerifySignature() {
		return false, fmt.Errorf("%w: bad signature of %v", ErrInvalidVote, v.NodeID)
	}
	if existing, ok := r.votes[v.NodeID]; ok {
		if existing.BlockHash == v.BlockHash && existing.Approve == v.Approve {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v already voted", ErrConflictingVote, v.NodeID)
	}
	if r.proposal != nil && v.BlockHash != r.proposal.BlockHash {
		return false, fmt.Errorf("%w: %v voted for %s, proposed %s", ErrInvalidVote,
			v.NodeID, v.BlockHash.ShortString(), r.proposal.BlockHash.ShortString())
	}

	r.votes[v.NodeID] = v
	if r.proposal != nil {
		r.count(v)
		r.tally()
	}
	return true, nil
}

// Approvals returns the counted approving votes, ordered by node. Once the
// round is Finalized they are its quorum certificate.
func (r *Round) Approvals() []*Vote {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proposal == nil {
		return nil
	}
	var votes []*Vote
	for _, v := range r.votes {
		if v.Approve && v.BlockHash == r.proposal.BlockHash {
			votes = append(votes, v)
		}
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].NodeID.Less(votes[j].NodeID) })
	return votes
}

// Reject closes the round without counting any further vote.
func (r *Round) Reject(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Closed() {
		r.state = Rejected
		r.closeNote = reason
	}
}

// Timeout closes a round that reached neither threshold by its deadline.
func (r *Round) Timeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Closed() {
		r.state = TimedOut
		r.closeNote = "deadline passed"
	}
}

// Reason describes why a round closed without a block.
func (r *Round) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeNote
}

func (r *Round) count(v *Vote) {
	w := r.sel.Weight(v.NodeID)
	if v.Approve {
		r.approve += w
	} else {
		r.disagree += w
	}
}

func (r *Round) tally() {
	if r.state != CollectingVotes || r.total == 0 {
		return
	}
	switch {
	case atLeast(r.approve, r.total, 2, 3):
		r.state = Finalized
	case atLeast(r.disagree, r.total, 1, 3):
		r.state = Rejected
		r.closeNote = "disapproved by committee"
	}
}

// atLeast reports whether part/total >= num/den, exactly.
func atLeast(part, total, num, den uint64) bool {
	lh, ll := bits.Mul64(part, den)
	rh, rl := bits.Mul64(total, num)
	return lh > rh || (lh == rh && ll >= rl)
}
