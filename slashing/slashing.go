// Package slashing turns violation evidence into penalties. Evidence is held
// as pending until a finalized block carries it; penalties are only computed
// by Settle, for the block that finalizes them.
package slashing

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

// Event is a penalty applied to a node. Burn, treasury and reporter shares
// add up to Penalty.
type Event struct {
	NodeID        shared.NodeID
	Reason        Reason
	Height        shared.Height
	StakeAmount   uint64
	Penalty       uint64
	BurnShare     uint64
	TreasuryShare uint64
	ReporterShare uint64
	Reporters     []shared.NodeID
	PerReporter   uint64
}

// Split divides a penalty. The reporter share is divided evenly among the
// distinct reporters; what cannot be divided, and the whole reporter share
// when nobody reported, is burned.
func Split(penalty uint64, cfg config.SlashingConfig, reporters int) (burn, treasury, reporter, perReporter uint64) {
	treasury = shared.RatioFromFloat(cfg.TreasuryShare).Apply(penalty)
	if reporters > 0 {
		perReporter = shared.RatioFromFloat(cfg.ReporterShare).Apply(penalty) / uint64(reporters)
		reporter = perReporter * uint64(reporters)
	}
	burn = penalty - treasury - reporter
	return burn, treasury, reporter, perReporter
}

type option struct {
	logger *zap.Logger
}

// OptionFunc is a function that sets an option for an Engine instance.
type OptionFunc func(*option) error

// WithLogger sets the logger of the engine.
func WithLogger(logger *zap.Logger) OptionFunc {
	return func(opts *option) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		opts.logger = logger
		return nil
	}
}

type offence struct {
	node   shared.NodeID
	reason Reason
}

type occurrence struct {
	offence
	at shared.Height
}

func occurrenceOf(ev Evidence) occurrence {
	return occurrence{offence{ev.NodeID, ev.Reason}, ev.At()}
}

// Engine collects evidence and settles it into events.
type Engine struct {
	cfg    config.SlashingConfig
	rates  map[Reason]shared.Ratio
	logger *zap.Logger

	mu      sync.Mutex
	pending map[offence]Evidence
	settled map[shared.Height][]Event
	// done holds the violations already penalized, until they leave the
	// evidence horizon.
	done map[occurrence]struct{}
}

func NewEngine(cfg config.SlashingConfig, opts ...OptionFunc) (*Engine, error) {
	options := &option{
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, err
		}
	}
	return &Engine{
		cfg: cfg,
		rates: map[Reason]shared.Ratio{
			LowQuality:   shared.RatioFromFloat(cfg.LowQualityRate),
			Equivocation: shared.RatioFromFloat(cfg.EquivocationRate),
			ForgedProof:  shared.RatioFromFloat(cfg.ForgedProofRate),
		},
		logger:  options.logger,
		pending: make(map[offence]Evidence),
		settled: make(map[shared.Height][]Event),
		done:    make(map[occurrence]struct{}),
	}, nil
}

// Rate returns the share of stake taken for reason.
func (e *Engine) Rate(reason Reason) shared.Ratio { return e.rates[reason] }

// Report queues locally detected evidence for inclusion in a later block. It
// returns false if evidence of the same offence is already pending, or if the
// violation was already penalized.
func (e *Engine) Report(ev Evidence) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	k := offence{ev.NodeID, ev.Reason}
	if _, ok := e.pending[k]; ok {
		return false
	}
	if _, ok := e.done[occurrenceOf(ev)]; ok {
		return false
	}
	e.pending[k] = ev
	e.logger.Info("slashing: evidence reported",
		zap.Stringer("node", ev.NodeID),
		zap.Stringer("reason", ev.Reason),
		zap.Stringer("reporter", ev.Reporter),
	)
	return true
}

// Pending returns the queued evidence, ordered by node and reason.
func (e *Engine) Pending() []Evidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Evidence, 0, len(e.pending))
	for _, ev := range e.pending {
		out = append(out, ev)
	}
	sortEvidence(out)
	return out
}

// Includable reports whether ev may be carried by the block at height: the
// violation happened before it, within the evidence horizon, and was not
// penalized yet.
func (e *Engine) Includable(ev Evidence, height shared.Height) bool {
	at := ev.At()
	if at > height || uint64(height-at) > e.cfg.EvidenceHorizon {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, done := e.done[occurrenceOf(ev)]
	return !done
}

// Expire drops the pending evidence the block at height can no longer carry.
func (e *Engine) Expire(height shared.Height) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stale := func(at shared.Height) bool {
		return at < height && uint64(height-at) > e.cfg.EvidenceHorizon
	}
	for k, ev := range e.pending {
		if stale(ev.At()) {
			delete(e.pending, k)
			e.logger.Info("slashing: evidence expired",
				zap.Stringer("node", ev.NodeID),
				zap.Stringer("reason", ev.Reason),
				zap.Uint64("height", uint64(ev.At())),
			)
		}
	}
	for o := range e.done {
		if stale(o.at) {
			delete(e.done, o)
		}
	}
}

// Settle computes the penalties finalized at height from the evidence the
// block carries and the low quality triggers derived while applying it.
// There is one event per (node, reason); a node hit for several reasons loses
// the higher tier first, each on the stake left. Settling a height twice
// returns the events of the first call.
func (e *Engine) Settle(height shared.Height, evidence []Evidence, registry shared.Registry) ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if events, ok := e.settled[height]; ok {
		return events, nil
	}

	reporters := make(map[offence]map[shared.NodeID]bool)
	var offences []offence
	for _, ev := range evidence {
		e.done[occurrenceOf(ev)] = struct{}{}
		k := offence{ev.NodeID, ev.Reason}
		if _, ok := reporters[k]; !ok {
			reporters[k] = make(map[shared.NodeID]bool)
			offences = append(offences, k)
		}
		if ev.Reporter != (shared.NodeID{}) && ev.Reporter != ev.NodeID {
			reporters[k][ev.Reporter] = true
		}
	}
	sort.Slice(offences, func(i, j int) bool {
		if offences[i].node != offences[j].node {
			return offences[i].node.Less(offences[j].node)
		}
		return offences[i].reason > offences[j].reason
	})

	remaining := make(map[shared.NodeID]uint64)
	events := make([]Event, 0, len(offences))
	for _, k := range offences {
		stake, ok := remaining[k.node]
		if !ok {
			info, err := registry.Node(k.node)
			if errors.Is(err, shared.ErrNotFound) {
				e.logger.Warn("slashing: evidence against unknown node", zap.Stringer("node", k.node))
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("stake of %v: %w", k.node, err)
			}
			stake = info.Stake
		}

		ids := make([]shared.NodeID, 0, len(reporters[k]))
		for id := range reporters[k] {
			ids = append(ids, id)
		}
		shared.SortNodeIDs(ids)

		penalty := e.rates[k.reason].Apply(stake)
		burn, treasury, reporter, per := Split(penalty, e.cfg, len(ids))
		ev := Event{
			NodeID:        k.node,
			Reason:        k.reason,
			Height:        height,
			StakeAmount:   stake,
			Penalty:       penalty,
			BurnShare:     burn,
			TreasuryShare: treasury,
			ReporterShare: reporter,
			Reporters:     ids,
			PerReporter:   per,
		}
		events = append(events, ev)
		remaining[k.node] = stake - penalty
		delete(e.pending, k)

		e.logger.Info("slashing: penalty settled",
			zap.Uint64("height", uint64(height)),
			zap.Stringer("node", k.node),
			zap.Stringer("reason", k.reason),
			zap.Uint64("stake", stake),
			zap.Uint64("penalty", penalty),
			zap.Int("reporters", len(ids)),
		)
	}
	e.settled[height] = events
	return events, nil
}

// Discard drops settled history before height.
func (e *Engine) Discard(before shared.Height) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for h := range e.settled {
		if h < before {
			delete(e.settled, h)
		}
	}
}

func sortEvidence(evs []Evidence) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].NodeID != evs[j].NodeID {
			return evs[i].NodeID.Less(evs[j].NodeID)
		}
		return evs[i].Reason < evs[j].Reason
	})
}
