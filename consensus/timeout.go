package consensus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

const timeoutChannelSize = 16

// TimeoutInfo is a round deadline.
type TimeoutInfo struct {
	Duration time.Duration
	Height   shared.Height
	Attempt  uint32
}

// RoundTimeout is the deadline of attempt: the base timeout doubled for
// every earlier attempt, up to the configured maximum.
func RoundTimeout(cfg config.ConsensusConfig, attempt uint32) time.Duration {
	d := cfg.RoundTimeout
	for i := uint32(0); i < attempt; i++ {
		if cfg.MaxRoundTimeout > 0 && d >= cfg.MaxRoundTimeout/2 {
			return cfg.MaxRoundTimeout
		}
		d *= 2
	}
	if cfg.MaxRoundTimeout > 0 && d > cfg.MaxRoundTimeout {
		return cfg.MaxRoundTimeout
	}
	return d
}

// TimeoutTicker fires the deadline of the current round. Scheduling a new
// deadline cancels the previous one.
type TimeoutTicker struct {
	cfg    config.ConsensusConfig
	logger *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	tockCh  chan TimeoutInfo
	stopped bool
}

func NewTimeoutTicker(cfg config.ConsensusConfig, logger *zap.Logger) *TimeoutTicker {
	return &TimeoutTicker{
		cfg:    cfg,
		logger: logger,
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
	}
}

// Chan delivers fired deadlines.
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// Schedule starts the deadline of attempt at height and returns it.
func (tt *TimeoutTicker) Schedule(height shared.Height, attempt uint32) TimeoutInfo {
	ti := TimeoutInfo{
		Duration: RoundTimeout(tt.cfg, attempt),
		Height:   height,
		Attempt:  attempt,
	}

	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.stopped {
		return ti
	}
	if tt.timer != nil {
		tt.timer.Stop()
	}
	tt.timer = time.AfterFunc(ti.Duration, func() {
		select {
		case tt.tockCh <- ti:
		default:
			tt.logger.Warn("consensus: dropped timeout",
				zap.Uint64("height", uint64(ti.Height)),
				zap.Uint32("attempt", ti.Attempt),
			)
		}
	})
	return ti
}

// Stop cancels the pending deadline. The ticker cannot be restarted.
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.stopped = true
	if tt.timer != nil {
		tt.timer.Stop()
	}
}
