package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spacemeshos/smutil"

	"github.com/archivechain/poa/shared"
)

const (
	MinChunkSize = 64
	MaxChunkSize = 1 << 20

	MaxNumSamples = 256

	MaxCommitteeSize = 1024
)

const (
	DefaultDataDirName = "poa"

	DefaultChunkSize  = 1024
	DefaultNumSamples = 10

	DefaultCommitteeSize = 21
	DefaultMinStake      = 10_000_000
)

var DefaultDataDir = filepath.Join(smutil.GetUserHomeDirectory(), DefaultDataDirName, "data")

type Config struct {
	DataDir string `mapstructure:"datadir"`

	Proof     ProofConfig     `mapstructure:"proof"`
	Bandwidth BandwidthConfig `mapstructure:"bandwidth"`
	Longevity LongevityConfig `mapstructure:"longevity"`
	Quality   QualityConfig   `mapstructure:"quality"`
	Selection SelectionConfig `mapstructure:"selection"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Rewards   RewardsConfig   `mapstructure:"rewards"`
	Slashing  SlashingConfig  `mapstructure:"slashing"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Store     StoreConfig     `mapstructure:"store"`
}

// ProofConfig holds the storage challenge parameters.
type ProofConfig struct {
	ChunkSize  uint64 `mapstructure:"chunk-size"`
	NumSamples uint   `mapstructure:"num-samples"`

	// ChallengeTimeout bounds the challenge-response phase of an epoch.
	ChallengeTimeout time.Duration `mapstructure:"challenge-timeout"`

	// VerifyParallelism caps concurrent verification tasks. Zero means GOMAXPROCS.
	VerifyParallelism int `mapstructure:"verify-parallelism"`
}

type BandwidthConfig struct {
	MaxWindow         time.Duration `mapstructure:"max-window"`
	MaxBytesPerEpoch  uint64        `mapstructure:"max-bytes-per-epoch"`
	PeersPerNode      int           `mapstructure:"peers-per-node"`
	EnforceAssignment bool          `mapstructure:"enforce-assignment"`

	// EpochDuration, when set, pins transfer windows to the wall clock time of
	// their epoch, epoch 1 starting at Genesis (unix seconds).
	EpochDuration time.Duration `mapstructure:"epoch-duration"`
	Genesis       uint64        `mapstructure:"genesis"`
}

type LongevityTier struct {
	MinPeriods uint64  `mapstructure:"min-periods"`
	Multiplier float64 `mapstructure:"multiplier"`
}

type LongevityConfig struct {
	EpochsPerPeriod uint64          `mapstructure:"epochs-per-period"`
	Tiers           []LongevityTier `mapstructure:"tiers"`
}

type QualityConfig struct {
	Window          uint    `mapstructure:"window"`
	Threshold       float64 `mapstructure:"threshold"`
	SustainedEpochs uint    `mapstructure:"sustained-epochs"`

	StorageWeight   float64 `mapstructure:"storage-weight"`
	BandwidthWeight float64 `mapstructure:"bandwidth-weight"`
	LongevityWeight float64 `mapstructure:"longevity-weight"`
}

type SelectionConfig struct {
	CommitteeSize int    `mapstructure:"committee-size"`
	MinStake      uint64 `mapstructure:"min-stake"`

	FullArchiveFactor  float64 `mapstructure:"full-archive-factor"`
	LightStorageFactor float64 `mapstructure:"light-storage-factor"`
	RelayFactor        float64 `mapstructure:"relay-factor"`
	GatewayFactor      float64 `mapstructure:"gateway-factor"`
}

func (c SelectionConfig) TypeFactor(t shared.NodeType) float64 {
	switch t {
	case shared.FullArchive:
		return c.FullArchiveFactor
	case shared.LightStorage:
		return c.LightStorageFactor
	case shared.Relay:
		return c.RelayFactor
	case shared.Gateway:
		return c.GatewayFactor
	default:
		return 0
	}
}

type ConsensusConfig struct {
	RoundTimeout    time.Duration `mapstructure:"round-timeout"`
	MaxRoundTimeout time.Duration `mapstructure:"max-round-timeout"`
	MaxAttempts     int           `mapstructure:"max-attempts"`
}

type RewardsConfig struct {
	StandardBase uint64 `mapstructure:"standard-base"`
	MediaBase    uint64 `mapstructure:"media-base"`
	DatasetBase  uint64 `mapstructure:"dataset-base"`
	CriticalBase uint64 `mapstructure:"critical-base"`

	QualityPivot         float64 `mapstructure:"quality-pivot"`
	QualitySlope         float64 `mapstructure:"quality-slope"`
	MaxQualityMultiplier float64 `mapstructure:"max-quality-multiplier"`

	ReferenceSize   uint64  `mapstructure:"reference-size"`
	SizeStep        float64 `mapstructure:"size-step"`
	MinSizeFactor   float64 `mapstructure:"min-size-factor"`
	MaxSizeFactor   float64 `mapstructure:"max-size-factor"`
	BandwidthPerGB  uint64  `mapstructure:"bandwidth-per-gb"`
	FullArchiveRate uint64  `mapstructure:"full-archive-rate-per-tb"`
	LightRate       uint64  `mapstructure:"light-storage-rate-per-tb"`
	RelayRate       uint64  `mapstructure:"relay-rate-per-tb"`
	GatewayRate     uint64  `mapstructure:"gateway-rate-per-tb"`
}

func (c RewardsConfig) Base(class shared.ContentClass) uint64 {
	switch class {
	case shared.ContentMedia:
		return c.MediaBase
	case shared.ContentDataset:
		return c.DatasetBase
	case shared.ContentCritical:
		return c.CriticalBase
	default:
		return c.StandardBase
	}
}

// RatePerTB is the monthly custody rate of a node type, per decimal TB.
func (c RewardsConfig) RatePerTB(t shared.NodeType) uint64 {
	switch t {
	case shared.FullArchive:
		return c.FullArchiveRate
	case shared.LightStorage:
		return c.LightRate
	case shared.Relay:
		return c.RelayRate
	case shared.Gateway:
		return c.GatewayRate
	default:
		return 0
	}
}

type SlashingConfig struct {
	LowQualityRate   float64 `mapstructure:"low-quality-rate"`
	EquivocationRate float64 `mapstructure:"equivocation-rate"`
	ForgedProofRate  float64 `mapstructure:"forged-proof-rate"`

	BurnShare     float64 `mapstructure:"burn-share"`
	TreasuryShare float64 `mapstructure:"treasury-share"`
	ReporterShare float64 `mapstructure:"reporter-share"`

	// EvidenceHorizon is the number of heights reported evidence stays
	// includable after the violation.
	EvidenceHorizon uint64 `mapstructure:"evidence-horizon"`
}

type LedgerConfig struct {
	RetryAttempts uint          `mapstructure:"retry-attempts"`
	RetryDelay    time.Duration `mapstructure:"retry-delay"`
	RetryMaxDelay time.Duration `mapstructure:"retry-max-delay"`
}

const (
	StoreMemory = "memory"
	StorePebble = "pebble"
)

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Proof: ProofConfig{
			ChunkSize:        DefaultChunkSize,
			NumSamples:       DefaultNumSamples,
			ChallengeTimeout: 30 * time.Second,
		},
		Bandwidth: BandwidthConfig{
			MaxWindow:        10 * time.Minute,
			MaxBytesPerEpoch: 10 * shared.GB,
			PeersPerNode:     3,
		},
		Longevity: LongevityConfig{
			EpochsPerPeriod: 30,
			Tiers: []LongevityTier{
				{MinPeriods: 6, Multiplier: 1.2},
				{MinPeriods: 12, Multiplier: 1.5},
				{MinPeriods: 24, Multiplier: 2.0},
			},
		},
		Quality: QualityConfig{
			Window:          30,
			Threshold:       0.80,
			SustainedEpochs: 30,
			StorageWeight:   0.5,
			BandwidthWeight: 0.3,
			LongevityWeight: 0.2,
		},
		Selection: SelectionConfig{
			CommitteeSize:      DefaultCommitteeSize,
			MinStake:           DefaultMinStake,
			FullArchiveFactor:  1.0,
			LightStorageFactor: 0.6,
			RelayFactor:        0.3,
			GatewayFactor:      0.3,
		},
		Consensus: ConsensusConfig{
			RoundTimeout:    5 * time.Second,
			MaxRoundTimeout: time.Minute,
			MaxAttempts:     8,
		},
		Rewards: RewardsConfig{
			StandardBase:         100,
			MediaBase:            150,
			DatasetBase:          200,
			CriticalBase:         400,
			QualityPivot:         0.90,
			QualitySlope:         20,
			MaxQualityMultiplier: 5,
			ReferenceSize:        shared.GB,
			SizeStep:             0.25,
			MinSizeFactor:        0.5,
			MaxSizeFactor:        2.0,
			BandwidthPerGB:       1,
			FullArchiveRate:      25,
			LightRate:            15,
			RelayRate:            5,
			GatewayRate:          5,
		},
		Slashing: SlashingConfig{
			LowQualityRate:   0.15,
			EquivocationRate: 0.30,
			ForgedProofRate:  0.50,
			BurnShare:        0.5,
			TreasuryShare:    0.3,
			ReporterShare:    0.2,
			EvidenceHorizon:  64,
		},
		Ledger: LedgerConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			RetryMaxDelay: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend: StoreMemory,
		},
	}
}

func (cfg *Config) Validate() error {
	if cfg.Proof.ChunkSize < MinChunkSize || cfg.Proof.ChunkSize > MaxChunkSize {
		return fmt.Errorf("invalid `Proof.ChunkSize`; expected: %d-%d, given: %d", MinChunkSize, MaxChunkSize, cfg.Proof.ChunkSize)
	}
	if cfg.Proof.NumSamples == 0 || cfg.Proof.NumSamples > MaxNumSamples {
		return fmt.Errorf("invalid `Proof.NumSamples`; expected: 1-%d, given: %d", MaxNumSamples, cfg.Proof.NumSamples)
	}
	if cfg.Proof.ChallengeTimeout <= 0 {
		return fmt.Errorf("invalid `Proof.ChallengeTimeout`; expected: > 0, given: %v", cfg.Proof.ChallengeTimeout)
	}

	if cfg.Bandwidth.MaxWindow <= 0 {
		return fmt.Errorf("invalid `Bandwidth.MaxWindow`; expected: > 0, given: %v", cfg.Bandwidth.MaxWindow)
	}
	if cfg.Bandwidth.PeersPerNode < 1 {
		return fmt.Errorf("invalid `Bandwidth.PeersPerNode`; expected: >= 1, given: %d", cfg.Bandwidth.PeersPerNode)
	}
	if d := cfg.Bandwidth.EpochDuration; d != 0 && (d < cfg.Bandwidth.MaxWindow || d%time.Second != 0) {
		return fmt.Errorf("invalid `Bandwidth.EpochDuration`; expected: 0 or whole seconds >= %v, given: %v", cfg.Bandwidth.MaxWindow, d)
	}

	if cfg.Longevity.EpochsPerPeriod == 0 {
		return fmt.Errorf("invalid `Longevity.EpochsPerPeriod`; expected: >= 1, given: 0")
	}
	for i, tier := range cfg.Longevity.Tiers {
		if tier.Multiplier < 1 {
			return fmt.Errorf("invalid `Longevity.Tiers[%d].Multiplier`; expected: >= 1, given: %v", i, tier.Multiplier)
		}
		if i > 0 && tier.MinPeriods <= cfg.Longevity.Tiers[i-1].MinPeriods {
			return fmt.Errorf("invalid `Longevity.Tiers[%d].MinPeriods`; expected: > %d, given: %d",
				i, cfg.Longevity.Tiers[i-1].MinPeriods, tier.MinPeriods)
		}
	}

	if cfg.Quality.Window == 0 {
		return fmt.Errorf("invalid `Quality.Window`; expected: >= 1, given: 0")
	}
	if cfg.Quality.Threshold < 0 || cfg.Quality.Threshold > 1 {
		return fmt.Errorf("invalid `Quality.Threshold`; expected: 0-1, given: %v", cfg.Quality.Threshold)
	}
	if cfg.Quality.SustainedEpochs == 0 {
		return fmt.Errorf("invalid `Quality.SustainedEpochs`; expected: >= 1, given: 0")
	}
	if err := sumsToOne("Quality weights", cfg.Quality.StorageWeight, cfg.Quality.BandwidthWeight, cfg.Quality.LongevityWeight); err != nil {
		return err
	}

	if cfg.Selection.CommitteeSize < 1 || cfg.Selection.CommitteeSize > MaxCommitteeSize {
		return fmt.Errorf("invalid `Selection.CommitteeSize`; expected: 1-%d, given: %d", MaxCommitteeSize, cfg.Selection.CommitteeSize)
	}
	for _, t := range []shared.NodeType{shared.FullArchive, shared.LightStorage, shared.Relay, shared.Gateway} {
		if f := cfg.Selection.TypeFactor(t); f < 0 || f > 1 {
			return fmt.Errorf("invalid `Selection` factor of %v; expected: 0-1, given: %v", t, f)
		}
	}

	if cfg.Consensus.RoundTimeout <= 0 {
		return fmt.Errorf("invalid `Consensus.RoundTimeout`; expected: > 0, given: %v", cfg.Consensus.RoundTimeout)
	}
	if cfg.Consensus.MaxRoundTimeout < cfg.Consensus.RoundTimeout {
		return fmt.Errorf("invalid `Consensus.MaxRoundTimeout`; expected: >= %v, given: %v",
			cfg.Consensus.RoundTimeout, cfg.Consensus.MaxRoundTimeout)
	}
	if cfg.Consensus.MaxAttempts < 1 {
		return fmt.Errorf("invalid `Consensus.MaxAttempts`; expected: >= 1, given: %d", cfg.Consensus.MaxAttempts)
	}

	if cfg.Rewards.MaxQualityMultiplier < 1 {
		return fmt.Errorf("invalid `Rewards.MaxQualityMultiplier`; expected: >= 1, given: %v", cfg.Rewards.MaxQualityMultiplier)
	}
	if cfg.Rewards.ReferenceSize == 0 {
		return fmt.Errorf("invalid `Rewards.ReferenceSize`; expected: > 0, given: 0")
	}
	if cfg.Rewards.MinSizeFactor <= 0 || cfg.Rewards.MinSizeFactor > cfg.Rewards.MaxSizeFactor {
		return fmt.Errorf("invalid `Rewards` size factor bounds; expected: 0 < min <= max, given: %v, %v",
			cfg.Rewards.MinSizeFactor, cfg.Rewards.MaxSizeFactor)
	}

	for name, rate := range map[string]float64{
		"LowQualityRate":   cfg.Slashing.LowQualityRate,
		"EquivocationRate": cfg.Slashing.EquivocationRate,
		"ForgedProofRate":  cfg.Slashing.ForgedProofRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("invalid `Slashing.%s`; expected: 0-1, given: %v", name, rate)
		}
	}
	if cfg.Slashing.EvidenceHorizon == 0 {
		return fmt.Errorf("invalid `Slashing.EvidenceHorizon`; expected: >= 1, given: 0")
	}
	if err := sumsToOne("Slashing shares", cfg.Slashing.BurnShare, cfg.Slashing.TreasuryShare, cfg.Slashing.ReporterShare); err != nil {
		return err
	}

	switch cfg.Store.Backend {
	case StoreMemory:
	case StorePebble:
		if cfg.Store.Path == "" && cfg.DataDir == "" {
			return fmt.Errorf("invalid `Store.Path`; expected: a path for the %q backend, given: none", StorePebble)
		}
	default:
		return fmt.Errorf("invalid `Store.Backend`; expected: %q or %q, given: %q", StoreMemory, StorePebble, cfg.Store.Backend)
	}

	return nil
}

// StorePath resolves the state store directory.
func (cfg *Config) StorePath() string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	return filepath.Join(cfg.DataDir, "state")
}

func sumsToOne(what string, parts ...float64) error {
	var total shared.Ratio
	for _, p := range parts {
		if p < 0 {
			return fmt.Errorf("invalid %s; expected: non-negative values, given: %v", what, parts)
		}
		total += shared.RatioFromFloat(p)
	}
	if total != shared.One {
		return fmt.Errorf("invalid %s; expected: sum of 1, given: %v", what, total)
	}
	return nil
}
