// Package cmd holds the commands of poacli, the operator tool of a Proof of
// Archive node.
package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spacemeshos/smutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

const edKeyFileName = "key.bin"

var (
	// Version is the version of the binary.
	Version = "0.0.0"

	// Commit is the commit hash of the binary.
	Commit = ""

	ErrKeyFileExists = errors.New("key file already exists")
)

// globals are the persistent flags shared by every command.
type globals struct {
	configFile string
	dataDir    string
	logLevel   string
	backend    string

	vip *viper.Viper
	out io.Writer
}

// NewRootCmd builds the command tree. Output that is not logging goes to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	g := &globals{vip: viper.New(), out: out}
	root := &cobra.Command{
		Use:           "poacli",
		Short:         "Proof of Archive node tool",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOutput(out)

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configFile, "config", "c", "", "path to a configuration file (yaml, toml or json)")
	flags.StringVar(&g.dataDir, "datadir", config.DefaultDataDir, "directory holding the key, the archives and the node state")
	flags.StringVar(&g.logLevel, "log-level", zapcore.InfoLevel.String(), "log level (debug, info, warn, error)")
	flags.StringVar(&g.backend, "store", config.StoreMemory, "state store backend (memory or pebble)")
	if err := g.vip.BindPFlag("datadir", flags.Lookup("datadir")); err != nil {
		panic(err)
	}
	if err := g.vip.BindPFlag("store.backend", flags.Lookup("store")); err != nil {
		panic(err)
	}

	root.AddCommand(
		newKeygenCmd(g),
		newIngestCmd(g),
		newProveCmd(g),
		newVerifyCmd(g),
		newRewardsCmd(g),
		newSimulateCmd(g),
		newConfigCmd(g),
	)
	return root
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	root := NewRootCmd(os.Stdout)
	if Commit != "" {
		root.Version = fmt.Sprintf("%s (%s)", Version, Commit)
	}
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "poacli:", err)
		os.Exit(1)
	}
}

// loadConfig layers the configuration file and the command line flags over
// the defaults.
func (g *globals) loadConfig() (*config.Config, error) {
	if g.configFile != "" {
		g.vip.SetConfigFile(smutil.GetCanonicalPath(g.configFile))
		if err := g.vip.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	if err := g.vip.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.DataDir = smutil.GetCanonicalPath(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globals) logger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(g.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			MessageKey:     "M",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zap logger: %w", err)
	}
	return logger, nil
}

// setup loads the configuration and builds the logger.
func (g *globals) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := g.logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

func saveKey(datadir string, s *shared.Signer) error {
	if err := os.MkdirAll(datadir, 0o700); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir error: %w", err)
	}

	filename := filepath.Join(datadir, edKeyFileName)
	if _, err := os.Stat(filename); err == nil {
		return ErrKeyFileExists
	}

	if err := os.WriteFile(filename, []byte(hex.EncodeToString(s.PrivateKey())), 0o600); err != nil {
		return fmt.Errorf("key write to disk error: %w", err)
	}
	return nil
}

func loadKey(datadir string) (*shared.Signer, error) {
	keyPath := filepath.Join(datadir, edKeyFileName)
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("could not read private key from %s: %w", keyPath, err)
	}
	key, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key from %s: %w", keyPath, err)
	}
	return shared.NewSigner(key)
}
