package cmd

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/archivechain/poa/shared"
)

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	root := NewRootCmd(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func field(t *testing.T, out, name string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, name+":") {
			return strings.TrimSpace(strings.TrimPrefix(line, name+":"))
		}
	}
	t.Fatalf("no %q in output:\n%s", name, out)
	return ""
}

func TestKeygenIngestProveVerify(t *testing.T) {
	r := require.New(t)
	datadir := t.TempDir()

	out, err := run(t, "keygen", "--datadir", datadir)
	r.NoError(err)
	id, err := shared.ParseNodeID(strings.TrimSpace(out))
	r.NoError(err)
	signer, err := loadKey(datadir)
	r.NoError(err)
	r.Equal(id, signer.NodeID())

	_, err = run(t, "keygen", "--datadir", datadir)
	r.ErrorIs(err, ErrKeyFileExists)

	file := filepath.Join(t.TempDir(), "archive.bin")
	data := make([]byte, 20_000)
	_, _ = rand.Read(data)
	r.NoError(os.WriteFile(file, data, 0o600))

	out, err = run(t, "ingest", file, "--datadir", datadir, "--class", "dataset")
	r.NoError(err)
	archive := field(t, out, "archive")
	r.Equal("dataset", field(t, out, "class"))

	prev := shared.Sum([]byte("block")).String()
	proofDir := t.TempDir()
	_, err = run(t, "prove", archive, "--datadir", datadir, "--epoch", "7", "--prev", prev, "--out", proofDir)
	r.NoError(err)

	out, err = run(t, "verify", proofDir, "--datadir", datadir, "--prev", prev)
	r.NoError(err)
	r.Equal(shared.Valid.String(), field(t, out, "verdict"))

	out, err = run(t, "verify", proofDir, "--datadir", datadir, "--epoch", "8")
	r.Error(err)
	r.Equal(shared.Expired.String(), field(t, out, "verdict"))

	out, err = run(t, "verify", proofDir, "--datadir", datadir, "--prev", shared.Sum([]byte("other")).String())
	r.Error(err)
	r.Equal(shared.Invalid.String(), field(t, out, "verdict"))
}

func TestIngest_Errors(t *testing.T) {
	r := require.New(t)
	_, err := run(t, "ingest", filepath.Join(t.TempDir(), "missing"), "--datadir", t.TempDir())
	r.Error(err)

	_, err = run(t, "ingest", "x", "--class", "video", "--datadir", t.TempDir())
	r.Error(err)

	_, err = run(t, "prove", "abcd", "--datadir", t.TempDir())
	r.Error(err)
}

func TestConfig(t *testing.T) {
	r := require.New(t)
	file := filepath.Join(t.TempDir(), "poa.yaml")
	r.NoError(os.WriteFile(file, []byte("consensus:\n  max-attempts: 3\n  round-timeout: 2s\nstore:\n  backend: pebble\n"), 0o600))

	g := &globals{configFile: file, vip: viper.New()}
	cfg, err := g.loadConfig()
	r.NoError(err)
	r.Equal(3, cfg.Consensus.MaxAttempts)
	r.Equal("2s", cfg.Consensus.RoundTimeout.String())
	r.Equal("pebble", cfg.Store.Backend)

	out, err := run(t, "config", "--config", file, "--datadir", "/tmp/poa-test")
	r.NoError(err)
	r.Contains(out, "MaxAttempts: (int) 3")
	r.Contains(out, "/tmp/poa-test")

	// Flags win over the file.
	out, err = run(t, "config", "--config", file, "--store", "memory")
	r.NoError(err)
	r.Contains(out, `Backend: (string) (len=6) "memory"`)

	r.NoError(os.WriteFile(file, []byte("consensus:\n  max-attempts: 0\n"), 0o600))
	_, err = run(t, "config", "--config", file)
	r.ErrorContains(err, "MaxAttempts")
}

func TestRewards(t *testing.T) {
	r := require.New(t)
	out, err := run(t, "rewards", "--size", "4G", "--periods", "12", "--storage", "0.99")
	r.NoError(err)
	for _, want := range []string{"standard", "critical", "full-archive", "gateway", "MONTHLY CUSTODY"} {
		r.Contains(strings.ToLower(out), strings.ToLower(want))
	}

	_, err = run(t, "rewards", "--size", "lots")
	r.Error(err)
}

func TestSimulate(t *testing.T) {
	r := require.New(t)
	out, err := run(t, "simulate", "--nodes", "3", "--heights", "2", "--archives", "2", "--archive-size", "8K")
	r.NoError(err)
	r.Contains(out, "LEDGER: 2 heights")

	_, err = run(t, "simulate", "--nodes", "0")
	r.Error(err)
}
