package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	t       *testing.T
	config  string
	dataDir string
}

func newCLI(t *testing.T, config string) *cli {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))
	return &cli{t: t, config: path, dataDir: filepath.Join(dir, "data")}
}

func (c *cli) run(stdin string, args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", c.config, "--data-dir", c.dataDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (c *cli) must(args ...string) string {
	c.t.Helper()
	out, err := c.run("", args...)
	require.NoError(c.t, err, "kvsync %v", args)
	return out
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"put", "get", "rm", "ls", "dump", "simulate", "backends", "identity"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
	rm, _, err := cmd.Find([]string{"rm"})
	require.NoError(t, err)
	lazy := rm.Flags().Lookup("lazy")
	require.NotNil(t, lazy)
	assert.Equal(t, "false", lazy.DefValue)
}

func TestPutGetRemoveThroughOracle(t *testing.T) {
	c := newCLI(t, "")

	c.must("put", "monitors", "", "chan-0", "hello")
	_, err := c.run("from stdin", "put", "monitors", "", "chan-1")
	require.NoError(t, err)

	assert.Equal(t, "hello", c.must("get", "monitors", "", "chan-0"))
	assert.Equal(t, "from stdin", c.must("get", "monitors", "", "chan-1"))
	assert.Contains(t, c.must("get", "--hex", "monitors", "", "chan-0"), "68 65 6c 6c 6f")
	assert.Equal(t, "chan-0\nchan-1\n", c.must("ls", "monitors"))

	c.must("rm", "--lazy", "monitors", "", "chan-0")
	c.must("rm", "monitors", "", "chan-0")
	assert.Equal(t, "chan-1\n", c.must("ls", "monitors"))

	_, err = c.run("", "get", "monitors", "", "chan-0")
	require.ErrorContains(t, err, "not found")

	// Every configured backend got the writes.
	for _, name := range []string{"fs", "sqlite", "bolt"} {
		_, err := os.Stat(filepath.Join(c.dataDir, name+"_store"))
		require.NoError(t, err, name)
	}
}

func TestSingleBackend(t *testing.T) {
	c := newCLI(t, "[store]\nbackends = [\"sqlite\"]\n")
	c.must("put", "a", "b", "k", "v")
	assert.Equal(t, "v", c.must("get", "a", "b", "k"))
	_, err := os.Stat(filepath.Join(c.dataDir, "fs_store"))
	require.True(t, os.IsNotExist(err))
}

func TestDump(t *testing.T) {
	for _, backends := range []string{"bolt", "fs,sqlite,bolt"} {
		t.Run(backends, func(t *testing.T) {
			c := newCLI(t, "")
			c.must("put", "--backends", backends, "monitors", "", "b", "hi")
			c.must("put", "--backends", backends, "monitors", "", "a", "\x01")
			c.must("put", "--backends", backends, "monitors", "sub", "c", "other")
			assert.Equal(t, "a\t01\nb\t6869\n", c.must("dump", "--backends", backends, "monitors"))
			assert.Empty(t, c.must("dump", "--backends", backends, "nothing"))
		})
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	c := newCLI(t, "")
	_, err := c.run("", "put", "monitors", "", "", "x")
	require.ErrorContains(t, err, "empty key")
	_, err = c.run("", "ls", "", "orphan")
	require.ErrorContains(t, err, "secondary namespace without primary")
}

func TestBackendsCommand(t *testing.T) {
	c := newCLI(t, "")
	out := c.must("backends", "--backends", "sqlite,fs")
	assert.Contains(t, out, "P sqlite\n")
	assert.Contains(t, out, "* fs\n")
	assert.Contains(t, out, "  memory\n")
}

func TestConfigErrors(t *testing.T) {
	c := newCLI(t, "[store]\nbackends = [\"tape\"]\n")
	_, err := c.run("", "backends")
	require.ErrorContains(t, err, `unknown backend "tape"`)

	c = newCLI(t, "[stor]\nx = 1\n")
	_, err = c.run("", "backends")
	require.ErrorContains(t, err, "unknown keys")
}

func TestSimulateCanonical(t *testing.T) {
	c := newCLI(t, "")
	out := c.must("simulate", "--dir", t.TempDir())
	assert.Contains(t, out, "scenario canonical: ok")
	assert.Contains(t, out, "force_close")
	assert.Contains(t, out, "1 [closed]")
}

func TestSimulateIncremental(t *testing.T) {
	c := newCLI(t, "[monitor]\nmax_pending_updates = 3\n")
	out := c.must("simulate", "--backends", "fs,memory")
	assert.Contains(t, out, "scenario canonical: ok")
}

func TestSimulateFailingScript(t *testing.T) {
	c := newCLI(t, "")
	script := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(script, []byte(`
name: wrong
funding_sat: 50000
steps:
  - action: open
    from: alice
    to: bob
    expect:
      bob: {update_id: 3}
`), 0o600))
	out, err := c.run("", "simulate", "--scenario", script)
	require.ErrorContains(t, err, "bob at update id 0, want 3")
	assert.Contains(t, out, "open")
}

func TestIdentityIsStable(t *testing.T) {
	c := newCLI(t, "")
	first := c.must("identity")
	require.Len(t, strings.TrimSpace(first), 64)
	assert.Equal(t, first, c.must("identity"))
}
