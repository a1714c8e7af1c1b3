package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/abxfeed/internal/config"
	"github.com/danmuck/abxfeed/internal/feedsim"
	"github.com/danmuck/abxfeed/internal/protocol/wire"
	"github.com/danmuck/abxfeed/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func hostPort(t *testing.T, addr string) (string, string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return host, port
}

func TestFetchWritesRepairedSnapshot(t *testing.T) {
	testlog.Start(t)
	srv := feedsim.New(feedsim.Synthetic(14, 1), feedsim.Options{Drop: []int32{4, 9}})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })

	host, port := hostPort(t, srv.Addr())
	out := filepath.Join(t.TempDir(), "output.json")
	_, err := execute(t, "fetch", "--host", host, "--port", port, "--output", out, "--error-log", "-")
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var packets []wire.Packet
	require.NoError(t, json.Unmarshal(raw, &packets))
	require.Len(t, packets, 14)
	for i, p := range packets {
		assert.Equal(t, int32(i+1), p.Sequence)
	}
}

func TestFetchRejectsUnknownFormat(t *testing.T) {
	testlog.Start(t)
	_, err := execute(t, "fetch", "--format", "xml", "--output", filepath.Join(t.TempDir(), "out.xml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFetchUnreachableFeedExitsWithFailure(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port := hostPort(t, ln.Addr().String())
	require.NoError(t, ln.Close())

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "abx.toml")
	body := "[feed]\nhost = \"127.0.0.1\"\nport = " + port + "\n\n[connect]\nmax_attempts = 2\ndelay = \"0s\"\n\n[output]\npath = \"" + filepath.ToSlash(filepath.Join(dir, "out.json")) + "\"\n\n[log]\nerror_log = \"\"\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	_, err = execute(t, "--config", cfgPath, "fetch")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	_, statErr := os.Stat(filepath.Join(dir, "out.json"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestConfigInitThenValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "abx.toml")

	out, err := execute(t, "config", "init", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", "--output", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "localhost:3000")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Output, cfg.Output)
}

func TestConfigValidateRequiresPath(t *testing.T) {
	testlog.Start(t)
	_, err := execute(t, "config", "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCodeDefaultsToFailure(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", nil)))
}
