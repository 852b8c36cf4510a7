package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/config"
	"proctord/internal/ipc"
	"proctord/internal/report"
	"proctord/internal/store"
	"proctord/internal/violation"
)

// testConfig writes a configuration that keeps every path under a
// temporary directory and returns its location.
func testConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	// Unix socket paths are length-limited; TempDir names can be long.
	sockDir, err := os.MkdirTemp("", "pd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	cfg := config.DefaultConfig()
	cfg.Logging.Output = "discard"
	cfg.Store.Path = filepath.Join(dir, "data", "sessions.db")
	cfg.IPC.SocketPath = filepath.Join(sockDir, "proctord.sock")
	cfg.Report.Dir = filepath.Join(dir, "reports")
	cfg.Audit.Path = filepath.Join(dir, "logs", "audit.log")

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path, cfg
}

func execute(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(context.Background(), args...)
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctord.toml")
	t.Setenv("PROCTORD_DATA_DIR", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	out, err := run(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = run(t, "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, err = run(t, "--config", path, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestConfigValidate(t *testing.T) {
	path, _ := testConfig(t)

	out, err := run(t, "-c", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("version = 1\n[logging]\nlevel = \"loud\"\n"), 0o600))
	out, err = run(t, "-c", bad, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, out, "logging.level")
}

func TestConfigShow(t *testing.T) {
	path, cfg := testConfig(t)

	out, err := run(t, "-c", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[monitor]")
	assert.Contains(t, out, cfg.Store.Path)

	out, err = run(t, "-c", path, "config", "show", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"max_warnings": 3`)
}

func TestReplayCommand(t *testing.T) {
	scenario := filepath.Join("..", "..", "internal", "replay", "testdata", "three-strikes.yaml")

	out, err := run(t, "replay", scenario, "--expect", "terminated")
	require.NoError(t, err)
	assert.Contains(t, out, "Warning 1:")
	assert.Contains(t, out, "TERMINATED")

	_, err = run(t, "replay", scenario, "--expect", "running")
	assert.Error(t, err)

	out, err = run(t, "replay", scenario, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"termination"`)
	assert.NotContains(t, out, "Warning 1:")
}

func TestReplayMissingFile(t *testing.T) {
	_, err := run(t, "replay", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSessionsCommands(t *testing.T) {
	path, cfg := testConfig(t)
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	r := report.Build("sess-1", "cand-1", store.StateStopped,
		[]violation.Warning{{Type: violation.TabSwitch, Reason: "Tab switching detected", SequenceNumber: 1, Timestamp: started.Add(time.Minute)}},
		violation.Tally{violation.TabSwitch: 2}, started, started.Add(30*time.Minute))
	_, err := report.NewExporter(cfg.Report.Dir).Export(r)
	require.NoError(t, err)

	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	require.NoError(t, st.SaveOutcome(context.Background(), r.Outcome()))
	require.NoError(t, st.Close())

	out, err := run(t, "-c", path, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1")
	assert.Contains(t, out, "stopped: 1")

	out, err = run(t, "-c", path, "sessions", "show", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "cand-1")
	assert.Contains(t, out, "tab-switch")

	out, err = run(t, "-c", path, "sessions", "verify", "sess-1")
	require.NoError(t, err)
	assert.Contains(t, out, "sess-1: ok")

	out, err = run(t, "-c", path, "sessions", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "schema v")

	_, err = run(t, "-c", path, "sessions", "show", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = run(t, "-c", path, "sessions", "delete", "sess-1")
	require.NoError(t, err)
	out, err = run(t, "-c", path, "sessions", "list", "--json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestSessionsVerifyDetectsMismatch(t *testing.T) {
	path, cfg := testConfig(t)
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	r := report.Build("sess-2", "", store.StateStopped, nil, violation.Tally{}, started, started.Add(time.Hour))
	_, err := report.NewExporter(cfg.Report.Dir).Export(r)
	require.NoError(t, err)

	o := r.Outcome()
	o.Digest = strings.Repeat("0", 64)
	st, err := store.Open(cfg.Store.Path)
	require.NoError(t, err)
	require.NoError(t, st.SaveOutcome(context.Background(), o))
	require.NoError(t, st.Close())

	_, err = run(t, "-c", path, "sessions", "verify", "sess-2")
	assert.ErrorIs(t, err, errDigestMismatch)
}

func TestServeStatusAndShutdown(t *testing.T) {
	path, cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := execute(ctx, "-c", path, "serve", "--no-watch")
		done <- err
	}()
	require.Eventually(t, func() bool { return ipc.IsSocketListening(cfg.IPC.SocketPath) },
		5*time.Second, 20*time.Millisecond)

	client, err := ipc.Dial(context.Background(), ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	require.NoError(t, err)
	started, err := client.StartSession(context.Background(), "cand-7", nil, nil)
	require.NoError(t, err)

	out, err := run(t, "status", "--socket", cfg.IPC.SocketPath)
	require.NoError(t, err)
	assert.Contains(t, out, started.SessionID)

	summary, err := client.StopSession(context.Background(), started.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StateStopped, summary.State)
	require.NoError(t, client.Close())

	out, err = run(t, "-c", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No active sessions.")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}

	out, err = run(t, "-c", path, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, started.SessionID)
	assert.FileExists(t, filepath.Join(cfg.Report.Dir, started.SessionID+".json"))
	assert.FileExists(t, cfg.Audit.Path)
}

func TestStatusWithoutDaemon(t *testing.T) {
	path, _ := testConfig(t)
	_, err := run(t, "-c", path, "status")
	assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning)
}
