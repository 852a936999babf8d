package daemon

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ramrod/internal/command"
	"firestige.xyz/ramrod/internal/eventbus"
	"firestige.xyz/ramrod/internal/metrics"
	"firestige.xyz/ramrod/internal/sp"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func baseConfig(dir, hostname, level string) string {
	return `
ramrod:
  node:
    hostname: ` + hostname + `
  data_dir: ` + dir + `
  log:
    level: ` + level + `
    format: text
  metrics:
    enabled: true
    listen: 127.0.0.1:0
  command_channel:
    enabled: false
  device:
    chip: e2
    num_queues: 2
    max_cos: 2
    wait:
      retries: 2000
      interval: 1ms
`
}

func startDaemon(t *testing.T, dir, configPath string) (*Daemon, string, string, chan error) {
	t.Helper()
	socketPath := filepath.Join(dir, "ramrod.sock")
	pidFile := filepath.Join(dir, "ramrod.pid")

	d, err := New(configPath, socketPath, pidFile)
	require.NoError(t, err)
	require.NoError(t, d.Start())

	runDone := make(chan error, 1)
	go func() { runDone <- d.Run() }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return d, socketPath, pidFile, runDone
}

func waitStopped(t *testing.T, runDone chan error) {
	t.Helper()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}
}

func TestDaemon_StartStopIntegration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, baseConfig(tmpDir, "test-daemon-001", "debug"))

	d, socketPath, pidFile, runDone := startDaemon(t, tmpDir, configPath)
	_, err := os.Stat(pidFile)
	assert.NoError(t, err, "PID file was not created")
	assert.True(t, d.adapter.Loaded())

	client := command.NewUDSClient(socketPath, 5*time.Second)
	require.NoError(t, client.Ping(context.Background()))

	d.TriggerShutdown()
	waitStopped(t, runDone)

	assert.False(t, d.adapter.Loaded())
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "PID file was not removed after shutdown")
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "UDS socket was not removed after shutdown")

	// Stop after Run returned is a no-op.
	d.Stop()
}

func TestDaemon_SnapshotSurvivesRestart(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, baseConfig(tmpDir, "test-daemon-002", "info"))
	ctx := context.Background()

	_, socketPath, _, runDone := startDaemon(t, tmpDir, configPath)
	client := command.NewUDSClient(socketPath, 5*time.Second)

	resp, err := client.MAC(ctx, "add", command.EntryParams{Queue: 1, MAC: "02:00:00:00:00:42"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	resp, err = client.Shutdown(ctx)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	waitStopped(t, runDone)

	d, socketPath, _, runDone := startDaemon(t, tmpDir, configPath)
	entries, err := d.adapter.Entries(1, sp.KindMAC)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "02:00:00:00:00:42", entries[0].Key.MAC.String())

	client = command.NewUDSClient(socketPath, 5*time.Second)
	_, err = client.Shutdown(ctx)
	require.NoError(t, err)
	waitStopped(t, runDone)
}

func TestNew_InvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, `
ramrod:
  log:
    level: loud
`)
	_, err := New(configPath, "", "")
	assert.Error(t, err)

	_, err = New(filepath.Join(tmpDir, "missing.yml"), "", "")
	assert.Error(t, err)
}

func TestDaemon_DroppedCompletionReported(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	bus := eventbus.NewInMemoryEventBus(1, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, bus.Close())
	d := &Daemon{bus: eventbus.NewCompletionBus(bus)}

	counter := metrics.EventBusDroppedTotal.WithLabelValues(sp.OpSetMAC.String())
	before := testutil.ToFloat64(counter)
	d.publishCompletion(sp.Event{Opcode: sp.OpSetMAC, CID: 17})

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	out := buf.String()
	assert.Contains(t, out, "completion dropped")
	assert.Contains(t, out, "nic_recover")
	assert.Contains(t, out, "cid=17")
	assert.Contains(t, out, "opcode="+sp.OpSetMAC.String())
}
