package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benschg/rasperature/internal/adapters/wal"
	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

func seedWAL(t *testing.T, dir string, n int) {
	t.Helper()
	w, err := wal.NewFileWAL(dir, wal.Options{SyncWrites: true})
	require.NoError(t, err)
	ts := time.Date(2026, 4, 1, 6, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		r := &domain.Reading{
			SensorID:   "bme",
			DeviceID:   "rpi_001",
			CustomerID: "customer_001",
			Timestamp:  ts.Add(time.Duration(i) * time.Minute),
			Values:     map[string]float64{"temperature": 20 + float64(i)},
			Status:     domain.StatusOK,
		}
		id, err := w.Append(domain.NewQueueEntry(r, ts))
		require.NoError(t, err)
		if i == 0 {
			require.NoError(t, w.UpdateSchedule(ports.ScheduleUpdate{ID: id, AttemptCount: 2, NextAttemptAt: ts.Add(time.Hour)}))
		}
	}
	require.NoError(t, w.Close())
}

func writeDrainConfig(t *testing.T, dir, bufDir string) string {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := `
device:
  id: rpi_001
  customer_id: customer_001
sensors:
  - id: bme
    type: simulated
buffer:
  dir: ` + bufDir + `
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	return cfgPath
}

func decodeLines(t *testing.T, b []byte) []drainedEntry {
	t.Helper()
	var out []drainedEntry
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var d drainedEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &d))
		out = append(out, d)
	}
	return out
}

func TestDrainPrintsBufferedEntries(t *testing.T) {
	dir := t.TempDir()
	bufDir := filepath.Join(dir, "buffer")
	seedWAL(t, bufDir, 3)

	cfgPath := writeDrainConfig(t, dir, bufDir)

	var out bytes.Buffer
	require.NoError(t, drainCommand([]string{"--config", cfgPath}, &out))

	entries := decodeLines(t, out.Bytes())
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[0].AttemptCount)
	require.NotNil(t, entries[0].NextAttemptAt)
	assert.Nil(t, entries[1].NextAttemptAt)
	assert.Equal(t, 22.0, entries[2].Readings["temperature"])
	assert.NotEmpty(t, entries[2].IdempotencyKey)

	out.Reset()
	require.NoError(t, drainCommand([]string{"-c", cfgPath, "-n", "1"}, &out))
	assert.Len(t, decodeLines(t, out.Bytes()), 1)
}

func TestDrainMissingConfig(t *testing.T) {
	var out bytes.Buffer
	err := drainCommand([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}, &out)
	assert.Error(t, err)
}

func TestDrainDoesNotTruncateRecordInProgress(t *testing.T) {
	dir := t.TempDir()
	bufDir := filepath.Join(dir, "buffer")
	seedWAL(t, bufDir, 2)
	cfgPath := writeDrainConfig(t, dir, bufDir)

	walPath := filepath.Join(bufDir, "buffer.wal")
	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	before, err := os.Stat(walPath)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, drainCommand([]string{"-c", cfgPath}, &out))
	assert.Len(t, decodeLines(t, out.Bytes()), 2)

	after, err := os.Stat(walPath)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
}
