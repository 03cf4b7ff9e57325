package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillpos/printspool/internal/spool"
	"github.com/tillpos/printspool/internal/transport"
)

// The database handle is a process-wide singleton, so one test walks
// the whole surface in order.
func TestDatabaseOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printspool.db")
	require.NoError(t, Init(Config{Path: path}))
	t.Cleanup(func() { Close() })

	ctx := context.Background()

	t.Run("device registry", func(t *testing.T) {
		dev := &transport.Device{
			Name: "bar", Kind: transport.KindNetwork,
			IPAddress: "192.168.1.20", Port: 9100,
			CharsPerLine: 48, Active: true,
		}
		require.NoError(t, Devices.UpsertDevice(ctx, dev))

		got, err := Devices.GetDeviceByName(ctx, "bar")
		require.NoError(t, err)
		assert.Equal(t, transport.KindNetwork, got.Kind)
		assert.Equal(t, "192.168.1.20", got.IPAddress)
		assert.True(t, got.Active)

		dev.Active = false
		require.NoError(t, Devices.UpsertDevice(ctx, dev))
		got, err = Devices.GetDeviceByName(ctx, "bar")
		require.NoError(t, err)
		assert.False(t, got.Active)

		list, err := Devices.ListDevices(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, Devices.DeleteDevice(ctx, "bar"))
		_, err = Devices.GetDeviceByName(ctx, "bar")
		assert.ErrorIs(t, err, sql.ErrNoRows)
		assert.ErrorIs(t, Devices.DeleteDevice(ctx, "bar"), sql.ErrNoRows)
	})

	t.Run("job history", func(t *testing.T) {
		now := time.Now()
		done := now.Add(time.Second)
		job := &spool.Job{
			ID: "job-1", Device: "bar", Kind: spool.KindReceipt,
			Priority: spool.PriorityNormal, Status: spool.StatusFailed,
			RetryCount: 3, MaxRetries: 3, LastError: "device unreachable",
			Payload: []byte("doc"), QueuedAt: now, CompletedAt: &done,
		}
		require.NoError(t, History.RecordJob(ctx, job))

		// Operator retry later succeeds; the row is upserted.
		job.Status = spool.StatusCompleted
		job.RetryCount = 0
		job.LastError = ""
		require.NoError(t, History.RecordJob(ctx, job))

		rec, err := History.GetJobRecordByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "completed", rec.Status)
		assert.Equal(t, 0, rec.RetryCount)
		assert.Equal(t, 3, rec.PayloadBytes)

		records, err := History.ListJobRecords(ctx, HistoryFilter{Device: "bar"})
		require.NoError(t, err)
		assert.Len(t, records, 1)

		records, err = History.ListJobRecords(ctx, HistoryFilter{Status: "failed"})
		require.NoError(t, err)
		assert.Empty(t, records)

		counts, err := History.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts["completed"])

		pruned, err := History.PruneHistory(ctx, done.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), pruned)
	})
}
