package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tillpos/printspool/internal/spool"
	"github.com/tillpos/printspool/internal/transport"
)

var (
	Devices = &DeviceOperations{}
	History = &HistoryOperations{}
)

type DeviceOperations struct{}

func (o *DeviceOperations) UpsertDevice(ctx context.Context, d *transport.Device) error {
	_, err := GetDB().ExecContext(ctx, UpsertDevice,
		d.Name, string(d.Kind), d.IPAddress, d.Port, d.PortName,
		d.BaudRate, d.Parity, d.StopBits, d.SpoolerName, d.CharsPerLine, boolToInt(d.Active))
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (o *DeviceOperations) GetDeviceByName(ctx context.Context, name string) (*transport.Device, error) {
	row := GetDB().QueryRowContext(ctx, GetDeviceByName, name)
	d, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (o *DeviceOperations) ListDevices(ctx context.Context) ([]*transport.Device, error) {
	rows, err := GetDB().QueryContext(ctx, ListDevices)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*transport.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (o *DeviceOperations) DeleteDevice(ctx context.Context, name string) error {
	result, err := GetDB().ExecContext(ctx, DeleteDevice, name)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDevice(row scannable) (*transport.Device, error) {
	var d transport.Device
	var kind string
	var active int
	err := row.Scan(&d.Name, &kind, &d.IPAddress, &d.Port, &d.PortName,
		&d.BaudRate, &d.Parity, &d.StopBits, &d.SpoolerName, &d.CharsPerLine, &active)
	if err != nil {
		return nil, err
	}
	d.Kind = transport.Kind(kind)
	d.Active = active == 1
	return &d, nil
}

type HistoryOperations struct{}

// RecordJob archives a terminal job. A job can reach a terminal state
// more than once (Failed then operator-retried), so the row is
// upserted with the latest outcome.
func (o *HistoryOperations) RecordJob(ctx context.Context, job *spool.Job) error {
	_, err := GetDB().ExecContext(ctx, UpsertJobRecord,
		job.ID, job.Device, string(job.Kind), job.Priority.String(), string(job.Status),
		job.RetryCount, job.MaxRetries, job.LastError, job.CorrelationRef,
		len(job.Payload), job.QueuedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record job: %w", err)
	}
	return nil
}

func (o *HistoryOperations) GetJobRecordByID(ctx context.Context, id string) (*JobRecord, error) {
	r := &JobRecord{}
	var startedAt, completedAt sql.NullTime
	err := GetDB().QueryRowContext(ctx, GetJobRecordByID, id).Scan(
		&r.ID, &r.Device, &r.Kind, &r.Priority, &r.Status,
		&r.RetryCount, &r.MaxRetries, &r.LastError, &r.CorrelationRef,
		&r.PayloadBytes, &r.QueuedAt, &startedAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job record: %w", err)
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (o *HistoryOperations) ListJobRecords(ctx context.Context, filter HistoryFilter) ([]*JobRecord, error) {
	query := `
		SELECT id, device, kind, priority, status, retry_count, max_retries, last_error, correlation_ref, payload_bytes, queued_at, started_at, completed_at
		FROM job_history
	`
	var conds []string
	var args []any
	if filter.Device != "" {
		conds = append(conds, "device = ?")
		args = append(args, filter.Device)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY queued_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	defer rows.Close()

	var records []*JobRecord
	for rows.Next() {
		r := &JobRecord{}
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.Device, &r.Kind, &r.Priority, &r.Status,
			&r.RetryCount, &r.MaxRetries, &r.LastError, &r.CorrelationRef,
			&r.PayloadBytes, &r.QueuedAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		if startedAt.Valid {
			r.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PruneHistory deletes records whose completion aged past the cutoff.
func (o *HistoryOperations) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := GetDB().ExecContext(ctx, PruneJobHistory, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune job history: %w", err)
	}
	return result.RowsAffected()
}

func (o *HistoryOperations) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := GetDB().QueryContext(ctx, CountJobHistoryByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count job history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
