package db

const (
	UpsertDevice = `
		INSERT INTO devices (name, kind, ip_address, port, port_name, baud_rate, parity, stop_bits, spooler_name, chars_per_line, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			ip_address = excluded.ip_address,
			port = excluded.port,
			port_name = excluded.port_name,
			baud_rate = excluded.baud_rate,
			parity = excluded.parity,
			stop_bits = excluded.stop_bits,
			spooler_name = excluded.spooler_name,
			chars_per_line = excluded.chars_per_line,
			active = excluded.active,
			updated_at = CURRENT_TIMESTAMP
	`

	GetDeviceByName = `
		SELECT name, kind, ip_address, port, port_name, baud_rate, parity, stop_bits, spooler_name, chars_per_line, active
		FROM devices WHERE name = ?
	`

	ListDevices = `
		SELECT name, kind, ip_address, port, port_name, baud_rate, parity, stop_bits, spooler_name, chars_per_line, active
		FROM devices ORDER BY name ASC
	`

	DeleteDevice = `DELETE FROM devices WHERE name = ?`
)

const (
	UpsertJobRecord = `
		INSERT INTO job_history (id, device, kind, priority, status, retry_count, max_retries, last_error, correlation_ref, payload_bytes, queued_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`

	GetJobRecordByID = `
		SELECT id, device, kind, priority, status, retry_count, max_retries, last_error, correlation_ref, payload_bytes, queued_at, started_at, completed_at
		FROM job_history WHERE id = ?
	`

	PruneJobHistory = `DELETE FROM job_history WHERE completed_at IS NOT NULL AND completed_at < ?`

	CountJobHistoryByStatus = `SELECT status, COUNT(*) FROM job_history GROUP BY status`
)
