package db

import (
	"time"
)

// JobRecord is the durable archive row for a job that reached a
// terminal state. The payload itself is not stored, only its size.
type JobRecord struct {
	ID             string     `json:"id"`
	Device         string     `json:"device"`
	Kind           string     `json:"kind"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	LastError      string     `json:"last_error,omitempty"`
	CorrelationRef string     `json:"correlation_ref,omitempty"`
	PayloadBytes   int        `json:"payload_bytes"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// HistoryFilter narrows ListJobRecords.
type HistoryFilter struct {
	Device string
	Status string
	Limit  int
	Offset int
}
