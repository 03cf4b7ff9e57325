package spool

import (
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Kind string

const (
	KindReceipt       Kind = "receipt"
	KindKitchenTicket Kind = "kitchen_ticket"
	KindReport        Kind = "report"
	KindTestPage      Kind = "test_page"
)

// Priority orders dispatch within one device's queue. Lower values
// dispatch first; within a tier jobs go strictly in enqueue order.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	numTiers = 4
)

func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps the wire name to a tier, defaulting to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Job is one unit of delivery to one device. The payload is immutable
// once enqueued; after creation only the dispatcher mutates status.
type Job struct {
	ID             string     `json:"id"`
	Device         string     `json:"device"`
	Payload        []byte     `json:"-"`
	Kind           Kind       `json:"kind"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	LastError      string     `json:"last_error,omitempty"`
	CorrelationRef string     `json:"correlation_ref,omitempty"`
	QueuedAt       time.Time  `json:"queued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	seq uint64
}

// clone snapshots the job for listings and event callbacks so readers
// never alias dispatcher-owned state. The payload is shared; it is
// immutable by contract.
func (j *Job) clone() *Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}
