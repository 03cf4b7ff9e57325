package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tillpos/printspool/internal/config"
	"github.com/tillpos/printspool/internal/spool"
)

type Event string

const (
	EventJobCompleted        Event = "job_completed"
	EventJobFailed           Event = "job_failed"
	EventDeviceStatusChanged Event = "device_status_changed"
)

type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type JobEventData struct {
	JobID          string `json:"job_id"`
	Device         string `json:"device"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	RetryCount     int    `json:"retry_count"`
	ErrorMessage   string `json:"error_message,omitempty"`
	CorrelationRef string `json:"correlation_ref,omitempty"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
}

type DeviceStatusData struct {
	Device         string    `json:"device"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Timestamp      time.Time `json:"timestamp"`
}

type task struct {
	endpoint config.WebhookEndpoint
	event    Event
	payload  *Payload
	attempt  int
}

// Sender delivers queue events to the configured HTTP endpoints
// through a small worker pool. Deliveries are best effort: a full
// task queue drops the event rather than block the dispatcher.
type Sender struct {
	endpoints  []config.WebhookEndpoint
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	queue      chan *task
	stopCh     chan struct{}
	wg         sync.WaitGroup
	workers    int
	log        *zap.Logger
}

func NewSender(cfg config.WebhooksConfig, log *zap.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Sender{
		endpoints: cfg.Endpoints,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		queue:      make(chan *task, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		workers:    cfg.WorkerCount,
		log:        log.Named("webhook"),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// JobCompleted implements spool.Notifier.
func (s *Sender) JobCompleted(job *spool.Job) {
	s.enqueue(EventJobCompleted, jobEventData(job))
}

// JobFailed implements spool.Notifier.
func (s *Sender) JobFailed(job *spool.Job) {
	s.enqueue(EventJobFailed, jobEventData(job))
}

// DeviceStatusChanged implements spool.Notifier.
func (s *Sender) DeviceStatusChanged(device, oldStatus, newStatus string) {
	s.enqueue(EventDeviceStatusChanged, &DeviceStatusData{
		Device:         device,
		PreviousStatus: oldStatus,
		NewStatus:      newStatus,
		Timestamp:      time.Now(),
	})
}

func jobEventData(job *spool.Job) *JobEventData {
	data := &JobEventData{
		JobID:          job.ID,
		Device:         job.Device,
		Kind:           string(job.Kind),
		Status:         string(job.Status),
		RetryCount:     job.RetryCount,
		ErrorMessage:   job.LastError,
		CorrelationRef: job.CorrelationRef,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		data.DurationMs = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	}
	return data
}

func (s *Sender) enqueue(event Event, data interface{}) {
	for _, ep := range s.endpoints {
		if !endpointWants(ep, event) {
			continue
		}

		t := &task{
			endpoint: ep,
			event:    event,
			payload: &Payload{
				Event:     string(event),
				Timestamp: time.Now(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.log.Warn("queue full, dropping event",
				zap.String("endpoint", ep.Name),
				zap.String("event", string(event)))
		}
	}
}

// endpointWants filters by the endpoint's subscribed events. An empty
// list subscribes to everything.
func endpointWants(ep config.WebhookEndpoint, event Event) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.log.Error("delivery failed",
					zap.Int("worker", id),
					zap.String("endpoint", t.endpoint.Name),
					zap.String("event", string(t.event)),
					zap.Int("attempts", t.attempt),
					zap.Error(err))
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.endpoint, t.payload)
		if err == nil {
			return nil
		}

		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.log.Debug("retrying delivery",
				zap.String("endpoint", t.endpoint.Name),
				zap.Int("attempt", t.attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ep config.WebhookEndpoint, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if ep.Secret != "" {
		payload.Signature = signPayload(dataBytes, ep.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	return nil
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// isClientError marks 4xx responses as permanent; retrying those
// wastes the budget.
func isClientError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "http error: 4")
}
