package spool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tillpos/printspool/internal/config"
	"github.com/tillpos/printspool/internal/transport"
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrDeviceInactive = errors.New("device is inactive")
	ErrEmptyPayload   = errors.New("job payload is empty")
	ErrNotRunning     = errors.New("queue manager is not running")
)

// Notifier receives job outcome and device state events. Calls are
// made from dispatcher lanes and must not block.
type Notifier interface {
	JobCompleted(job *Job)
	JobFailed(job *Job)
	DeviceStatusChanged(device, oldStatus, newStatus string)
}

// HistoryStore archives terminal jobs.
type HistoryStore interface {
	RecordJob(ctx context.Context, job *Job) error
}

// lane holds one device's pending job ids, a slice per priority tier.
// Jobs append at the tail and pop from the head, so within a tier the
// order is strictly enqueue order.
type lane struct {
	device string
	mu     sync.Mutex
	tiers  [numTiers][]string
	wake   chan struct{}
}

func newLane(device string) *lane {
	return &lane{device: device, wake: make(chan struct{}, 1)}
}

func (l *lane) push(id string, p Priority) {
	l.mu.Lock()
	l.tiers[p] = append(l.tiers[p], id)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) pop() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tier := range l.tiers {
		if len(l.tiers[tier]) > 0 {
			id := l.tiers[tier][0]
			l.tiers[tier] = l.tiers[tier][1:]
			return id, true
		}
	}
	return "", false
}

// Manager owns the job table and one dispatcher lane per active
// device. Jobs for different devices dispatch concurrently; jobs for
// the same device are strictly serialized so a single physical port
// never sees interleaved byte streams.
type Manager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	lanes      map[string]*lane
	transports map[string]transport.Transport
	devices    map[string]transport.Device
	devState   map[string]string
	devFails   map[string]int

	notifier Notifier
	history  HistoryStore
	cfg      *config.QueueConfig
	log      *zap.Logger

	seq     uint64
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewManager wires a lane and a transport for every active device in
// the list. Inactive devices are registered but get no lane.
func NewManager(devices []transport.Device, notifier Notifier, history HistoryStore, cfg *config.QueueConfig, log *zap.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	m := &Manager{
		jobs:       make(map[string]*Job),
		lanes:      make(map[string]*lane),
		transports: make(map[string]transport.Transport),
		devices:    make(map[string]transport.Device),
		devState:   make(map[string]string),
		devFails:   make(map[string]int),
		notifier:   notifier,
		history:    history,
		cfg:        cfg,
		log:        log,
		stopCh:     make(chan struct{}),
	}

	for _, dev := range devices {
		if _, dup := m.devices[dev.Name]; dup {
			return nil, fmt.Errorf("duplicate device name %q", dev.Name)
		}
		m.devices[dev.Name] = dev
		m.devState[dev.Name] = "unknown"
		if !dev.Active {
			continue
		}
		tr, err := transport.New(dev, cfg.SendTimeout)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.Name, err)
		}
		m.transports[dev.Name] = tr
		m.lanes[dev.Name] = newLane(dev.Name)
	}

	return m, nil
}

// RegisterTransport swaps the transport for a device. Tests use it to
// install fakes; it must be called before Start.
func (m *Manager) RegisterTransport(device string, tr transport.Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports[device] = tr
	if _, ok := m.lanes[device]; !ok {
		m.lanes[device] = newLane(device)
	}
	if _, ok := m.devices[device]; !ok {
		m.devices[device] = transport.Device{Name: device, Active: true}
		m.devState[device] = "unknown"
	}
}

func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	lanes := make([]*lane, 0, len(m.lanes))
	for _, l := range m.lanes {
		lanes = append(lanes, l)
	}
	m.mu.Unlock()

	for _, l := range lanes {
		m.wg.Add(1)
		go m.runLane(l)
	}

	m.wg.Add(1)
	go m.janitor()

	m.log.Info("print queue started", zap.Int("lanes", len(lanes)))
}

// Stop shuts the dispatcher down. In-flight sends get the configured
// grace period to finish; anything still outstanding afterwards is
// marked failed rather than silently abandoned.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := m.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		m.log.Warn("shutdown grace period expired with lanes still busy")
	}

	m.failOutstanding()
}

func (m *Manager) failOutstanding() {
	now := time.Now()

	m.mu.Lock()
	var failed []*Job
	for _, job := range m.jobs {
		if job.Status.Terminal() {
			continue
		}
		job.Status = StatusFailed
		job.LastError = "spooler shut down before delivery"
		job.CompletedAt = &now
		failed = append(failed, job.clone())
	}
	m.mu.Unlock()

	for _, job := range failed {
		m.recordHistory(job)
		if m.notifier != nil {
			m.notifier.JobFailed(job)
		}
		m.log.Warn("job failed at shutdown", zap.String("job_id", job.ID), zap.String("device", job.Device))
	}
}

// Enqueue inserts a job into the table and wakes its device lane. It
// never blocks; delivery happens on the lane goroutine.
func (m *Manager) Enqueue(job *Job) (string, error) {
	if len(job.Payload) == 0 {
		return "", ErrEmptyPayload
	}

	m.mu.Lock()
	dev, ok := m.devices[job.Device]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, job.Device)
	}
	if !dev.Active {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDeviceInactive, job.Device)
	}
	l := m.lanes[job.Device]

	job.ID = uuid.NewString()
	job.Status = StatusQueued
	job.QueuedAt = time.Now()
	job.StartedAt = nil
	job.CompletedAt = nil
	job.RetryCount = 0
	if !job.Priority.Valid() {
		job.Priority = PriorityNormal
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = m.cfg.MaxRetries
	}
	m.seq++
	job.seq = m.seq
	m.jobs[job.ID] = job
	m.mu.Unlock()

	l.push(job.ID, job.Priority)

	m.log.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("device", job.Device),
		zap.String("priority", job.Priority.String()),
		zap.Int("bytes", len(job.Payload)))

	return job.ID, nil
}

// Cancel cancels a job that is still queued. Processing jobs cannot
// be cancelled mid-transmission; they resolve first.
func (m *Manager) Cancel(id string) bool {
	now := time.Now()

	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusQueued {
		m.mu.Unlock()
		return false
	}
	job.Status = StatusCancelled
	job.CompletedAt = &now
	snapshot := job.clone()
	m.mu.Unlock()

	m.recordHistory(snapshot)
	m.log.Info("job cancelled", zap.String("job_id", id))
	return true
}

// Retry returns a terminally failed job to the queue with a fresh
// retry budget.
func (m *Manager) Retry(id string) bool {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusFailed {
		m.mu.Unlock()
		return false
	}
	job.Status = StatusQueued
	job.RetryCount = 0
	job.LastError = ""
	job.QueuedAt = time.Now()
	job.StartedAt = nil
	job.CompletedAt = nil
	l := m.lanes[job.Device]
	priority := job.Priority
	m.mu.Unlock()

	if l != nil {
		l.push(id, priority)
	}
	m.log.Info("job requeued by operator", zap.String("job_id", id))
	return true
}

// ClearQueue cancels every queued job across all devices.
func (m *Manager) ClearQueue() int {
	now := time.Now()

	m.mu.Lock()
	var cleared []*Job
	for _, job := range m.jobs {
		if job.Status != StatusQueued {
			continue
		}
		job.Status = StatusCancelled
		job.CompletedAt = &now
		cleared = append(cleared, job.clone())
	}
	m.mu.Unlock()

	for _, job := range cleared {
		m.recordHistory(job)
	}
	if len(cleared) > 0 {
		m.log.Info("queue cleared", zap.Int("jobs", len(cleared)))
	}
	return len(cleared)
}

// Job returns a snapshot of one job.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// ListQueued returns snapshots of queued jobs in dispatch order:
// priority tier first, enqueue order within a tier.
func (m *Manager) ListQueued() []*Job {
	m.mu.RLock()
	jobs := make([]*Job, 0)
	for _, job := range m.jobs {
		if job.Status == StatusQueued {
			jobs = append(jobs, job.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].seq < jobs[j].seq
	})
	return jobs
}

// ListJobs returns snapshots of every tracked job, newest first.
func (m *Manager) ListJobs() []*Job {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job.clone())
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].seq > jobs[j].seq })
	return jobs
}

type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, job := range m.jobs {
		s.Total++
		switch job.Status {
		case StatusQueued:
			s.Queued++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Devices returns the configured device descriptors.
func (m *Manager) Devices() []transport.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]transport.Device, 0, len(m.devices))
	for _, dev := range m.devices {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeviceState returns the last observed reachability state for a
// device: "online", "offline" or "unknown".
func (m *Manager) DeviceState(device string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.devState[device]
	return state, ok
}

// Probe checks reachability by sending the initialize sequence. A
// successful probe clears the consecutive-failure counter.
func (m *Manager) Probe(ctx context.Context, device string) error {
	m.mu.RLock()
	tr, ok := m.transports[device]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}

	err := tr.Probe(ctx)

	m.mu.Lock()
	if err != nil {
		m.setDeviceStateLocked(device, "offline")
	} else {
		m.devFails[device] = 0
		m.setDeviceStateLocked(device, "online")
	}
	m.mu.Unlock()

	return err
}

func (m *Manager) runLane(l *lane) {
	defer m.wg.Done()

	for {
		id, ok := l.pop()
		if !ok {
			select {
			case <-m.stopCh:
				return
			case <-l.wake:
				continue
			}
		}

		select {
		case <-m.stopCh:
			return
		default:
		}

		m.dispatch(l, id)
	}
}

func (m *Manager) dispatch(l *lane, id string) {
	now := time.Now()

	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusQueued {
		// Cancelled (or evicted) while waiting in the lane.
		m.mu.Unlock()
		return
	}
	job.Status = StatusProcessing
	started := now
	job.StartedAt = &started
	tr := m.transports[job.Device]
	m.mu.Unlock()

	err := tr.Send(context.Background(), job.Payload)

	if err == nil {
		m.completeJob(job)
		return
	}
	m.handleFailure(l, job, err)
}

func (m *Manager) completeJob(job *Job) {
	now := time.Now()

	m.mu.Lock()
	if job.Status != StatusProcessing {
		// Terminated while the send was in flight (shutdown grace
		// expired); the outcome was already reported. Terminal states
		// never change again.
		m.mu.Unlock()
		return
	}
	job.Status = StatusCompleted
	job.CompletedAt = &now
	m.devFails[job.Device] = 0
	m.setDeviceStateLocked(job.Device, "online")
	snapshot := job.clone()
	m.mu.Unlock()

	m.recordHistory(snapshot)
	if m.notifier != nil {
		m.notifier.JobCompleted(snapshot)
	}
	m.log.Info("job completed",
		zap.String("job_id", snapshot.ID),
		zap.String("device", snapshot.Device),
		zap.Int("retries", snapshot.RetryCount))
}

// handleFailure re-enqueues at the tail of the job's priority tier
// with no delay: local hardware faults are usually momentary, unlike
// remote integrations where backoff applies.
func (m *Manager) handleFailure(l *lane, job *Job, sendErr error) {
	now := time.Now()

	m.mu.Lock()
	if job.Status != StatusProcessing {
		// Already failed by the shutdown path; do not re-queue or
		// re-report a terminal job.
		m.mu.Unlock()
		return
	}
	job.LastError = sendErr.Error()
	m.noteDeviceFailureLocked(job.Device)

	if job.RetryCount < job.MaxRetries {
		job.RetryCount++
		job.Status = StatusQueued
		job.StartedAt = nil
		retries := job.RetryCount
		priority := job.Priority
		m.mu.Unlock()

		l.push(job.ID, priority)
		m.log.Warn("job delivery failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("device", job.Device),
			zap.Int("attempt", retries),
			zap.Error(sendErr))
		return
	}

	job.Status = StatusFailed
	job.CompletedAt = &now
	snapshot := job.clone()
	m.mu.Unlock()

	m.recordHistory(snapshot)
	if m.notifier != nil {
		m.notifier.JobFailed(snapshot)
	}
	m.log.Error("job failed permanently",
		zap.String("job_id", snapshot.ID),
		zap.String("device", snapshot.Device),
		zap.Int("retries", snapshot.RetryCount),
		zap.Error(sendErr))
}

func (m *Manager) noteDeviceFailureLocked(device string) {
	m.devFails[device]++
	threshold := m.cfg.OfflineThreshold
	if threshold <= 0 {
		threshold = 3
	}
	if m.devFails[device] >= threshold {
		m.setDeviceStateLocked(device, "offline")
	}
}

// setDeviceStateLocked fires DeviceStatusChanged outside the lock via
// a goroutine; callers hold m.mu.
func (m *Manager) setDeviceStateLocked(device, state string) {
	old := m.devState[device]
	if old == state {
		return
	}
	m.devState[device] = state
	if m.notifier != nil {
		go m.notifier.DeviceStatusChanged(device, old, state)
	}
	m.log.Info("device state changed",
		zap.String("device", device),
		zap.String("from", old),
		zap.String("to", state))
}

func (m *Manager) recordHistory(job *Job) {
	if m.history == nil {
		return
	}
	if err := m.history.RecordJob(context.Background(), job); err != nil {
		m.log.Warn("failed to record job history", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// janitor evicts terminal jobs from the table once they age past the
// retention window. History keeps the durable record.
func (m *Manager) janitor() {
	defer m.wg.Done()

	retention := m.cfg.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	interval := retention / 10
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.evictExpired(time.Now().Add(-retention))
		}
	}
}

func (m *Manager) evictExpired(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, job := range m.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}
