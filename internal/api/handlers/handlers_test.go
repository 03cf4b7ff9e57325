package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillpos/printspool/internal/config"
	"github.com/tillpos/printspool/internal/db"
	"github.com/tillpos/printspool/internal/spool"
	"github.com/tillpos/printspool/internal/transport"
)

type fakeTransport struct {
	kind     transport.Kind
	sendErr  error
	probeErr error
}

func (f *fakeTransport) Send(ctx context.Context, payload []byte) error { return f.sendErr }
func (f *fakeTransport) Probe(ctx context.Context) error                { return f.probeErr }
func (f *fakeTransport) Kind() transport.Kind                           { return f.kind }

type testEnv struct {
	router *gin.Engine
	queue  *spool.Manager
	fake   *fakeTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	devices := []transport.Device{
		{Name: "bar", Kind: transport.KindNetwork, IPAddress: "127.0.0.1", Port: 9100, CharsPerLine: 48, Active: true},
		{Name: "counter", Kind: transport.KindNetwork, IPAddress: "127.0.0.1", Port: 9102, CharsPerLine: 33, Active: true},
		{Name: "office", Kind: transport.KindNetwork, IPAddress: "127.0.0.1", Port: 9101, CharsPerLine: 42, Active: false},
	}

	queue, err := spool.NewManager(devices, nil, nil, config.DefaultQueueConfig(), nil)
	require.NoError(t, err)

	fake := &fakeTransport{kind: transport.KindNetwork}
	queue.RegisterTransport("bar", fake)
	queue.RegisterTransport("counter", fake)
	queue.Start()
	t.Cleanup(queue.Stop)

	router := gin.New()
	api := router.Group("/api")
	NewJobHandler(queue).RegisterRoutes(api)
	NewDeviceHandler(queue).RegisterRoutes(api)

	return &testEnv{router: router, queue: queue, fake: fake}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func waitForStatus(t *testing.T, queue *spool.Manager, id string, want spool.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := queue.Job(id); ok && job.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := queue.Job(id)
	t.Fatalf("job %s never reached %s, last seen %+v", id, want, job)
}

func TestCreateJobRendersAndDelivers(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device:   "bar",
		Kind:     "receipt",
		Priority: "high",
		Content: []ContentOp{
			{Op: "center", Text: "ACME CAFE"},
			{Op: "separator"},
			{Op: "two_columns", Left: "Espresso", Right: "3.50"},
			{Op: "feed", N: 2},
			{Op: "partial_cut"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	id := decodeBody(t, w)["id"].(string)
	waitForStatus(t, env.queue, id, spool.StatusCompleted)

	job, ok := env.queue.Job(id)
	require.True(t, ok)
	assert.Equal(t, spool.KindReceipt, job.Kind)
	assert.Equal(t, spool.PriorityHigh, job.Priority)
}

func TestCreateJobRejectsUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device:  "kitchen",
		Content: []ContentOp{{Op: "text", Text: "hello"}},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateJobRejectsInactiveDevice(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device:  "office",
		Content: []ContentOp{{Op: "text", Text: "hello"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJobRejectsMalformedContent(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device:  "bar",
		Content: []ContentOp{{Op: "hologram"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeBody(t, w)["error"], "content[0]")

	w = env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device:  "bar",
		Content: []ContentOp{{Op: "image", Image: "not base64!!"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device:  "bar",
		Content: []ContentOp{{Op: "rule", Char: "=="}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaxRasterWidthIsAlwaysPackable(t *testing.T) {
	for chars := 1; chars <= 64; chars++ {
		width := maxRasterWidth(transport.Device{CharsPerLine: chars})
		assert.Zerof(t, width%8, "chars=%d width=%d", chars, width)
		assert.GreaterOrEqual(t, width, 8)
	}
}

func TestCreateJobImageOnOddWidthDevice(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 64, 16))))

	w := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device: "counter",
		Content: []ContentOp{
			{Op: "image", Image: base64.StdEncoding.EncodeToString(buf.Bytes())},
			{Op: "partial_cut"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	id := decodeBody(t, w)["id"].(string)
	waitForStatus(t, env.queue, id, spool.StatusCompleted)
}

func TestUnknownJobKindRejected(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device:  "bar",
		Kind:    "poster",
		Content: []ContentOp{{Op: "text", Text: "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOnlyQueuedJobs(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
		Device:  "bar",
		Content: []ContentOp{{Op: "text", Text: "hello"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)
	waitForStatus(t, env.queue, id, spool.StatusCompleted)

	w = env.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobAndQueueStats(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/jobs/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/jobs/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Contains(t, body, "stats")
	assert.Contains(t, body, "queued")
}

func TestListDevicesIncludesState(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["count"])

	devices := body["devices"].([]interface{})
	first := devices[0].(map[string]interface{})
	assert.Equal(t, "bar", first["name"])
	assert.Equal(t, "unknown", first["state"])
}

func TestProbeReportsState(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/devices/bar/probe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "online", decodeBody(t, w)["state"])

	env.fake.probeErr = transport.ErrDeviceUnreachable
	w = env.do(t, http.MethodPost, "/api/devices/bar/probe", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "offline", body["state"])
	assert.Contains(t, body, "error")
}

func TestPrintTestPage(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/devices/bar/test", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeBody(t, w)["id"].(string)

	waitForStatus(t, env.queue, id, spool.StatusCompleted)
	job, _ := env.queue.Job(id)
	assert.Equal(t, spool.KindTestPage, job.Kind)

	w = env.do(t, http.MethodPost, "/api/devices/kitchen/test", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeviceRegistryEndpoints(t *testing.T) {
	require.NoError(t, db.Init(db.Config{Path: filepath.Join(t.TempDir(), "api.db")}))
	env := newTestEnv(t)

	w := env.do(t, http.MethodPut, "/api/devices/patio", transport.Device{
		Kind: transport.KindNetwork, IPAddress: "10.0.0.5", Port: 9100,
		CharsPerLine: 48, Active: true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Not in the running queue yet, but visible from the registry.
	w = env.do(t, http.MethodGet, "/api/devices/patio", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "10.0.0.5", body["ip_address"])
	assert.Equal(t, "unknown", body["state"])

	w = env.do(t, http.MethodGet, "/api/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/api/devices/bad", transport.Device{
		Kind: transport.KindNetwork, CharsPerLine: 48, Active: true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/api/devices/patio", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/api/devices/patio", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	require.NoError(t, db.Init(db.Config{Path: filepath.Join(t.TempDir(), "api.db")}))
	env := newTestEnv(t)

	now := time.Now()
	require.NoError(t, db.History.RecordJob(context.Background(), &spool.Job{
		ID: "hist-1", Device: "bar", Kind: spool.KindReceipt,
		Priority: spool.PriorityNormal, Status: spool.StatusCompleted,
		Payload: []byte("doc"), QueuedAt: now, CompletedAt: &now,
	}))

	w := env.do(t, http.MethodGet, "/api/history?device=bar", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])

	w = env.do(t, http.MethodGet, "/api/history/hist-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decodeBody(t, w)["status"])

	w = env.do(t, http.MethodGet, "/api/history/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/history/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	byStatus := decodeBody(t, w)["by_status"].(map[string]interface{})
	assert.Equal(t, float64(1), byStatus["completed"])
}
