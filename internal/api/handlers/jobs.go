package handlers

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tillpos/printspool/internal/db"
	"github.com/tillpos/printspool/internal/escpos"
	"github.com/tillpos/printspool/internal/spool"
	"github.com/tillpos/printspool/internal/transport"
)

// ContentOp is one formatting operation in a submitted document. The
// document is rendered to printer bytes before the job is accepted, so
// malformed content is rejected at submit time, not at the printer.
type ContentOp struct {
	Op     string `json:"op" binding:"required"`
	Text   string `json:"text"`
	Left   string `json:"left"`
	Center string `json:"center"`
	Right  string `json:"right"`
	N      int    `json:"n"`
	Char   string `json:"char"`
	Image  string `json:"image"`
	Data   string `json:"data"`
}

type CreateJobRequest struct {
	Device         string      `json:"device" binding:"required"`
	Kind           string      `json:"kind"`
	Priority       string      `json:"priority"`
	CorrelationRef string      `json:"correlation_ref"`
	MaxRetries     int         `json:"max_retries"`
	Content        []ContentOp `json:"content" binding:"required"`
}

type ListJobsQuery struct {
	Device string `form:"device"`
	Status string `form:"status"`
}

type HistoryQuery struct {
	Device string `form:"device"`
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

type JobHandler struct {
	queue *spool.Manager
}

func NewJobHandler(queue *spool.Manager) *JobHandler {
	return &JobHandler{queue: queue}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Content) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content must not be empty"})
		return
	}

	dev, ok := findDevice(h.queue, req.Device)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("device %q not found", req.Device)})
		return
	}

	kind, err := parseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := buildDocument(dev, req.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := &spool.Job{
		Device:         req.Device,
		Payload:        payload,
		Kind:           kind,
		Priority:       spool.ParsePriority(req.Priority),
		MaxRetries:     req.MaxRetries,
		CorrelationRef: req.CorrelationRef,
	}

	id, err := h.queue.Enqueue(job)
	if err != nil {
		if errors.Is(err, spool.ErrDeviceInactive) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":      id,
		"message": "job submitted successfully",
	})
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs := h.queue.ListJobs()
	filtered := make([]*spool.Job, 0, len(jobs))
	for _, job := range jobs {
		if query.Device != "" && job.Device != query.Device {
			continue
		}
		if query.Status != "" && string(job.Status) != query.Status {
			continue
		}
		filtered = append(filtered, job)
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  filtered,
		"count": len(filtered),
	})
}

func (h *JobHandler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":  h.queue.Stats(),
		"queued": h.queue.ListQueued(),
	})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.queue.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	if !h.queue.Cancel(c.Param("id")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job is not queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job cancelled"})
}

func (h *JobHandler) RetryJob(c *gin.Context) {
	if !h.queue.Retry(c.Param("id")) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job is not failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "job queued for retry"})
}

func (h *JobHandler) ClearQueue(c *gin.Context) {
	cleared := h.queue.ClearQueue()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (h *JobHandler) ListHistory(c *gin.Context) {
	var query HistoryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := db.History.ListJobRecords(c.Request.Context(), db.HistoryFilter{
		Device: query.Device,
		Status: query.Status,
		Limit:  query.Limit,
		Offset: query.Offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list job history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// HistoryStats aggregates the durable archive by terminal status, the
// long-horizon companion to the live queue Stats.
func (h *JobHandler) HistoryStats(c *gin.Context) {
	counts, err := db.History.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count job history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"by_status": counts})
}

func (h *JobHandler) GetHistoryRecord(c *gin.Context) {
	record, err := db.History.GetJobRecordByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job record"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func parseKind(s string) (spool.Kind, error) {
	switch spool.Kind(s) {
	case "":
		return spool.KindReceipt, nil
	case spool.KindReceipt, spool.KindKitchenTicket, spool.KindReport, spool.KindTestPage:
		return spool.Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

func findDevice(q *spool.Manager, name string) (transport.Device, bool) {
	for _, dev := range q.Devices() {
		if dev.Name == name {
			return dev, true
		}
	}
	return transport.Device{}, false
}

// maxRasterWidth derives the printable raster width from the character
// width. Font A cells are 12 dots wide; the result is rounded down to
// a whole number of 8-dot bytes, which the rasterizer requires.
func maxRasterWidth(dev transport.Device) int {
	chars := dev.CharsPerLine
	if chars <= 0 {
		chars = 48
	}
	return (chars * 12) &^ 7
}

// buildDocument renders the submitted operations into printer bytes.
func buildDocument(dev transport.Device, ops []ContentOp) ([]byte, error) {
	b := escpos.NewBuilder(dev.CharsPerLine)

	for i, op := range ops {
		var err error
		switch op.Op {
		case "text":
			b.Line(op.Text)
		case "bold":
			b.BoldLine(op.Text)
		case "double":
			b.DoubleLine(op.Text)
		case "center":
			b.CenterLine(op.Text)
		case "right":
			b.RightLine(op.Text)
		case "two_columns":
			b.TwoColumns(op.Left, op.Right)
		case "three_columns":
			b.ThreeColumns(op.Left, op.Center, op.Right)
		case "separator":
			b.Separator()
		case "rule":
			if len(op.Char) != 1 {
				err = fmt.Errorf("rule requires a single character, got %q", op.Char)
				break
			}
			b.Rule(op.Char[0])
		case "feed":
			n := op.N
			if n <= 0 {
				n = 1
			}
			b.Feed(n)
		case "image":
			err = appendImage(b, dev, op.Image)
		case "partial_cut":
			b.PartialCut()
		case "full_cut":
			b.FullCut()
		case "drawer":
			b.OpenDrawer()
		case "beep":
			n := op.N
			if n <= 0 {
				n = 1
			}
			b.Beep(n)
		case "raw":
			var data []byte
			data, err = base64.StdEncoding.DecodeString(op.Data)
			if err == nil {
				b.Raw(data)
			}
		default:
			err = fmt.Errorf("unknown operation %q", op.Op)
		}
		if err != nil {
			return nil, fmt.Errorf("content[%d]: %w", i, err)
		}
	}

	return b.Bytes(), nil
}

func appendImage(b *escpos.Builder, dev transport.Device, encoded string) error {
	if encoded == "" {
		return errors.New("image requires base64 data")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid base64 image: %w", err)
	}
	raster, err := escpos.DecodeAndRasterize(bytes.NewReader(raw), maxRasterWidth(dev))
	if err != nil {
		return err
	}
	return b.Image(raster)
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJob)
	r.POST("/jobs/clear", h.ClearQueue)
	r.GET("/jobs/queue", h.GetQueue)
	r.GET("/jobs/:id", h.GetJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.POST("/jobs/:id/retry", h.RetryJob)
	r.GET("/history", h.ListHistory)
	r.GET("/history/stats", h.HistoryStats)
	r.GET("/history/:id", h.GetHistoryRecord)
}
