package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tillpos/printspool/internal/db"
	"github.com/tillpos/printspool/internal/escpos"
	"github.com/tillpos/printspool/internal/spool"
	"github.com/tillpos/printspool/internal/transport"
)

type DeviceResponse struct {
	transport.Device
	State string `json:"state"`
}

type DeviceHandler struct {
	queue *spool.Manager
}

func NewDeviceHandler(queue *spool.Manager) *DeviceHandler {
	return &DeviceHandler{queue: queue}
}

func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices := h.queue.Devices()
	out := make([]DeviceResponse, 0, len(devices))
	for _, dev := range devices {
		state, _ := h.queue.DeviceState(dev.Name)
		out = append(out, DeviceResponse{Device: dev, State: state})
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": out,
		"count":   len(out),
	})
}

func (h *DeviceHandler) GetDevice(c *gin.Context) {
	name := c.Param("name")
	if dev, ok := findDevice(h.queue, name); ok {
		state, _ := h.queue.DeviceState(name)
		c.JSON(http.StatusOK, DeviceResponse{Device: dev, State: state})
		return
	}

	// Not running in the queue, but it may sit in the registry waiting
	// for a restart to pick it up.
	stored, err := db.Devices.GetDeviceByName(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get device"})
		return
	}
	c.JSON(http.StatusOK, DeviceResponse{Device: *stored, State: "unknown"})
}

// ProbeDevice checks reachability synchronously, bypassing the queue.
func (h *DeviceHandler) ProbeDevice(c *gin.Context) {
	name := c.Param("name")
	if _, ok := findDevice(h.queue, name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	err := h.queue.Probe(c.Request.Context(), name)
	state, _ := h.queue.DeviceState(name)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"device": name, "state": state, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": name, "state": state})
}

// PrintTestPage queues a generated test document so operators can
// verify a device end to end.
func (h *DeviceHandler) PrintTestPage(c *gin.Context) {
	name := c.Param("name")
	dev, ok := findDevice(h.queue, name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	job := &spool.Job{
		Device:   name,
		Payload:  testPageDocument(dev),
		Kind:     spool.KindTestPage,
		Priority: spool.PriorityLow,
	}

	id, err := h.queue.Enqueue(job)
	if err != nil {
		if errors.Is(err, spool.ErrDeviceInactive) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue test page"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "message": "test page queued"})
}

func testPageDocument(dev transport.Device) []byte {
	b := escpos.NewBuilder(dev.CharsPerLine)
	b.DoubleLine("TEST PAGE")
	b.Separator()
	b.TwoColumns("Device", dev.Name)
	b.TwoColumns("Kind", string(dev.Kind))
	b.TwoColumns("Width", fmt.Sprintf("%d chars", b.Width()))
	b.TwoColumns("Printed", time.Now().Format("2006-01-02 15:04:05"))
	b.Separator()
	b.CenterLine("abcdefghijklmnopqrstuvwxyz")
	b.CenterLine("0123456789 !\"#$%&'()*+,-./")
	b.Separator()
	b.PartialCut()
	return b.Bytes()
}

// UpsertDevice writes a device into the durable registry. Registry
// changes take effect on the next daemon start; lanes are wired at
// startup.
func (h *DeviceHandler) UpsertDevice(c *gin.Context) {
	var dev transport.Device
	if err := c.ShouldBindJSON(&dev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dev.Name = c.Param("name")
	if err := dev.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := db.Devices.UpsertDevice(c.Request.Context(), &dev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save device"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "device saved, restart required to apply",
		"device":  dev,
	})
}

func (h *DeviceHandler) DeleteDevice(c *gin.Context) {
	err := db.Devices.DeleteDevice(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete device"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "device deleted, restart required to apply"})
}

func (h *DeviceHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/devices", h.ListDevices)
	r.GET("/devices/:name", h.GetDevice)
	r.PUT("/devices/:name", h.UpsertDevice)
	r.DELETE("/devices/:name", h.DeleteDevice)
	r.POST("/devices/:name/probe", h.ProbeDevice)
	r.POST("/devices/:name/test", h.PrintTestPage)
}
