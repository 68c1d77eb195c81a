package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// BuildInfo is reported by the health endpoint
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// StreamStatus reports whether the live candle stream is connected
type StreamStatus interface {
	StreamConnected() bool
}

// HealthHandler reports process and dependency health
type HealthHandler struct {
	db     *gorm.DB
	stream StreamStatus
	build  BuildInfo
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db *gorm.DB, stream StreamStatus, build BuildInfo) *HealthHandler {
	return &HealthHandler{db: db, stream: stream, build: build}
}

// Health returns 200 while the database answers, 503 otherwise
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	if sqlDB, err := h.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		dbStatus = "unavailable"
	}

	status, code := "ok", http.StatusOK
	if dbStatus != "ok" {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":           status,
		"database":         dbStatus,
		"stream_connected": h.stream != nil && h.stream.StreamConnected(),
		"version":          h.build.Version,
		"commit":           h.build.Commit,
		"build_time":       h.build.BuildTime,
		"time":             time.Now().Unix(),
	})
}

// RegisterRoutes registers the health route
func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
}
