package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

// Readiness tracks startup progress reported by the ready probe.
type Readiness struct {
	embedder       atomic.Bool
	autoPopulation atomic.Bool
}

func (r *Readiness) SetEmbedderReady() {
	r.embedder.Store(true)
}

func (r *Readiness) SetAutoPopulationDone() {
	r.autoPopulation.Store(true)
}

type HealthHandler struct {
	db        pinger
	readiness *Readiness
}

func NewHealthHandler(db pinger, readiness *Readiness) *HealthHandler {
	if readiness == nil {
		readiness = &Readiness{}
	}
	return &HealthHandler{db: db, readiness: readiness}
}

func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "service": "docindex"})
}

// Ready reports 503 until the database answers and the embedder is built.
// Auto population progress is informational.
func (h *HealthHandler) Ready(c *gin.Context) {
	dbOK := false
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		dbOK = h.db.PingContext(ctx) == nil
		cancel()
	}
	embedderOK := h.readiness.embedder.Load()
	body := gin.H{
		"service":                  "docindex",
		"database_connected":       dbOK,
		"embedding_initialized":    embedderOK,
		"auto_population_complete": h.readiness.autoPopulation.Load(),
	}
	if dbOK && embedderOK {
		body["status"] = "ready"
		c.JSON(http.StatusOK, body)
		return
	}
	body["status"] = "not_ready"
	c.JSON(http.StatusServiceUnavailable, body)
}
