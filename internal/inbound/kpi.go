// Package inbound receives KPI update batches over HTTP from the
// reporting pipeline and runs them through rule evaluation.
package inbound

import (
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/engine"
	"github.com/proppulse/backend/internal/metrics"
	"github.com/proppulse/backend/internal/models"
)

// KPIBatch is the webhook payload: one or more KPI updates, typically a
// whole nightly recompute for a portfolio.
type KPIBatch struct {
	Updates []models.KPIUpdate `json:"updates"`
}

// KPIHandler handles POST /api/v1/inbound/kpi.
type KPIHandler struct {
	DB     *gorm.DB
	Engine *engine.Engine
}

// Serve evaluates every update in the batch synchronously and reports
// how many were processed. A mid-batch evaluation failure returns the
// partial count alongside the error.
func (h *KPIHandler) Serve(c *gin.Context) {
	var payload KPIBatch
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(400, gin.H{"error": "invalid json"})
		return
	}
	if len(payload.Updates) == 0 {
		c.JSON(400, gin.H{"error": "empty batch"})
		return
	}

	now := time.Now()
	for i := range payload.Updates {
		if payload.Updates[i].Timestamp.IsZero() {
			payload.Updates[i].Timestamp = now
		}
		metrics.KPIUpdatesTotal.WithLabelValues(payload.Updates[i].KPIType, "received").Inc()
	}

	processed, err := h.Engine.ProcessBatch(c.Request.Context(), payload.Updates)
	if err != nil {
		c.JSON(500, gin.H{"received": len(payload.Updates), "processed": processed, "error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"received": len(payload.Updates), "processed": processed})
}
