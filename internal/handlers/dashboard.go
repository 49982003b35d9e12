package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/models"
	"github.com/proppulse/backend/internal/stats"
)

// DashboardHandler serves the overview cards and the engagement score.
type DashboardHandler struct {
	DB *gorm.DB
}

// Summary returns the counters behind the dashboard cards.
func (h *DashboardHandler) Summary(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var activeRules, openRed, openYellow, acknowledged, pendingDeliveries, sentToday int64
	h.DB.Model(&models.AlertRule{}).Where("user_id = ? AND is_active = ?", userID, true).Count(&activeRules)
	h.DB.Model(&models.AlertInstance{}).
		Where("user_id = ? AND status = ? AND level = ?", userID, models.InstanceActive, models.LevelRed).
		Count(&openRed)
	h.DB.Model(&models.AlertInstance{}).
		Where("user_id = ? AND status = ? AND level = ?", userID, models.InstanceActive, models.LevelYellow).
		Count(&openYellow)
	h.DB.Model(&models.AlertInstance{}).
		Where("user_id = ? AND status = ?", userID, models.InstanceAcknowledged).
		Count(&acknowledged)
	h.DB.Model(&models.DeliveryLog{}).
		Where("user_id = ? AND status = ?", userID, models.DeliveryPending).
		Count(&pendingDeliveries)
	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	h.DB.Model(&models.DeliveryLog{}).
		Where("user_id = ? AND status IN ? AND updated_at >= ?",
			userID, []string{models.DeliverySent, models.DeliveryDelivered}, dayStart).
		Count(&sentToday)

	c.JSON(http.StatusOK, gin.H{
		"active_rules":       activeRules,
		"open_red":           openRed,
		"open_yellow":        openYellow,
		"acknowledged":       acknowledged,
		"pending_deliveries": pendingDeliveries,
		"sent_today":         sentToday,
	})
}

// Engagement returns the caller's engagement score over the requested
// window (days query param, default 30).
func (h *DashboardHandler) Engagement(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	days := parseIntDefault(c.Query("days"), 30)
	if days <= 0 || days > 365 {
		days = 30
	}
	score, err := stats.EngagementScore(h.DB, userID, time.Now().AddDate(0, 0, -days))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"window_days": days, "score": score})
}

// ActivityRequest records a platform activity event for engagement
// scoring.
type ActivityRequest struct {
	Kind   string `json:"kind" binding:"required"`
	Detail string `json:"detail"`
}

var validActivityKinds = map[string]bool{
	models.ActivityLogin:           true,
	models.ActivityReportGenerated: true,
	models.ActivitySyncCompleted:   true,
	models.ActivityFeatureUsed:     true,
}

// RecordActivity ingests an activity event.
func (h *DashboardHandler) RecordActivity(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req ActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validActivityKinds[req.Kind] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown activity kind"})
		return
	}
	event := models.ActivityEvent{UserID: userID, Kind: req.Kind, Detail: req.Detail}
	if err := h.DB.Create(&event).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, event)
}
