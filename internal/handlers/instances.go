package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/engine"
	"github.com/proppulse/backend/internal/models"
)

// InstanceHandler lists alert instances and drives their lifecycle.
type InstanceHandler struct {
	DB *gorm.DB
}

// List instances for the calling user. Query: status, level, property_id,
// rule_id, page, page_size.
func (h *InstanceHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	q := h.DB.Model(&models.AlertInstance{}).Where("user_id = ?", userID)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	if level := c.Query("level"); level != "" {
		q = q.Where("level = ?", level)
	}
	if pid := c.Query("property_id"); pid != "" {
		q = q.Where("property_id = ?", pid)
	}
	if rid := c.Query("rule_id"); rid != "" {
		q = q.Where("rule_id = ?", rid)
	}
	var total int64
	q.Count(&total)
	offset, limit := pagination(c)
	var list []models.AlertInstance
	if err := q.Order("created_at desc").Offset(offset).Limit(limit).Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": list, "total": total})
}

// Get by ID.
func (h *InstanceHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var inst models.AlertInstance
	if err := h.DB.Where("id = ? AND user_id = ?", c.Param("id"), userID).First(&inst).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Acknowledge moves an active instance to acknowledged. Repeat calls
// return the unchanged instance.
func (h *InstanceHandler) Acknowledge(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	inst, err := engine.Acknowledge(h.DB, userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ResolveRequest carries an optional resolution note.
type ResolveRequest struct {
	Note string `json:"note"`
}

// Resolve closes an instance from either active or acknowledged.
func (h *InstanceHandler) Resolve(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req ResolveRequest
	_ = c.ShouldBindJSON(&req)
	inst, err := engine.Resolve(h.DB, userID, c.Param("id"), req.Note)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}
