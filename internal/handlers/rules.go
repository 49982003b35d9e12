package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/engine"
	"github.com/proppulse/backend/internal/evaluator"
	"github.com/proppulse/backend/internal/models"
)

// RuleHandler CRUD and preview for alert rules.
type RuleHandler struct {
	DB *gorm.DB
}

var validFrequencies = map[string]bool{
	models.FrequencyImmediate: true,
	models.FrequencyHourly:    true,
	models.FrequencyDaily:     true,
	models.FrequencyWeekly:    true,
}

var validChannels = map[string]bool{
	models.ChannelEmail:     true,
	models.ChannelSMS:       true,
	models.ChannelPush:      true,
	models.ChannelDashboard: true,
}

// validateRule rejects malformed rules before they are persisted:
// inverted bands, no channels, unknown channel or frequency values.
func validateRule(r *models.AlertRule) []string {
	var problems []string
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(r.KPIType) == "" {
		problems = append(problems, "kpi_type is required")
	}
	if r.RedMin != nil && r.RedMax != nil && *r.RedMin > *r.RedMax {
		problems = append(problems, "red band is inverted: red_min > red_max")
	}
	if r.YellowMin != nil && r.YellowMax != nil && *r.YellowMin > *r.YellowMax {
		problems = append(problems, "yellow band is inverted: yellow_min > yellow_max")
	}
	if r.GreenMin != nil && r.GreenMax != nil && *r.GreenMin > *r.GreenMax {
		problems = append(problems, "green band is inverted: green_min > green_max")
	}
	if r.RedMin == nil && r.RedMax == nil && r.YellowMin == nil && r.YellowMax == nil {
		problems = append(problems, "at least one yellow or red boundary is required")
	}
	if !validFrequencies[r.AlertFrequency] {
		problems = append(problems, "alert_frequency must be one of immediate, hourly, daily, weekly")
	}
	var channels []string
	if r.Channels != "" {
		if err := json.Unmarshal([]byte(r.Channels), &channels); err != nil {
			problems = append(problems, "channels must be a JSON array")
		}
	}
	if len(channels) == 0 {
		problems = append(problems, "at least one notification channel is required")
	}
	for _, ch := range channels {
		if !validChannels[ch] {
			problems = append(problems, "unknown channel: "+ch)
		}
	}
	if r.PropertyIDs != "" {
		var ids []uint
		if err := json.Unmarshal([]byte(r.PropertyIDs), &ids); err != nil {
			problems = append(problems, "property_ids must be a JSON array of ids")
		}
	}
	return problems
}

// List rules for the calling user. Query: kpi_type, name (fuzzy).
func (h *RuleHandler) List(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	q := h.DB.Model(&models.AlertRule{}).Where("user_id = ?", userID)
	if kpi := c.Query("kpi_type"); kpi != "" {
		q = q.Where("kpi_type = ?", kpi)
	}
	if name := strings.TrimSpace(c.Query("name")); name != "" {
		q = q.Where("name LIKE ?", "%"+name+"%")
	}
	var list []models.AlertRule
	if err := q.Order("id asc").Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": list})
}

// Get by ID.
func (h *RuleHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var r models.AlertRule
	if err := h.DB.Where("user_id = ?", userID).First(&r, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// Create validates and persists a rule. Invalid rules are rejected with
// the full problem list and never stored.
func (h *RuleHandler) Create(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var r models.AlertRule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if r.AlertFrequency == "" {
		r.AlertFrequency = models.FrequencyImmediate
	}
	if problems := validateRule(&r); len(problems) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errors": problems})
		return
	}
	r.ID = 0
	r.UserID = userID
	if err := h.DB.Create(&r).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, r)
}

// Update replaces a rule's definition, with the same validation as Create.
func (h *RuleHandler) Update(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var existing models.AlertRule
	if err := h.DB.Where("user_id = ?", userID).First(&existing, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var r models.AlertRule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if r.AlertFrequency == "" {
		r.AlertFrequency = existing.AlertFrequency
	}
	if problems := validateRule(&r); len(problems) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errors": problems})
		return
	}
	r.ID = existing.ID
	r.UserID = userID
	r.CreatedAt = existing.CreatedAt
	if err := h.DB.Save(&r).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

// Delete soft-deletes the rule and resolves its open instances so no
// orphaned alerts keep notifying.
func (h *RuleHandler) Delete(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var r models.AlertRule
	if err := h.DB.Where("user_id = ?", userID).First(&r, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	resolved, err := engine.ResolveOpenInstancesForRule(h.DB, r.ID, "rule deleted")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.DB.Delete(&r).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "resolved_instances": resolved})
}

// PreviewRequest tests a value against a rule's bands without creating
// anything.
type PreviewRequest struct {
	Value     float64  `json:"value"`
	GreenMin  *float64 `json:"green_min"`
	GreenMax  *float64 `json:"green_max"`
	YellowMin *float64 `json:"yellow_min"`
	YellowMax *float64 `json:"yellow_max"`
	RedMin    *float64 `json:"red_min"`
	RedMax    *float64 `json:"red_max"`
}

// Preview evaluates a sample value against candidate bands and reports
// the zone plus which boundary matched. Used by the rule editor.
func (h *RuleHandler) Preview(c *gin.Context) {
	var req PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	explanation := evaluator.Explain(req.Value, evaluator.Bands{
		GreenMin:  req.GreenMin,
		GreenMax:  req.GreenMax,
		YellowMin: req.YellowMin,
		YellowMax: req.YellowMax,
		RedMin:    req.RedMin,
		RedMax:    req.RedMax,
	})
	c.JSON(http.StatusOK, gin.H{
		"value":  req.Value,
		"zone":   explanation.Zone,
		"fires":  explanation.Zone != evaluator.ZoneGreen,
		"detail": explanation,
	})
}
