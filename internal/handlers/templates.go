package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/delivery"
	"github.com/proppulse/backend/internal/models"
)

// TemplateHandler CRUD and preview for message templates.
type TemplateHandler struct {
	DB *gorm.DB
}

var validTemplateTypes = map[string]bool{
	models.ChannelEmail: true,
	models.ChannelSMS:   true,
	models.ChannelPush:  true,
}

func validateTemplate(t *models.MessageTemplate) []string {
	var problems []string
	if strings.TrimSpace(t.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !validTemplateTypes[t.Type] {
		problems = append(problems, "type must be one of email, sms, push")
	}
	if strings.TrimSpace(t.Content) == "" {
		problems = append(problems, "message_content is required")
	}
	if t.Variables != "" {
		var vars map[string]string
		if err := json.Unmarshal([]byte(t.Variables), &vars); err != nil {
			problems = append(problems, "variables must be a JSON object")
		}
	}
	return problems
}

// List templates. Query: type.
func (h *TemplateHandler) List(c *gin.Context) {
	q := h.DB.Model(&models.MessageTemplate{})
	if typ := c.Query("type"); typ != "" {
		q = q.Where("type = ?", typ)
	}
	var list []models.MessageTemplate
	if err := q.Order("id asc").Find(&list).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": list})
}

// Get by ID.
func (h *TemplateHandler) Get(c *gin.Context) {
	var t models.MessageTemplate
	if err := h.DB.First(&t, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// Create template.
func (h *TemplateHandler) Create(c *gin.Context) {
	var t models.MessageTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if problems := validateTemplate(&t); len(problems) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errors": problems})
		return
	}
	t.ID = 0
	if err := h.DB.Create(&t).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, t)
}

// Update template.
func (h *TemplateHandler) Update(c *gin.Context) {
	var existing models.MessageTemplate
	if err := h.DB.First(&existing, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var t models.MessageTemplate
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if problems := validateTemplate(&t); len(problems) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errors": problems})
		return
	}
	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	if err := h.DB.Save(&t).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

// Delete template.
func (h *TemplateHandler) Delete(c *gin.Context) {
	if err := h.DB.Delete(&models.MessageTemplate{}, c.Param("id")).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PreviewTemplateRequest renders a template body against sample
// variables without persisting or enqueueing anything.
type PreviewTemplateRequest struct {
	Subject   string                 `json:"subject"`
	Content   string                 `json:"message_content" binding:"required"`
	Variables map[string]interface{} `json:"variables"`
}

// Preview renders the supplied body. Unknown placeholders are left
// untouched so template authors can spot typos.
func (h *TemplateHandler) Preview(c *gin.Context) {
	var req PreviewTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	subject, content := delivery.RenderMessage(req.Subject, req.Content, req.Variables)
	c.JSON(http.StatusOK, gin.H{"subject": subject, "content": content})
}
