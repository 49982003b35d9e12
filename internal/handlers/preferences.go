package handlers

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/models"
)

// PreferencesHandler gets and sets per-user notification preferences.
type PreferencesHandler struct {
	DB *gorm.DB
}

var hhmmRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func validatePreferences(p *models.NotificationPreferences) []string {
	var problems []string
	if (p.QuietHoursStart == "") != (p.QuietHoursEnd == "") {
		problems = append(problems, "quiet hours need both start and end")
	}
	if p.QuietHoursStart != "" && !hhmmRe.MatchString(p.QuietHoursStart) {
		problems = append(problems, "quiet_hours_start must be HH:MM")
	}
	if p.QuietHoursEnd != "" && !hhmmRe.MatchString(p.QuietHoursEnd) {
		problems = append(problems, "quiet_hours_end must be HH:MM")
	}
	if p.EmailEnabled && p.EmailAddress == "" {
		problems = append(problems, "email_address is required when email is enabled")
	}
	if p.SMSEnabled && p.PhoneNumber == "" {
		problems = append(problems, "phone_number is required when sms is enabled")
	}
	if p.PushEnabled && p.PushToken == "" {
		problems = append(problems, "push_token is required when push is enabled")
	}
	return problems
}

// Get returns the caller's preferences, falling back to defaults when
// none are stored yet.
func (h *PreferencesHandler) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var p models.NotificationPreferences
	if err := h.DB.Where("user_id = ?", userID).First(&p).Error; err != nil {
		p = models.NotificationPreferences{
			UserID:            userID,
			EmailEnabled:      true,
			DashboardEnabled:  true,
			EmergencyOverride: true,
		}
	}
	c.JSON(http.StatusOK, p)
}

// Set upserts the caller's preferences.
func (h *PreferencesHandler) Set(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var p models.NotificationPreferences
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if problems := validatePreferences(&p); len(problems) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errors": problems})
		return
	}
	var existing models.NotificationPreferences
	if err := h.DB.Where("user_id = ?", userID).First(&existing).Error; err == nil {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		p.ID = 0
	}
	p.UserID = userID
	if err := h.DB.Save(&p).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}
