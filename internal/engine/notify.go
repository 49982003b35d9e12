package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/proppulse/backend/internal/delivery"
	"github.com/proppulse/backend/internal/enrich"
	"github.com/proppulse/backend/internal/models"
	"gorm.io/gorm"
)

// preferencesFor loads the user's notification preferences, falling back
// to defaults (email + dashboard) when none are stored.
func (e *Engine) preferencesFor(userID uint) models.NotificationPreferences {
	var prefs models.NotificationPreferences
	if err := e.db.Where("user_id = ?", userID).First(&prefs).Error; err != nil {
		return models.NotificationPreferences{
			UserID:            userID,
			EmailEnabled:      true,
			DashboardEnabled:  true,
			EmergencyOverride: true,
		}
	}
	return prefs
}

// channelEnabled checks the user preference toggle for a channel.
func channelEnabled(prefs models.NotificationPreferences, channel string) bool {
	switch channel {
	case models.ChannelEmail:
		return prefs.EmailEnabled && prefs.EmailAddress != ""
	case models.ChannelSMS:
		return prefs.SMSEnabled && prefs.PhoneNumber != ""
	case models.ChannelPush:
		return prefs.PushEnabled && prefs.PushToken != ""
	case models.ChannelDashboard:
		return prefs.DashboardEnabled
	default:
		return false
	}
}

func recipientFor(prefs models.NotificationPreferences, channel string) string {
	switch channel {
	case models.ChannelEmail:
		return prefs.EmailAddress
	case models.ChannelSMS:
		return prefs.PhoneNumber
	case models.ChannelPush:
		return prefs.PushToken
	default:
		return fmt.Sprintf("user:%d", prefs.UserID)
	}
}

// frequencyWindow maps a rule's alert_frequency to the minimum gap
// between notifications for the same instance and channel.
func frequencyWindow(frequency string) time.Duration {
	switch frequency {
	case models.FrequencyHourly:
		return time.Hour
	case models.FrequencyDaily:
		return 24 * time.Hour
	case models.FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// parseHM parses "HH:MM" into minutes since midnight, -1 when invalid.
func parseHM(s string) int {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return -1
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}

// inQuietHours reports whether now falls inside the user's quiet-hours
// window. Windows may wrap midnight (22:00-08:00).
func inQuietHours(prefs models.NotificationPreferences, now time.Time) bool {
	startMin := parseHM(prefs.QuietHoursStart)
	endMin := parseHM(prefs.QuietHoursEnd)
	if startMin < 0 || endMin < 0 || startMin == endMin {
		return false
	}
	hm := now.Hour()*60 + now.Minute()
	if startMin < endMin {
		return hm >= startMin && hm < endMin
	}
	return hm >= startMin || hm < endMin
}

// ruleChannels decodes the rule's channel list.
func ruleChannels(r *models.AlertRule) []string {
	var channels []string
	if err := json.Unmarshal([]byte(r.Channels), &channels); err != nil {
		return nil
	}
	return channels
}

// templateFor picks the active template for a channel. Dashboard
// notifications reuse the push template shape.
func templateFor(tx *gorm.DB, channel string) (models.MessageTemplate, error) {
	tplType := channel
	if channel == models.ChannelDashboard {
		tplType = models.ChannelPush
	}
	var tpl models.MessageTemplate
	err := tx.Where("type = ? AND is_active = ?", tplType, true).Order("id asc").First(&tpl).Error
	return tpl, err
}

// enqueueDeliveries hands (template, recipient, alert) tuples to the
// delivery queue for every channel enabled on both the rule and the
// user's preferences. notifyImmediate marks a fresh or escalated
// instance: rules on the immediate frequency only notify for those, the
// instance refresh alone is not a new notification.
func (e *Engine) enqueueDeliveries(tx *gorm.DB, rule *models.AlertRule, prefs models.NotificationPreferences, inst *models.AlertInstance, u models.KPIUpdate, trigger enrich.TriggerData, notifyImmediate bool) error {
	now := e.now()
	quiet := inQuietHours(prefs, now)
	critical := trigger.Priority == "critical"
	window := frequencyWindow(rule.AlertFrequency)

	vars := templateVars(prefs, inst, u, now)

	for _, channel := range ruleChannels(rule) {
		if !channelEnabled(prefs, channel) {
			continue
		}
		// Quiet hours suppress outbound channels for non-critical alerts;
		// dashboard entries and emergency-override criticals still go out.
		if quiet && channel != models.ChannelDashboard && !(critical && prefs.EmergencyOverride) {
			e.log.Debug().Uint("rule_id", rule.ID).Str("channel", channel).Msg("suppressed by quiet hours")
			continue
		}
		if window > 0 {
			var recent int64
			if err := tx.Model(&models.DeliveryLog{}).
				Where("alert_instance_id = ? AND channel = ? AND created_at > ?", inst.ID, channel, now.Add(-window)).
				Count(&recent).Error; err != nil {
				// Without a reliable count we cannot honor the frequency
				// window, so skip the channel rather than over-notify.
				e.log.Warn().Err(err).Str("channel", channel).Msg("frequency window count")
				continue
			}
			if recent > 0 {
				continue
			}
		} else if !notifyImmediate {
			continue
		}

		tpl, err := templateFor(tx, channel)
		if err != nil {
			// Missing template is a lookup failure: skip the channel, keep
			// the rest of the fan-out alive.
			e.log.Warn().Err(err).Str("channel", channel).Msg("no active template")
			continue
		}
		instID := inst.ID
		if _, err := delivery.Enqueue(tx, delivery.Request{
			UserID:           rule.UserID,
			AlertInstanceID:  &instID,
			TemplateID:       tpl.ID,
			Channel:          channel,
			RecipientType:    "user",
			RecipientAddress: recipientFor(prefs, channel),
			Priority:         trigger.Priority,
			Variables:        vars,
		}); err != nil {
			return fmt.Errorf("enqueue %s delivery: %w", channel, err)
		}
	}
	return nil
}

// templateVars builds the variable map for message rendering.
func templateVars(prefs models.NotificationPreferences, inst *models.AlertInstance, u models.KPIUpdate, now time.Time) map[string]interface{} {
	vars := map[string]interface{}{
		"property_name": inst.PropertyName,
		"alert_level":   inst.Level,
		"metric_name":   metricName(u),
		"metric_value":  u.Value,
		"alert_message": inst.Message,
		"date":          now.Format("2006-01-02"),
		"time":          now.Format("15:04"),
	}
	if prefs.DisplayName != "" {
		vars["user_name"] = prefs.DisplayName
	}
	if u.TargetValue != nil {
		vars["target_value"] = *u.TargetValue
		if *u.TargetValue != 0 {
			vars["change_percentage"] = fmt.Sprintf("%.1f", (u.Value-*u.TargetValue) / *u.TargetValue*100)
		}
	}
	return vars
}

func metricName(u models.KPIUpdate) string {
	if u.MetricName != "" {
		return u.MetricName
	}
	return u.KPIType
}
