package models

import (
	"time"

	"gorm.io/gorm"
)

// Alert levels produced by threshold evaluation. Green never creates an instance.
const (
	LevelYellow = "yellow"
	LevelRed    = "red"
)

// Alert instance lifecycle. Transitions are forward-only:
// active -> acknowledged -> resolved (acknowledged may be skipped).
const (
	InstanceActive       = "active"
	InstanceAcknowledged = "acknowledged"
	InstanceResolved     = "resolved"
)

// Delivery channels.
const (
	ChannelEmail     = "email"
	ChannelSMS       = "sms"
	ChannelPush      = "push"
	ChannelDashboard = "dashboard"
)

// Alert frequencies: how often a rule may notify for the same condition.
const (
	FrequencyImmediate = "immediate"
	FrequencyHourly    = "hourly"
	FrequencyDaily     = "daily"
	FrequencyWeekly    = "weekly"
)

// Delivery log statuses. A later callback must never downgrade a row
// (see delivery.StatusRank).
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryBounced   = "bounced"
)

// Delivery priorities: lower is processed first.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityLow      = 3
)

// AlertRule is a user-defined threshold rule over one KPI type.
// Boundary pointers are nil when unset; an unset boundary never matches.
// PropertyIDs is a JSON array of property ids; empty means all properties.
type AlertRule struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	UserID         uint           `gorm:"index" json:"user_id"`
	Name           string         `gorm:"size:128" json:"name"`
	Description    string         `gorm:"type:text" json:"description"`
	KPIType        string         `gorm:"size:64;index" json:"kpi_type"`
	PropertyIDs    string         `gorm:"type:text" json:"property_ids"`
	GreenMin       *float64       `json:"green_min"`
	GreenMax       *float64       `json:"green_max"`
	YellowMin      *float64       `json:"yellow_min"`
	YellowMax      *float64       `json:"yellow_max"`
	RedMin         *float64       `json:"red_min"`
	RedMax         *float64       `json:"red_max"`
	AlertFrequency string         `gorm:"size:16;default:immediate" json:"alert_frequency"`
	Channels       string         `gorm:"type:text" json:"channels"` // JSON array: email, sms, push, dashboard
	IsActive       bool           `gorm:"default:true" json:"is_active"`
	Conditions     string         `gorm:"type:text" json:"conditions,omitempty"` // free-form JSON, persisted as-is
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// KPIUpdate is the inbound event. Not persisted by the core; consumed once.
type KPIUpdate struct {
	UserID       uint      `json:"user_id"`
	Category     string    `json:"category"`
	MetricName   string    `json:"metric_name"`
	KPIType      string    `json:"kpi_type"`
	Value        float64   `json:"value"`
	TargetValue  *float64  `json:"target_value,omitempty"`
	PropertyID   *uint     `json:"property_id,omitempty"`
	PropertyName string    `json:"property_name,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// AlertInstance is a concrete occurrence of a rule firing against a property.
// At most one open (active or acknowledged) instance exists per (rule, property).
type AlertInstance struct {
	ID             string     `gorm:"primaryKey;size:64" json:"id"`
	RuleID         uint       `gorm:"index:idx_instance_rule_property,priority:1" json:"rule_id"`
	UserID         uint       `gorm:"index" json:"user_id"`
	PropertyID     *uint      `gorm:"index:idx_instance_rule_property,priority:2" json:"property_id"`
	PropertyName   string     `gorm:"size:128" json:"property_name"`
	KPIType        string     `gorm:"size:64" json:"kpi_type"`
	KPIValue       float64    `json:"kpi_value"`
	Level          string     `gorm:"size:16;index" json:"alert_level"` // yellow | red
	Message        string     `gorm:"size:512" json:"alert_message"`
	Status         string     `gorm:"size:32;index" json:"status"` // active, acknowledged, resolved
	TriggerData    string     `gorm:"type:text" json:"trigger_data"` // JSON of enrich.TriggerData
	ResolutionNote string     `gorm:"size:256" json:"resolution_note,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy uint       `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     uint       `json:"resolved_by,omitempty"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// MessageTemplate holds channel-specific message bodies with {{variable}}
// placeholders. Subject is used by email templates only.
type MessageTemplate struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Name      string         `gorm:"size:128" json:"name"`
	Type      string         `gorm:"size:16;index" json:"type"` // email, sms, push
	Subject   string         `gorm:"size:256" json:"subject,omitempty"`
	Content   string         `gorm:"type:text" json:"message_content"`
	Variables string         `gorm:"type:text" json:"variables"` // JSON map: name -> description
	IsActive  bool           `gorm:"default:true" json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// DeliveryLog is one rendered message headed for (or returned from) a
// provider. Append-mostly; status moves forward only.
type DeliveryLog struct {
	ID                string     `gorm:"primaryKey;size:64" json:"id"`
	UserID            uint       `gorm:"index" json:"user_id"`
	AlertInstanceID   *string    `gorm:"size:64;index" json:"alert_instance_id,omitempty"`
	TemplateID        *uint      `json:"template_id,omitempty"`
	Channel           string     `gorm:"size:16;index:idx_queue,priority:2" json:"channel"`
	RecipientType     string     `gorm:"size:32" json:"recipient_type"`
	RecipientAddress  string     `gorm:"size:256" json:"recipient_address"`
	Subject           string     `gorm:"size:256" json:"subject,omitempty"`
	Content           string     `gorm:"type:text" json:"content"`
	Status            string     `gorm:"size:16;index:idx_queue,priority:1" json:"delivery_status"`
	ProviderMessageID string     `gorm:"size:128;index" json:"provider_message_id,omitempty"`
	ErrorMessage      string     `gorm:"size:512" json:"error_message,omitempty"`
	RetryCount        int        `json:"retry_count"`
	Priority          int        `gorm:"default:3" json:"priority"` // 1=critical .. 3=low
	NextAttemptAt     time.Time  `gorm:"index" json:"next_attempt_at"`
	SentAt            *time.Time `gorm:"index" json:"sent_at,omitempty"` // when the message actually went out; basis for rate-limit accounting
	DeliveredAt       *time.Time `json:"delivery_time,omitempty"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	ClickedAt         *time.Time `json:"clicked_at,omitempty"`
	CreatedAt         time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DeliveryStatistic is the per-day per-channel rollup of delivery outcomes.
type DeliveryStatistic struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Day            time.Time `gorm:"uniqueIndex:idx_stat_day_channel,priority:1" json:"day"`
	Channel        string    `gorm:"size:16;uniqueIndex:idx_stat_day_channel,priority:2" json:"channel"`
	SentCount      int       `json:"sent_count"`
	DeliveredCount int       `json:"delivered_count"`
	FailedCount    int       `json:"failed_count"`
	OpenedCount    int       `json:"opened_count"`
	ClickedCount   int       `json:"clicked_count"`
	DeliveryRate   float64   `json:"delivery_rate"`
	OpenRate       float64   `json:"open_rate"`
	ClickRate      float64   `json:"click_rate"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NotificationPreferences are per-user channel toggles, contact addresses
// and quiet hours. EmergencyOverride lets critical alerts bypass quiet hours.
type NotificationPreferences struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"uniqueIndex" json:"user_id"`
	DisplayName       string    `gorm:"size:128" json:"display_name"`
	EmailEnabled      bool      `gorm:"default:true" json:"email_enabled"`
	SMSEnabled        bool      `gorm:"default:false" json:"sms_enabled"`
	PushEnabled       bool      `gorm:"default:false" json:"push_enabled"`
	DashboardEnabled  bool      `gorm:"default:true" json:"dashboard_enabled"`
	EmailAddress      string    `gorm:"size:256" json:"email_address"`
	PhoneNumber       string    `gorm:"size:32" json:"phone_number"`
	PushToken         string    `gorm:"size:256" json:"push_token"`
	QuietHoursStart   string    `gorm:"size:5" json:"quiet_hours_start"` // "HH:MM", empty = no quiet hours
	QuietHoursEnd     string    `gorm:"size:5" json:"quiet_hours_end"`
	EmergencyOverride bool      `gorm:"default:true" json:"emergency_override"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ActivityEvent records user platform activity (logins, report generation,
// data syncs, feature usage) consumed by the engagement score.
type ActivityEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index:idx_activity_user_kind,priority:1" json:"user_id"`
	Kind      string    `gorm:"size:32;index:idx_activity_user_kind,priority:2" json:"kind"`
	Detail    string    `gorm:"size:128" json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Activity event kinds.
const (
	ActivityLogin           = "login"
	ActivityReportGenerated = "report_generated"
	ActivitySyncCompleted   = "sync_completed"
	ActivityFeatureUsed     = "feature_used"
)

// SystemConfig stores key-value system settings (e.g. retention_days).
type SystemConfig struct {
	Key   string `gorm:"primaryKey;size:64" json:"key"`
	Value string `gorm:"size:256" json:"value"`
}
