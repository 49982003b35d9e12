package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/proppulse/backend/internal/config"
	"github.com/proppulse/backend/internal/logger"
	"github.com/proppulse/backend/internal/metrics"
	"github.com/proppulse/backend/internal/models"
	"github.com/proppulse/backend/internal/pubsub"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// statusRank orders delivery statuses so late or out-of-order provider
// callbacks can never move a row backwards.
var statusRank = map[string]int{
	models.DeliveryPending:   0,
	models.DeliverySent:      1,
	models.DeliveryDelivered: 2,
	models.DeliveryFailed:    2,
	models.DeliveryBounced:   2,
}

// Request is one message to enqueue for a firing alert.
type Request struct {
	UserID           uint
	AlertInstanceID  *string
	TemplateID       uint
	Channel          string
	RecipientType    string
	RecipientAddress string
	Priority         string // trigger priority: critical, high, medium, low
	Variables        map[string]interface{}
}

// PriorityValue maps a trigger priority to the queue priority:
// critical -> 1, high -> 2, everything else -> 3.
func PriorityValue(priority string) int {
	switch priority {
	case "critical":
		return models.PriorityCritical
	case "high":
		return models.PriorityHigh
	default:
		return models.PriorityLow
	}
}

// Enqueue renders the template and writes a pending delivery log row.
// Transmission happens later in the Processor; this is the transactional
// half that must succeed together with instance creation.
func Enqueue(db *gorm.DB, req Request) (*models.DeliveryLog, error) {
	var tpl models.MessageTemplate
	if err := db.Where("id = ? AND is_active = ?", req.TemplateID, true).First(&tpl).Error; err != nil {
		metrics.RenderFailuresTotal.Inc()
		return nil, fmt.Errorf("template %d: %w", req.TemplateID, err)
	}
	subject, content := RenderMessage(tpl.Subject, tpl.Content, req.Variables)
	tplID := tpl.ID
	entry := &models.DeliveryLog{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		AlertInstanceID:  req.AlertInstanceID,
		TemplateID:       &tplID,
		Channel:          req.Channel,
		RecipientType:    req.RecipientType,
		RecipientAddress: req.RecipientAddress,
		Subject:          subject,
		Content:          content,
		Status:           models.DeliveryPending,
		Priority:         PriorityValue(req.Priority),
		NextAttemptAt:    time.Now(),
	}
	if err := db.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("enqueue delivery: %w", err)
	}
	return entry, nil
}

// Processor drains due pending delivery rows, lowest priority number
// first, applying the per-user-per-channel hourly rate limit and the
// retry ceiling from configuration.
type Processor struct {
	db        *gorm.DB
	cfg       config.DeliveryConfig
	providers map[string]Provider
	log       zerolog.Logger

	// serializes window accounting so concurrent claims cannot overshoot
	// the hourly rate limit
	rateMu sync.Mutex
}

// NewProcessor wires a processor with real providers from config.
func NewProcessor(db *gorm.DB, cfg config.DeliveryConfig) *Processor {
	return NewProcessorWithProviders(db, cfg, Providers(cfg))
}

// NewProcessorWithProviders lets tests substitute providers.
func NewProcessorWithProviders(db *gorm.DB, cfg config.DeliveryConfig, providers map[string]Provider) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	return &Processor{
		db:        db,
		cfg:       cfg,
		providers: providers,
		log:       logger.WithComponent("delivery"),
	}
}

// Run polls until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProcessDue(ctx)
		}
	}
}

// ProcessDue handles one batch of due pending rows. Exported so tests and
// the inbound path can drive the queue without the ticker.
func (p *Processor) ProcessDue(ctx context.Context) {
	var due []models.DeliveryLog
	err := p.db.Where("status = ? AND next_attempt_at <= ?", models.DeliveryPending, time.Now()).
		Order("priority asc, created_at asc").
		Limit(p.cfg.BatchSize).
		Find(&due).Error
	if err != nil {
		p.log.Error().Err(err).Msg("claim pending deliveries")
		return
	}
	for i := range due {
		if ctx.Err() != nil {
			return
		}
		p.processOne(ctx, &due[i])
	}
}

func (p *Processor) processOne(ctx context.Context, entry *models.DeliveryLog) {
	// Dashboard notifications never leave the system; the log row is the
	// delivery.
	if entry.Channel == models.ChannelDashboard {
		now := time.Now()
		p.db.Model(entry).Updates(map[string]interface{}{
			"status":       models.DeliveryDelivered,
			"sent_at":      now,
			"delivered_at": now,
		})
		metrics.DeliveriesTotal.WithLabelValues(entry.Channel, "sent").Inc()
		return
	}

	if deferred := p.deferIfRateLimited(entry); deferred {
		metrics.DeliveriesTotal.WithLabelValues(entry.Channel, "deferred").Inc()
		return
	}

	provider, ok := p.providers[entry.Channel]
	if !ok {
		p.fail(entry, fmt.Sprintf("no provider for channel %s", entry.Channel), true)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()
	start := time.Now()
	providerID, err := provider.Send(callCtx, Message{
		Recipient: entry.RecipientAddress,
		Subject:   entry.Subject,
		Content:   entry.Content,
	})
	metrics.DeliveryLatency.WithLabelValues(entry.Channel).Observe(time.Since(start).Seconds())

	if err != nil {
		p.fail(entry, err.Error(), false)
		return
	}
	if err := p.db.Model(entry).Updates(map[string]interface{}{
		"status":              models.DeliverySent,
		"provider_message_id": providerID,
		"sent_at":             time.Now(),
		"error_message":       "",
	}).Error; err != nil {
		p.log.Error().Err(err).Str("delivery_id", entry.ID).Msg("mark sent")
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(entry.Channel, "sent").Inc()
}

// deferIfRateLimited moves the entry's next attempt to the next hourly
// window when the user+channel has exhausted rate_limit_per_hour.
// Excess messages are deferred, never dropped.
func (p *Processor) deferIfRateLimited(entry *models.DeliveryLog) bool {
	if p.cfg.RateLimitPerHour <= 0 {
		return false
	}
	p.rateMu.Lock()
	defer p.rateMu.Unlock()

	// Only messages that actually went out consume the budget; failed
	// attempts never had a sent_at stamp.
	windowStart := time.Now().Truncate(time.Hour)
	var sentThisWindow int64
	p.db.Model(&models.DeliveryLog{}).
		Where("user_id = ? AND channel = ? AND sent_at >= ?",
			entry.UserID, entry.Channel, windowStart).
		Count(&sentThisWindow)
	if sentThisWindow < int64(p.cfg.RateLimitPerHour) {
		return false
	}
	nextWindow := windowStart.Add(time.Hour)
	p.db.Model(entry).Update("next_attempt_at", nextWindow)
	p.log.Debug().
		Str("delivery_id", entry.ID).
		Uint("user_id", entry.UserID).
		Str("channel", entry.Channel).
		Time("deferred_to", nextWindow).
		Msg("rate limit reached, deferring")
	return true
}

// fail records a delivery failure: retries with backoff below the
// ceiling, terminal failed state at it. terminal forces failed regardless
// of retry count (e.g. misconfigured channel).
func (p *Processor) fail(entry *models.DeliveryLog, errMsg string, terminal bool) {
	entry.RetryCount++
	updates := map[string]interface{}{
		"retry_count":   entry.RetryCount,
		"error_message": errMsg,
	}
	if terminal || entry.RetryCount >= p.cfg.MaxRetries {
		updates["status"] = models.DeliveryFailed
	} else {
		updates["next_attempt_at"] = time.Now().Add(p.cfg.RetryBackoff * time.Duration(entry.RetryCount))
	}
	if err := p.db.Model(entry).Updates(updates).Error; err != nil {
		p.log.Error().Err(err).Str("delivery_id", entry.ID).Msg("record failure")
		return
	}
	metrics.DeliveriesTotal.WithLabelValues(entry.Channel, "failed").Inc()
	p.log.Warn().
		Str("delivery_id", entry.ID).
		Str("channel", entry.Channel).
		Int("retry_count", entry.RetryCount).
		Str("error", errMsg).
		Msg("delivery failed")
}

// ApplyStatus applies an asynchronous provider callback, idempotently.
// Status moves forward only: a stale "sent" after "delivered" is ignored.
// "opened" and "clicked" stamp their timestamps without changing status.
func ApplyStatus(db *gorm.DB, providerMessageID, status string, at time.Time) error {
	var entry models.DeliveryLog
	if err := db.Where("provider_message_id = ?", providerMessageID).First(&entry).Error; err != nil {
		return fmt.Errorf("delivery for provider message %s: %w", providerMessageID, err)
	}
	if at.IsZero() {
		at = time.Now()
	}
	switch status {
	case "opened":
		if entry.OpenedAt == nil {
			return db.Model(&entry).Update("opened_at", at).Error
		}
		return nil
	case "clicked":
		if entry.ClickedAt == nil {
			return db.Model(&entry).Update("clicked_at", at).Error
		}
		return nil
	}
	newRank, ok := statusRank[status]
	if !ok {
		return fmt.Errorf("unknown delivery status %q", status)
	}
	if newRank <= statusRank[entry.Status] {
		return nil // stale or duplicate callback
	}
	updates := map[string]interface{}{"status": status}
	if status == models.DeliveryDelivered {
		updates["delivered_at"] = at
	}
	return db.Model(&entry).Updates(updates).Error
}

// TrackStatuses consumes delivery-status events from the bus until ctx
// is cancelled. This is the in-process counterpart of the HTTP callback.
func TrackStatuses(ctx context.Context, db *gorm.DB, bus *pubsub.Bus) {
	log := logger.WithComponent("delivery")
	events := bus.SubscribeDeliveryStatus()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if err := ApplyStatus(db, e.ProviderMessageID, e.Status, time.Now()); err != nil {
				log.Warn().Err(err).Str("provider_message_id", e.ProviderMessageID).Msg("apply status")
			}
		}
	}
}
