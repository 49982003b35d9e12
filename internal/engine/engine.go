// Package engine bridges KPI updates to alert instances: it matches
// active rules, evaluates threshold zones, keeps at most one open
// instance per (rule, property), and fans out delivery requests.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/proppulse/backend/internal/enrich"
	"github.com/proppulse/backend/internal/evaluator"
	"github.com/proppulse/backend/internal/logger"
	"github.com/proppulse/backend/internal/metrics"
	"github.com/proppulse/backend/internal/models"
	"github.com/proppulse/backend/internal/pubsub"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const autoResolveNote = "auto-resolved: KPI returned to green zone"

// Engine processes KPI updates against the stored rules.
type Engine struct {
	db  *gorm.DB
	bus *pubsub.Bus
	log zerolog.Logger
	now func() time.Time

	// per-(rule, property) locks so concurrent updates for the same pair
	// cannot race the open-instance check
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine. bus may be nil when updates are pushed directly.
func New(db *gorm.DB, bus *pubsub.Bus) *Engine {
	return &Engine{
		db:    db,
		bus:   bus,
		log:   logger.WithComponent("engine"),
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// Run consumes KPI updates from the bus until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if e.bus == nil {
		return
	}
	updates := e.bus.SubscribeKPIUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			if err := e.ProcessUpdate(ctx, u); err != nil {
				e.log.Error().Err(err).Str("kpi_type", u.KPIType).Msg("process update")
			}
		}
	}
}

// ProcessBatch processes updates in order, checkpointing between updates
// so a cancelled run leaves no half-processed rule.
func (e *Engine) ProcessBatch(ctx context.Context, updates []models.KPIUpdate) (processed int, err error) {
	for _, u := range updates {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if perr := e.ProcessUpdate(ctx, u); perr != nil {
			err = perr
			continue
		}
		processed++
	}
	return processed, err
}

// ProcessUpdate evaluates one KPI update against every matching active
// rule. A failing rule is logged and skipped; the error summary is
// returned so the caller can decide to retry the whole update.
func (e *Engine) ProcessUpdate(ctx context.Context, u models.KPIUpdate) error {
	var rules []models.AlertRule
	err := e.db.Where("user_id = ? AND kpi_type = ? AND is_active = ?", u.UserID, u.KPIType, true).
		Order("id asc").
		Find(&rules).Error
	if err != nil {
		metrics.KPIUpdatesTotal.WithLabelValues(u.KPIType, "error").Inc()
		return fmt.Errorf("load rules: %w", err)
	}
	if len(rules) == 0 {
		metrics.KPIUpdatesTotal.WithLabelValues(u.KPIType, "skipped").Inc()
		return nil
	}

	// Preferences are read once per update, not per rule.
	prefs := e.preferencesFor(u.UserID)

	failed := 0
	for i := range rules {
		// Checkpoint between rules, never mid-evaluation.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rule := &rules[i]
		if !ruleCoversProperty(rule, u.PropertyID) {
			continue
		}
		zone := evaluator.Evaluate(u.Value, evaluator.BandsFromRule(rule))
		metrics.RulesEvaluatedTotal.WithLabelValues(string(zone)).Inc()
		if err := e.applyRule(rule, prefs, u, zone); err != nil {
			failed++
			e.log.Error().Err(err).Uint("rule_id", rule.ID).Msg("apply rule")
		}
	}
	if failed > 0 {
		metrics.KPIUpdatesTotal.WithLabelValues(u.KPIType, "error").Inc()
		return fmt.Errorf("%d of %d rules failed for %s update", failed, len(rules), u.KPIType)
	}
	metrics.KPIUpdatesTotal.WithLabelValues(u.KPIType, "processed").Inc()
	return nil
}

// ruleCoversProperty reports whether the rule's property scope includes
// the update's property. Empty scope means all properties.
func ruleCoversProperty(r *models.AlertRule, propertyID *uint) bool {
	if r.PropertyIDs == "" || r.PropertyIDs == "[]" {
		return true
	}
	var ids []uint
	if err := json.Unmarshal([]byte(r.PropertyIDs), &ids); err != nil || len(ids) == 0 {
		return true
	}
	if propertyID == nil {
		// Portfolio-level updates only match portfolio-wide rules.
		return false
	}
	for _, id := range ids {
		if id == *propertyID {
			return true
		}
	}
	return false
}

func (e *Engine) pairLock(ruleID uint, propertyID *uint) *sync.Mutex {
	key := strconv.FormatUint(uint64(ruleID), 10)
	if propertyID != nil {
		key += "|" + strconv.FormatUint(uint64(*propertyID), 10)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[key] = l
	return l
}

// applyRule upserts/resolves the instance for one (rule, property) pair
// and enqueues deliveries, all inside one transaction.
func (e *Engine) applyRule(rule *models.AlertRule, prefs models.NotificationPreferences, u models.KPIUpdate, zone evaluator.Zone) error {
	lock := e.pairLock(rule.ID, u.PropertyID)
	lock.Lock()
	defer lock.Unlock()

	return e.db.Transaction(func(tx *gorm.DB) error {
		open, found, err := openInstance(tx, rule.ID, u.PropertyID)
		if err != nil {
			return err
		}

		if !zone.Fires() {
			// Return-to-green: resolve the stale open instance, no delivery.
			if found {
				now := time.Now()
				if err := tx.Model(&open).Updates(map[string]interface{}{
					"status":          models.InstanceResolved,
					"resolved_at":     now,
					"resolution_note": autoResolveNote,
				}).Error; err != nil {
					return fmt.Errorf("auto-resolve instance %s: %w", open.ID, err)
				}
				metrics.InstancesTotal.WithLabelValues("auto_resolved").Inc()
				e.log.Info().Str("instance_id", open.ID).Uint("rule_id", rule.ID).Msg("auto-resolved on green")
			}
			return nil
		}

		message := evaluator.Message(rule.Name, u.Value, zone)
		trigger := enrich.Build(u, zone)
		triggerJSON, _ := json.Marshal(trigger)

		fresh := !found
		escalated := found && open.Level != models.LevelRed && zone == evaluator.ZoneRed
		if found {
			// Repeat firing: refresh the open instance in place rather
			// than inserting a duplicate.
			if err := tx.Model(&open).Updates(map[string]interface{}{
				"kpi_value":     u.Value,
				"level":         zone.Level(),
				"message":       message,
				"trigger_data":  string(triggerJSON),
				"property_name": propertyName(u, open.PropertyName),
			}).Error; err != nil {
				return fmt.Errorf("refresh instance %s: %w", open.ID, err)
			}
			metrics.InstancesTotal.WithLabelValues("updated").Inc()
		} else {
			open = models.AlertInstance{
				ID:           uuid.New().String(),
				RuleID:       rule.ID,
				UserID:       rule.UserID,
				PropertyID:   u.PropertyID,
				PropertyName: propertyName(u, ""),
				KPIType:      u.KPIType,
				KPIValue:     u.Value,
				Level:        zone.Level(),
				Message:      message,
				Status:       models.InstanceActive,
				TriggerData:  string(triggerJSON),
			}
			if err := tx.Create(&open).Error; err != nil {
				return fmt.Errorf("create instance: %w", err)
			}
			metrics.InstancesTotal.WithLabelValues("opened").Inc()
		}

		return e.enqueueDeliveries(tx, rule, prefs, &open, u, trigger, fresh || escalated)
	})
}

// openInstance finds the open (active or acknowledged) instance for the
// (rule, property) pair.
func openInstance(tx *gorm.DB, ruleID uint, propertyID *uint) (models.AlertInstance, bool, error) {
	q := tx.Where("rule_id = ? AND status IN ?", ruleID, []string{models.InstanceActive, models.InstanceAcknowledged})
	if propertyID == nil {
		q = q.Where("property_id IS NULL")
	} else {
		q = q.Where("property_id = ?", *propertyID)
	}
	var inst models.AlertInstance
	err := q.First(&inst).Error
	if err == gorm.ErrRecordNotFound {
		return inst, false, nil
	}
	if err != nil {
		return inst, false, err
	}
	return inst, true, nil
}

func propertyName(u models.KPIUpdate, fallback string) string {
	if u.PropertyName != "" {
		return u.PropertyName
	}
	if fallback != "" {
		return fallback
	}
	return "Portfolio"
}
