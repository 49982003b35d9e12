package engine

import (
	"fmt"
	"time"

	"github.com/proppulse/backend/internal/metrics"
	"github.com/proppulse/backend/internal/models"
	"gorm.io/gorm"
)

// Acknowledge moves an active instance to acknowledged. Idempotent: a
// second call (or a call on a resolved instance) changes nothing, and
// acknowledged_at keeps the first call's timestamp.
func Acknowledge(db *gorm.DB, userID uint, instanceID string) (*models.AlertInstance, error) {
	var inst models.AlertInstance
	if err := db.Where("id = ? AND user_id = ?", instanceID, userID).First(&inst).Error; err != nil {
		return nil, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	if inst.Status != models.InstanceActive {
		return &inst, nil
	}
	now := time.Now()
	if err := db.Model(&inst).Updates(map[string]interface{}{
		"status":          models.InstanceAcknowledged,
		"acknowledged_at": now,
		"acknowledged_by": userID,
	}).Error; err != nil {
		return nil, fmt.Errorf("acknowledge %s: %w", instanceID, err)
	}
	inst.Status = models.InstanceAcknowledged
	inst.AcknowledgedAt = &now
	inst.AcknowledgedBy = userID
	metrics.InstancesTotal.WithLabelValues("acknowledged").Inc()
	return &inst, nil
}

// Resolve moves an instance to resolved, directly from active or from
// acknowledged. Idempotent on already-resolved instances.
func Resolve(db *gorm.DB, userID uint, instanceID, note string) (*models.AlertInstance, error) {
	var inst models.AlertInstance
	if err := db.Where("id = ? AND user_id = ?", instanceID, userID).First(&inst).Error; err != nil {
		return nil, fmt.Errorf("instance %s: %w", instanceID, err)
	}
	if inst.Status == models.InstanceResolved {
		return &inst, nil
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":      models.InstanceResolved,
		"resolved_at": now,
		"resolved_by": userID,
	}
	if note != "" {
		updates["resolution_note"] = note
	}
	if err := db.Model(&inst).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("resolve %s: %w", instanceID, err)
	}
	inst.Status = models.InstanceResolved
	inst.ResolvedAt = &now
	inst.ResolvedBy = userID
	if note != "" {
		inst.ResolutionNote = note
	}
	metrics.InstancesTotal.WithLabelValues("resolved").Inc()
	return &inst, nil
}

// ResolveOpenInstancesForRule resolves every open instance of a rule with
// a system note. Used when a rule is deleted or deactivated.
func ResolveOpenInstancesForRule(db *gorm.DB, ruleID uint, note string) (int64, error) {
	res := db.Model(&models.AlertInstance{}).
		Where("rule_id = ? AND status IN ?", ruleID, []string{models.InstanceActive, models.InstanceAcknowledged}).
		Updates(map[string]interface{}{
			"status":          models.InstanceResolved,
			"resolved_at":     time.Now(),
			"resolution_note": note,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("resolve instances for rule %d: %w", ruleID, res.Error)
	}
	return res.RowsAffected, nil
}
