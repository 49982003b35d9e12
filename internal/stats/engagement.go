package stats

import (
	"time"

	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/models"
)

// Component weights of the engagement score.
const (
	weightResponsiveness = 0.30
	weightProactivity    = 0.25
	weightDataQuality    = 0.25
	weightSystemUsage    = 0.20
)

// Score is a 0-100 engagement rollup with its weighted components, each
// also on a 0-100 scale.
type Score struct {
	Total          float64 `json:"total"`
	Responsiveness float64 `json:"responsiveness"`
	Proactivity    float64 `json:"proactivity"`
	DataQuality    float64 `json:"data_quality"`
	SystemUsage    float64 `json:"system_usage"`
}

// EngagementScore computes the user's score over the window starting at
// since. The score describes platform usage and alert responsiveness; it
// has no effect on rule evaluation or delivery.
func EngagementScore(db *gorm.DB, userID uint, since time.Time) (Score, error) {
	s := Score{
		Responsiveness: responsiveness(db, userID, since),
		Proactivity:    proactivity(db, userID, since),
		DataQuality:    dataQuality(db, userID, since),
		SystemUsage:    systemUsage(db, userID, since),
	}
	s.Total = clamp(weightResponsiveness*s.Responsiveness +
		weightProactivity*s.Proactivity +
		weightDataQuality*s.DataQuality +
		weightSystemUsage*s.SystemUsage)
	return s, nil
}

// responsiveness is the inverse of the mean acknowledgement latency:
// instant acknowledgement scores 100, 48 hours or slower scores 0. A
// user with no acknowledged alerts in the window sits at a neutral 50.
func responsiveness(db *gorm.DB, userID uint, since time.Time) float64 {
	var instances []models.AlertInstance
	db.Where("user_id = ? AND acknowledged_at IS NOT NULL AND created_at >= ?", userID, since).
		Find(&instances)
	if len(instances) == 0 {
		return 50
	}
	var total time.Duration
	for _, inst := range instances {
		total += inst.AcknowledgedAt.Sub(inst.CreatedAt)
	}
	mean := total / time.Duration(len(instances))
	const worst = 48 * time.Hour
	if mean <= 0 {
		return 100
	}
	if mean >= worst {
		return 0
	}
	return 100 * (1 - float64(mean)/float64(worst))
}

// proactivity blends resolved-alert count, generated reports and login
// frequency, each saturating at a modest target.
func proactivity(db *gorm.DB, userID uint, since time.Time) float64 {
	var resolved, reports, logins int64
	db.Model(&models.AlertInstance{}).
		Where("user_id = ? AND resolved_by = ? AND resolved_at >= ?", userID, userID, since).
		Count(&resolved)
	db.Model(&models.ActivityEvent{}).
		Where("user_id = ? AND kind = ? AND created_at >= ?", userID, models.ActivityReportGenerated, since).
		Count(&reports)
	db.Model(&models.ActivityEvent{}).
		Where("user_id = ? AND kind = ? AND created_at >= ?", userID, models.ActivityLogin, since).
		Count(&logins)
	return clamp(saturating(resolved, 10)*40 + saturating(reports, 4)*30 + saturating(logins, 20)*30)
}

// dataQuality scores sync freshness: a sync within the last day is 100,
// decaying linearly to 0 at seven days. No sync on record scores 0.
func dataQuality(db *gorm.DB, userID uint, since time.Time) float64 {
	var last models.ActivityEvent
	err := db.Where("user_id = ? AND kind = ?", userID, models.ActivitySyncCompleted).
		Order("created_at desc").First(&last).Error
	if err != nil {
		return 0
	}
	age := time.Since(last.CreatedAt)
	if age <= 24*time.Hour {
		return 100
	}
	const stale = 7 * 24 * time.Hour
	if age >= stale {
		return 0
	}
	return 100 * (1 - float64(age-24*time.Hour)/float64(stale-24*time.Hour))
}

// systemUsage rewards feature breadth and regular logins.
func systemUsage(db *gorm.DB, userID uint, since time.Time) float64 {
	var features, logins int64
	db.Model(&models.ActivityEvent{}).
		Where("user_id = ? AND kind = ? AND created_at >= ?", userID, models.ActivityFeatureUsed, since).
		Distinct("detail").Count(&features)
	db.Model(&models.ActivityEvent{}).
		Where("user_id = ? AND kind = ? AND created_at >= ?", userID, models.ActivityLogin, since).
		Count(&logins)
	return clamp(saturating(features, 5)*50 + saturating(logins, 20)*50)
}

func saturating(count, target int64) float64 {
	if count >= target {
		return 1
	}
	return float64(count) / float64(target)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
