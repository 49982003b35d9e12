// Package stats rolls delivery outcomes into daily per-channel
// statistics and computes per-user engagement scores. Everything here is
// a derived reporting view: failures are logged and never propagate
// back into the alerting path.
package stats

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/logger"
	"github.com/proppulse/backend/internal/models"
)

// RollupDay recomputes the per-channel DeliveryStatistic rows for the
// given calendar day. Recompute-in-place keeps the rollup idempotent, so
// re-running a day after late provider callbacks just refreshes it.
func RollupDay(db *gorm.DB, day time.Time) error {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	var channels []string
	if err := db.Model(&models.DeliveryLog{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Distinct("channel").Pluck("channel", &channels).Error; err != nil {
		return err
	}

	for _, channel := range channels {
		base := func() *gorm.DB {
			return db.Model(&models.DeliveryLog{}).
				Where("channel = ? AND created_at >= ? AND created_at < ?", channel, start, end)
		}
		var sent, delivered, failed, opened, clicked int64
		base().Where("status IN ?", []string{models.DeliverySent, models.DeliveryDelivered}).Count(&sent)
		base().Where("status = ?", models.DeliveryDelivered).Count(&delivered)
		base().Where("status IN ?", []string{models.DeliveryFailed, models.DeliveryBounced}).Count(&failed)
		base().Where("opened_at IS NOT NULL").Count(&opened)
		base().Where("clicked_at IS NOT NULL").Count(&clicked)

		stat := models.DeliveryStatistic{Day: start, Channel: channel}
		db.Where("day = ? AND channel = ?", start, channel).First(&stat)
		stat.SentCount = int(sent)
		stat.DeliveredCount = int(delivered)
		stat.FailedCount = int(failed)
		stat.OpenedCount = int(opened)
		stat.ClickedCount = int(clicked)
		stat.DeliveryRate = ratio(delivered, sent)
		stat.OpenRate = ratio(opened, delivered)
		stat.ClickRate = ratio(clicked, opened)
		if err := db.Save(&stat).Error; err != nil {
			return err
		}
	}
	return nil
}

func ratio(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// Loop runs RollupDay for the current day on a fixed interval until ctx
// is cancelled. Around midnight it also refreshes the previous day so
// callbacks that straddle the boundary still land.
func Loop(ctx context.Context, db *gorm.DB, interval time.Duration) {
	log := logger.WithComponent("stats")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := RollupDay(db, now); err != nil {
				log.Warn().Err(err).Msg("daily rollup failed")
			}
			if now.Hour() == 0 {
				if err := RollupDay(db, now.Add(-24*time.Hour)); err != nil {
					log.Warn().Err(err).Msg("previous-day rollup failed")
				}
			}
		}
	}
}
