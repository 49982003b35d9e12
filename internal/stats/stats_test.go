package stats

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/models"
	"github.com/proppulse/backend/internal/store"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.NewTest()
	if err != nil {
		t.Fatal(err)
	}
	return db.DB
}

func logWith(db *gorm.DB, t *testing.T, channel, status string, opened, clicked bool) {
	t.Helper()
	now := time.Now()
	l := models.DeliveryLog{
		ID:      uuid.New().String(),
		UserID:  1,
		Channel: channel,
		Status:  status,
	}
	if opened {
		l.OpenedAt = &now
	}
	if clicked {
		l.ClickedAt = &now
	}
	if err := db.Create(&l).Error; err != nil {
		t.Fatal(err)
	}
}

func TestRollupDayCountsAndRates(t *testing.T) {
	db := testDB(t)
	logWith(db, t, models.ChannelEmail, models.DeliveryDelivered, true, true)
	logWith(db, t, models.ChannelEmail, models.DeliveryDelivered, true, false)
	logWith(db, t, models.ChannelEmail, models.DeliverySent, false, false)
	logWith(db, t, models.ChannelEmail, models.DeliveryFailed, false, false)
	logWith(db, t, models.ChannelSMS, models.DeliverySent, false, false)

	if err := RollupDay(db, time.Now()); err != nil {
		t.Fatal(err)
	}

	var email models.DeliveryStatistic
	if err := db.Where("channel = ?", models.ChannelEmail).First(&email).Error; err != nil {
		t.Fatal(err)
	}
	if email.SentCount != 3 || email.DeliveredCount != 2 || email.FailedCount != 1 {
		t.Errorf("email counts: %+v", email)
	}
	if email.OpenedCount != 2 || email.ClickedCount != 1 {
		t.Errorf("email engagement counts: %+v", email)
	}
	if email.DeliveryRate != 2.0/3.0 || email.OpenRate != 1.0 || email.ClickRate != 0.5 {
		t.Errorf("email rates: %+v", email)
	}

	var sms models.DeliveryStatistic
	if err := db.Where("channel = ?", models.ChannelSMS).First(&sms).Error; err != nil {
		t.Fatal(err)
	}
	if sms.SentCount != 1 || sms.DeliveryRate != 0 {
		t.Errorf("sms: %+v", sms)
	}
}

func TestRollupDayIsIdempotent(t *testing.T) {
	db := testDB(t)
	logWith(db, t, models.ChannelEmail, models.DeliveryDelivered, false, false)

	if err := RollupDay(db, time.Now()); err != nil {
		t.Fatal(err)
	}
	// A late callback flips another log to delivered; rerun refreshes.
	logWith(db, t, models.ChannelEmail, models.DeliveryDelivered, false, false)
	if err := RollupDay(db, time.Now()); err != nil {
		t.Fatal(err)
	}

	var count int64
	db.Model(&models.DeliveryStatistic{}).Where("channel = ?", models.ChannelEmail).Count(&count)
	if count != 1 {
		t.Fatalf("stat rows = %d, want 1", count)
	}
	var stat models.DeliveryStatistic
	db.Where("channel = ?", models.ChannelEmail).First(&stat)
	if stat.DeliveredCount != 2 {
		t.Errorf("delivered = %d, want 2 after recompute", stat.DeliveredCount)
	}
}

func seedActivity(db *gorm.DB, userID uint, kind, detail string, at time.Time) {
	db.Create(&models.ActivityEvent{UserID: userID, Kind: kind, Detail: detail, CreatedAt: at})
}

func TestEngagementScoreBounds(t *testing.T) {
	db := testDB(t)
	since := time.Now().Add(-30 * 24 * time.Hour)

	// Nothing on record: only the neutral responsiveness component counts.
	s, err := EngagementScore(db, 1, since)
	if err != nil {
		t.Fatal(err)
	}
	if s.Total < 0 || s.Total > 100 {
		t.Fatalf("total out of range: %g", s.Total)
	}
	if s.Responsiveness != 50 || s.DataQuality != 0 || s.SystemUsage != 0 {
		t.Errorf("empty-history components: %+v", s)
	}

	// A highly engaged user touches every component.
	now := time.Now()
	created := now.Add(-10 * time.Minute)
	acked := now.Add(-5 * time.Minute)
	db.Create(&models.AlertInstance{
		ID: uuid.New().String(), RuleID: 1, UserID: 1, Level: models.LevelRed,
		Status: models.InstanceResolved, CreatedAt: created,
		AcknowledgedAt: &acked, ResolvedAt: &now, ResolvedBy: 1,
	})
	for i := 0; i < 25; i++ {
		seedActivity(db, 1, models.ActivityLogin, "", now.Add(-time.Duration(i)*time.Hour))
	}
	for _, feat := range []string{"reports", "rules", "dashboard", "export", "preferences"} {
		seedActivity(db, 1, models.ActivityFeatureUsed, feat, now)
	}
	for i := 0; i < 5; i++ {
		seedActivity(db, 1, models.ActivityReportGenerated, "", now)
	}
	seedActivity(db, 1, models.ActivitySyncCompleted, "", now)

	s, err = EngagementScore(db, 1, since)
	if err != nil {
		t.Fatal(err)
	}
	if s.Total <= 50 || s.Total > 100 {
		t.Errorf("engaged user total = %g", s.Total)
	}
	if s.DataQuality != 100 {
		t.Errorf("fresh sync data quality = %g, want 100", s.DataQuality)
	}
	if s.SystemUsage != 100 {
		t.Errorf("system usage = %g, want 100", s.SystemUsage)
	}
	if s.Responsiveness < 99 {
		t.Errorf("fast ack responsiveness = %g", s.Responsiveness)
	}
}

func TestEngagementScoreSlowAcknowledger(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	created := now.Add(-72 * time.Hour)
	acked := now // 72h latency, past the 48h floor
	db.Create(&models.AlertInstance{
		ID: uuid.New().String(), RuleID: 1, UserID: 2, Level: models.LevelRed,
		Status: models.InstanceAcknowledged, CreatedAt: created, AcknowledgedAt: &acked,
	})
	s, err := EngagementScore(db, 2, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if s.Responsiveness != 0 {
		t.Errorf("responsiveness = %g, want 0 for 72h latency", s.Responsiveness)
	}
}
