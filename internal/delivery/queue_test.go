package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/proppulse/backend/internal/config"
	"github.com/proppulse/backend/internal/models"
	"github.com/proppulse/backend/internal/store"
	"gorm.io/gorm"
)

type fakeProvider struct {
	calls     int
	fail      bool
	failFirst int // fail this many leading calls, then succeed
	nextID    int
}

func (f *fakeProvider) Send(ctx context.Context, msg Message) (string, error) {
	f.calls++
	if f.fail || f.calls <= f.failFirst {
		return "", fmt.Errorf("provider down")
	}
	f.nextID++
	return fmt.Sprintf("pm-%d", f.nextID), nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.NewTest()
	if err != nil {
		t.Fatal(err)
	}
	return db.DB
}

func seedTemplate(t *testing.T, db *gorm.DB) models.MessageTemplate {
	t.Helper()
	tpl := models.MessageTemplate{
		Name:     "Red flag email",
		Type:     models.ChannelEmail,
		Subject:  "[{{alert_level}}] {{property_name}}",
		Content:  "{{alert_message}}",
		IsActive: true,
	}
	if err := db.Create(&tpl).Error; err != nil {
		t.Fatal(err)
	}
	return tpl
}

func enqueueOne(t *testing.T, db *gorm.DB, tpl models.MessageTemplate, priority string) *models.DeliveryLog {
	t.Helper()
	entry, err := Enqueue(db, Request{
		UserID:           1,
		TemplateID:       tpl.ID,
		Channel:          models.ChannelEmail,
		RecipientType:    "user",
		RecipientAddress: "owner@example.com",
		Priority:         priority,
		Variables: map[string]interface{}{
			"alert_level":   "red",
			"property_name": "Oak Ridge",
			"alert_message": "Critical: Occupancy - Value: 75",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func TestEnqueueRendersAndPrioritizes(t *testing.T) {
	db := testDB(t)
	tpl := seedTemplate(t, db)
	entry := enqueueOne(t, db, tpl, "critical")

	if entry.Status != models.DeliveryPending {
		t.Errorf("status %s", entry.Status)
	}
	if entry.Priority != models.PriorityCritical {
		t.Errorf("priority %d, want 1", entry.Priority)
	}
	if entry.Subject != "[red] Oak Ridge" {
		t.Errorf("subject %q", entry.Subject)
	}
	if entry.Content != "Critical: Occupancy - Value: 75" {
		t.Errorf("content %q", entry.Content)
	}

	low := enqueueOne(t, db, tpl, "medium")
	if low.Priority != models.PriorityLow {
		t.Errorf("medium priority %d, want 3", low.Priority)
	}
	high := enqueueOne(t, db, tpl, "high")
	if high.Priority != models.PriorityHigh {
		t.Errorf("high priority %d, want 2", high.Priority)
	}
}

func TestEnqueueMissingTemplate(t *testing.T) {
	db := testDB(t)
	_, err := Enqueue(db, Request{UserID: 1, TemplateID: 999, Channel: models.ChannelEmail})
	if err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestProcessDueSendsAndMarksSent(t *testing.T) {
	db := testDB(t)
	tpl := seedTemplate(t, db)
	entry := enqueueOne(t, db, tpl, "critical")

	fp := &fakeProvider{}
	p := NewProcessorWithProviders(db, config.DeliveryConfig{}, map[string]Provider{models.ChannelEmail: fp})
	p.ProcessDue(context.Background())

	var got models.DeliveryLog
	if err := db.First(&got, "id = ?", entry.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != models.DeliverySent {
		t.Errorf("status %s, want sent", got.Status)
	}
	if got.ProviderMessageID == "" {
		t.Error("provider message id not persisted")
	}
	if got.SentAt == nil {
		t.Error("sent_at not stamped")
	}
	if fp.calls != 1 {
		t.Errorf("provider calls %d", fp.calls)
	}
}

func TestProcessDueRetriesThenTerminalFailure(t *testing.T) {
	db := testDB(t)
	tpl := seedTemplate(t, db)
	entry := enqueueOne(t, db, tpl, "high")

	fp := &fakeProvider{fail: true}
	cfg := config.DeliveryConfig{MaxRetries: 2, RetryBackoff: time.Nanosecond}
	p := NewProcessorWithProviders(db, cfg, map[string]Provider{models.ChannelEmail: fp})

	p.ProcessDue(context.Background())
	var got models.DeliveryLog
	db.First(&got, "id = ?", entry.ID)
	if got.Status != models.DeliveryPending || got.RetryCount != 1 {
		t.Fatalf("after first failure: status=%s retries=%d", got.Status, got.RetryCount)
	}
	if got.ErrorMessage == "" {
		t.Error("error message not recorded")
	}

	time.Sleep(5 * time.Millisecond) // let the backoff elapse
	p.ProcessDue(context.Background())
	db.First(&got, "id = ?", entry.ID)
	if got.Status != models.DeliveryFailed {
		t.Fatalf("after ceiling: status=%s retries=%d", got.Status, got.RetryCount)
	}

	// Terminal rows are never retried again.
	calls := fp.calls
	p.ProcessDue(context.Background())
	if fp.calls != calls {
		t.Error("terminal failed row was retried")
	}
}

func TestProcessDueRateLimitDefersNotDrops(t *testing.T) {
	db := testDB(t)
	tpl := seedTemplate(t, db)
	first := enqueueOne(t, db, tpl, "critical")
	second := enqueueOne(t, db, tpl, "critical")

	fp := &fakeProvider{}
	cfg := config.DeliveryConfig{RateLimitPerHour: 1}
	p := NewProcessorWithProviders(db, cfg, map[string]Provider{models.ChannelEmail: fp})
	p.ProcessDue(context.Background())

	var a, b models.DeliveryLog
	db.First(&a, "id = ?", first.ID)
	db.First(&b, "id = ?", second.ID)
	if a.Status != models.DeliverySent {
		t.Errorf("first: status %s", a.Status)
	}
	if b.Status != models.DeliveryPending {
		t.Errorf("second: status %s, want pending (deferred)", b.Status)
	}
	if !b.NextAttemptAt.After(time.Now()) {
		t.Error("deferred row should be due in the next window")
	}
}

func TestRateLimitIgnoresFailedAttempts(t *testing.T) {
	db := testDB(t)
	tpl := seedTemplate(t, db)
	first := enqueueOne(t, db, tpl, "critical")
	second := enqueueOne(t, db, tpl, "critical")

	// First send fails terminally; it never went out, so it must not
	// consume the hourly budget for the second one.
	fp := &fakeProvider{failFirst: 1}
	cfg := config.DeliveryConfig{MaxRetries: 1, RateLimitPerHour: 1}
	p := NewProcessorWithProviders(db, cfg, map[string]Provider{models.ChannelEmail: fp})
	p.ProcessDue(context.Background())

	var a, b models.DeliveryLog
	db.First(&a, "id = ?", first.ID)
	db.First(&b, "id = ?", second.ID)
	if a.Status != models.DeliveryFailed {
		t.Fatalf("first: status %s, want failed", a.Status)
	}
	if a.SentAt != nil {
		t.Error("failed attempt must not carry a sent_at stamp")
	}
	if b.Status != models.DeliverySent {
		t.Errorf("second: status %s, want sent (budget untouched by the failure)", b.Status)
	}
	if b.SentAt == nil {
		t.Error("sent row missing sent_at")
	}
}

func TestDashboardChannelDeliversLocally(t *testing.T) {
	db := testDB(t)
	tpl := models.MessageTemplate{Name: "dash", Type: models.ChannelPush, Content: "{{alert_message}}", IsActive: true}
	if err := db.Create(&tpl).Error; err != nil {
		t.Fatal(err)
	}
	entry, err := Enqueue(db, Request{UserID: 1, TemplateID: tpl.ID, Channel: models.ChannelDashboard, Priority: "critical",
		Variables: map[string]interface{}{"alert_message": "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	p := NewProcessorWithProviders(db, config.DeliveryConfig{}, nil)
	p.ProcessDue(context.Background())
	var got models.DeliveryLog
	db.First(&got, "id = ?", entry.ID)
	if got.Status != models.DeliveryDelivered || got.DeliveredAt == nil {
		t.Errorf("dashboard delivery: status=%s", got.Status)
	}
}

func TestApplyStatusMonotonic(t *testing.T) {
	db := testDB(t)
	entry := models.DeliveryLog{ID: "d1", UserID: 1, Channel: models.ChannelEmail, Status: models.DeliverySent, ProviderMessageID: "pm-1"}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatal(err)
	}

	at := time.Now()
	if err := ApplyStatus(db, "pm-1", models.DeliveryDelivered, at); err != nil {
		t.Fatal(err)
	}
	var got models.DeliveryLog
	db.First(&got, "id = ?", "d1")
	if got.Status != models.DeliveryDelivered || got.DeliveredAt == nil {
		t.Fatalf("delivered not applied: %s", got.Status)
	}

	// Late "sent" callback must not revert.
	if err := ApplyStatus(db, "pm-1", models.DeliverySent, time.Now()); err != nil {
		t.Fatal(err)
	}
	db.First(&got, "id = ?", "d1")
	if got.Status != models.DeliveryDelivered {
		t.Errorf("status reverted to %s", got.Status)
	}

	// opened/clicked stamp once, first wins.
	if err := ApplyStatus(db, "pm-1", "opened", at); err != nil {
		t.Fatal(err)
	}
	db.First(&got, "id = ?", "d1")
	if got.OpenedAt == nil {
		t.Fatal("opened_at not stamped")
	}
	firstOpen := *got.OpenedAt
	_ = ApplyStatus(db, "pm-1", "opened", at.Add(time.Hour))
	db.First(&got, "id = ?", "d1")
	if !got.OpenedAt.Equal(firstOpen) {
		t.Error("opened_at overwritten by later callback")
	}
}

func TestApplyStatusUnknownProviderID(t *testing.T) {
	db := testDB(t)
	if err := ApplyStatus(db, "missing", models.DeliveryDelivered, time.Now()); err == nil {
		t.Fatal("expected lookup error")
	}
}
