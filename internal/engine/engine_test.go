package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/proppulse/backend/internal/enrich"
	"github.com/proppulse/backend/internal/models"
	"github.com/proppulse/backend/internal/store"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := store.NewTest()
	if err != nil {
		t.Fatal(err)
	}
	return db.DB
}

func f(v float64) *float64 { return &v }
func u(v uint) *uint       { return &v }

func seedFixtures(t *testing.T, db *gorm.DB) models.AlertRule {
	t.Helper()
	rule := models.AlertRule{
		UserID:         1,
		Name:           "Occupancy Alert",
		KPIType:        "occupancy_rate",
		RedMin:         f(80),
		AlertFrequency: models.FrequencyImmediate,
		Channels:       `["email","dashboard"]`,
		IsActive:       true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatal(err)
	}
	for _, tpl := range []models.MessageTemplate{
		{Name: "Email", Type: models.ChannelEmail, Subject: "[{{alert_level}}] {{property_name}}", Content: "{{alert_message}}", IsActive: true},
		{Name: "Push", Type: models.ChannelPush, Content: "{{alert_message}}", IsActive: true},
	} {
		if err := db.Create(&tpl).Error; err != nil {
			t.Fatal(err)
		}
	}
	prefs := models.NotificationPreferences{UserID: 1, EmailEnabled: true, DashboardEnabled: true, EmailAddress: "owner@example.com", EmergencyOverride: true}
	if err := db.Create(&prefs).Error; err != nil {
		t.Fatal(err)
	}
	return rule
}

func occupancyUpdate(value float64) models.KPIUpdate {
	return models.KPIUpdate{
		UserID:       1,
		KPIType:      "occupancy_rate",
		MetricName:   "Occupancy",
		Value:        value,
		PropertyID:   u(10),
		PropertyName: "Oak Ridge",
		Timestamp:    time.Now(),
	}
}

func TestRedUpdateCreatesInstanceWithEnrichment(t *testing.T) {
	db := testDB(t)
	rule := seedFixtures(t, db)
	e := New(db, nil)

	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}

	var instances []models.AlertInstance
	db.Find(&instances)
	if len(instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(instances))
	}
	inst := instances[0]
	if inst.RuleID != rule.ID || inst.Level != models.LevelRed || inst.Status != models.InstanceActive {
		t.Errorf("instance %+v", inst)
	}
	if inst.Message != "Critical: Occupancy Alert - Value: 75" {
		t.Errorf("message %q", inst.Message)
	}
	var trigger enrich.TriggerData
	if err := json.Unmarshal([]byte(inst.TriggerData), &trigger); err != nil {
		t.Fatal(err)
	}
	if trigger.Recommendation == "" {
		t.Error("trigger_data.recommendation must be populated")
	}
	if trigger.Priority != "critical" {
		t.Errorf("priority %s", trigger.Priority)
	}
}

func TestAtMostOneOpenInstancePerRuleProperty(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)

	for i := 0; i < 5; i++ {
		if err := e.ProcessUpdate(context.Background(), occupancyUpdate(70+float64(i))); err != nil {
			t.Fatal(err)
		}
	}
	var active int64
	db.Model(&models.AlertInstance{}).Where("status = ?", models.InstanceActive).Count(&active)
	if active != 1 {
		t.Fatalf("active instances = %d, want 1", active)
	}
	// Latest value wins on the refreshed instance.
	var inst models.AlertInstance
	db.First(&inst)
	if inst.KPIValue != 74 {
		t.Errorf("kpi_value = %g, want 74", inst.KPIValue)
	}
}

func TestDistinctPropertiesGetDistinctInstances(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)

	u1 := occupancyUpdate(70)
	u2 := occupancyUpdate(72)
	u2.PropertyID = u(11)
	u2.PropertyName = "Maple Court"
	if err := e.ProcessUpdate(context.Background(), u1); err != nil {
		t.Fatal(err)
	}
	if err := e.ProcessUpdate(context.Background(), u2); err != nil {
		t.Fatal(err)
	}
	var count int64
	db.Model(&models.AlertInstance{}).Count(&count)
	if count != 2 {
		t.Fatalf("instances = %d, want 2", count)
	}
}

func TestGreenAutoResolvesOpenInstance(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)

	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(70)); err != nil {
		t.Fatal(err)
	}
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(92)); err != nil {
		t.Fatal(err)
	}

	var inst models.AlertInstance
	db.First(&inst)
	if inst.Status != models.InstanceResolved {
		t.Fatalf("status = %s, want resolved", inst.Status)
	}
	if inst.ResolvedAt == nil || inst.ResolutionNote == "" {
		t.Error("auto-resolve must stamp resolved_at and a system note")
	}
	// Green never creates a new instance.
	var count int64
	db.Model(&models.AlertInstance{}).Count(&count)
	if count != 1 {
		t.Errorf("instances = %d, want 1", count)
	}
}

func TestGreenWithoutOpenInstanceIsNoop(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(95)); err != nil {
		t.Fatal(err)
	}
	var count int64
	db.Model(&models.AlertInstance{}).Count(&count)
	if count != 0 {
		t.Errorf("instances = %d, want 0", count)
	}
}

func TestFiringEnqueuesDeliveries(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)

	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var logs []models.DeliveryLog
	db.Order("channel asc").Find(&logs)
	if len(logs) != 2 {
		t.Fatalf("delivery logs = %d, want 2 (email + dashboard)", len(logs))
	}
	for _, l := range logs {
		if l.Status != models.DeliveryPending {
			t.Errorf("%s: status %s", l.Channel, l.Status)
		}
		if l.Priority != models.PriorityCritical {
			t.Errorf("%s: priority %d, want 1 for critical trigger", l.Channel, l.Priority)
		}
	}
	var email models.DeliveryLog
	db.Where("channel = ?", models.ChannelEmail).First(&email)
	if email.RecipientAddress != "owner@example.com" {
		t.Errorf("recipient %q", email.RecipientAddress)
	}
	if email.Subject != "[red] Oak Ridge" {
		t.Errorf("subject %q", email.Subject)
	}
}

func TestImmediateFrequencyDoesNotRenotifyOnRefresh(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)

	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(74)); err != nil {
		t.Fatal(err)
	}
	var count int64
	db.Model(&models.DeliveryLog{}).Count(&count)
	if count != 2 {
		t.Errorf("delivery logs = %d, want 2 (no re-notify for same open instance)", count)
	}
}

func TestHourlyFrequencyGatesRepeatNotifications(t *testing.T) {
	db := testDB(t)
	rule := seedFixtures(t, db)
	db.Model(&rule).Update("alert_frequency", models.FrequencyHourly)
	e := New(db, nil)

	for i := 0; i < 3; i++ {
		if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
			t.Fatal(err)
		}
	}
	var count int64
	db.Model(&models.DeliveryLog{}).Where("channel = ?", models.ChannelEmail).Count(&count)
	if count != 1 {
		t.Errorf("email deliveries = %d, want 1 within the hourly window", count)
	}
}

func TestRuleScopeFiltersProperties(t *testing.T) {
	db := testDB(t)
	rule := seedFixtures(t, db)
	db.Model(&rule).Update("property_ids", "[11]")
	e := New(db, nil)

	// Update for property 10 is outside the rule's scope.
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var count int64
	db.Model(&models.AlertInstance{}).Count(&count)
	if count != 0 {
		t.Errorf("instances = %d, want 0 for out-of-scope property", count)
	}
}

func TestRuleCoversProperty(t *testing.T) {
	r := &models.AlertRule{}
	if !ruleCoversProperty(r, u(5)) || !ruleCoversProperty(r, nil) {
		t.Error("empty scope covers everything")
	}
	r.PropertyIDs = "[1,2,3]"
	if !ruleCoversProperty(r, u(2)) {
		t.Error("listed property should match")
	}
	if ruleCoversProperty(r, u(9)) {
		t.Error("unlisted property should not match")
	}
	if ruleCoversProperty(r, nil) {
		t.Error("portfolio update should not match a scoped rule")
	}
}

func TestInactiveRuleIsSkipped(t *testing.T) {
	db := testDB(t)
	rule := seedFixtures(t, db)
	db.Model(&rule).Update("is_active", false)
	e := New(db, nil)

	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var count int64
	db.Model(&models.AlertInstance{}).Count(&count)
	if count != 0 {
		t.Errorf("instances = %d, want 0 for inactive rule", count)
	}
}

func TestProcessBatchHonorsCancellation(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	processed, err := e.ProcessBatch(ctx, []models.KPIUpdate{occupancyUpdate(75), occupancyUpdate(74)})
	if err == nil {
		t.Fatal("expected context error")
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var inst models.AlertInstance
	db.First(&inst)

	first, err := Acknowledge(db, 1, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != models.InstanceAcknowledged || first.AcknowledgedAt == nil {
		t.Fatalf("first ack: %+v", first)
	}
	stamp := *first.AcknowledgedAt

	time.Sleep(5 * time.Millisecond)
	second, err := Acknowledge(db, 1, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AcknowledgedAt.Equal(stamp) {
		t.Error("second acknowledge must keep the first timestamp")
	}
}

func TestResolveAfterAcknowledgeAndNoRegression(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var inst models.AlertInstance
	db.First(&inst)

	if _, err := Acknowledge(db, 1, inst.ID); err != nil {
		t.Fatal(err)
	}
	resolved, err := Resolve(db, 1, inst.ID, "fixed pricing")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != models.InstanceResolved || resolved.ResolvedAt == nil {
		t.Fatalf("resolve: %+v", resolved)
	}

	// Acknowledge after resolve is a no-op, never a regression.
	after, err := Acknowledge(db, 1, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != models.InstanceResolved {
		t.Errorf("status regressed to %s", after.Status)
	}

	// Resolve is idempotent too.
	again, err := Resolve(db, 1, inst.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !again.ResolvedAt.Equal(*resolved.ResolvedAt) {
		t.Error("second resolve must keep the first timestamp")
	}
}

func TestResolveDirectlyFromActive(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	e := New(db, nil)
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var inst models.AlertInstance
	db.First(&inst)
	resolved, err := Resolve(db, 1, inst.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != models.InstanceResolved || resolved.AcknowledgedAt != nil {
		t.Errorf("direct resolve: %+v", resolved)
	}
}

func TestResolveOpenInstancesForRule(t *testing.T) {
	db := testDB(t)
	rule := seedFixtures(t, db)
	e := New(db, nil)
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	n, err := ResolveOpenInstancesForRule(db, rule.ID, "rule deleted")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("resolved %d, want 1", n)
	}
	var inst models.AlertInstance
	db.First(&inst)
	if inst.Status != models.InstanceResolved || inst.ResolutionNote != "rule deleted" {
		t.Errorf("instance %+v", inst)
	}
}

func TestQuietHoursSuppressNonCritical(t *testing.T) {
	prefs := models.NotificationPreferences{QuietHoursStart: "22:00", QuietHoursEnd: "08:00"}
	at := func(h, m int) time.Time {
		return time.Date(2026, 8, 30, h, m, 0, 0, time.Local)
	}
	if !inQuietHours(prefs, at(23, 0)) || !inQuietHours(prefs, at(3, 0)) {
		t.Error("23:00 and 03:00 are inside a 22:00-08:00 window")
	}
	if inQuietHours(prefs, at(12, 0)) || inQuietHours(prefs, at(8, 0)) {
		t.Error("12:00 and 08:00 are outside the window")
	}
	// Non-wrapping window.
	prefs.QuietHoursStart, prefs.QuietHoursEnd = "13:00", "14:00"
	if !inQuietHours(prefs, at(13, 30)) || inQuietHours(prefs, at(14, 0)) {
		t.Error("13:30 in, 14:00 out")
	}
	// Unconfigured.
	prefs.QuietHoursStart, prefs.QuietHoursEnd = "", ""
	if inQuietHours(prefs, at(23, 0)) {
		t.Error("no quiet hours configured")
	}
}

func TestQuietHoursSuppressOutboundDeliveries(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	db.Model(&models.NotificationPreferences{}).Where("user_id = ?", 1).
		Updates(map[string]interface{}{"quiet_hours_start": "22:00", "quiet_hours_end": "08:00"})
	rule := models.AlertRule{
		UserID:         1,
		Name:           "Lease-Up Alert",
		KPIType:        "days_to_lease",
		YellowMax:      f(15),
		AlertFrequency: models.FrequencyImmediate,
		Channels:       `["email","dashboard"]`,
		IsActive:       true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatal(err)
	}

	e := New(db, nil)
	e.now = func() time.Time { return time.Date(2026, 8, 30, 23, 0, 0, 0, time.Local) }

	update := models.KPIUpdate{
		UserID:       1,
		KPIType:      "days_to_lease",
		MetricName:   "Days to Lease",
		Value:        20, // yellow, not a critical trigger
		PropertyID:   u(10),
		PropertyName: "Oak Ridge",
		Timestamp:    time.Now(),
	}
	if err := e.ProcessUpdate(context.Background(), update); err != nil {
		t.Fatal(err)
	}

	var email, dashboard int64
	db.Model(&models.DeliveryLog{}).Where("channel = ?", models.ChannelEmail).Count(&email)
	db.Model(&models.DeliveryLog{}).Where("channel = ?", models.ChannelDashboard).Count(&dashboard)
	if email != 0 {
		t.Errorf("email deliveries = %d, want 0 during quiet hours", email)
	}
	if dashboard != 1 {
		t.Errorf("dashboard deliveries = %d, want 1 (quiet hours never mute the dashboard)", dashboard)
	}
}

func TestQuietHoursEmergencyOverrideLetsCriticalThrough(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	db.Model(&models.NotificationPreferences{}).Where("user_id = ?", 1).
		Updates(map[string]interface{}{"quiet_hours_start": "22:00", "quiet_hours_end": "08:00"})

	e := New(db, nil)
	e.now = func() time.Time { return time.Date(2026, 8, 30, 23, 0, 0, 0, time.Local) }

	// Occupancy at 75 is a critical trigger; override is on in the fixtures.
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var email int64
	db.Model(&models.DeliveryLog{}).Where("channel = ?", models.ChannelEmail).Count(&email)
	if email != 1 {
		t.Errorf("email deliveries = %d, want 1 for critical with emergency override", email)
	}
}

func TestQuietHoursWithoutOverrideMuteCritical(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	db.Model(&models.NotificationPreferences{}).Where("user_id = ?", 1).
		Updates(map[string]interface{}{
			"quiet_hours_start":  "22:00",
			"quiet_hours_end":    "08:00",
			"emergency_override": false,
		})

	e := New(db, nil)
	e.now = func() time.Time { return time.Date(2026, 8, 30, 23, 0, 0, 0, time.Local) }

	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var email, dashboard int64
	db.Model(&models.DeliveryLog{}).Where("channel = ?", models.ChannelEmail).Count(&email)
	db.Model(&models.DeliveryLog{}).Where("channel = ?", models.ChannelDashboard).Count(&dashboard)
	if email != 0 {
		t.Errorf("email deliveries = %d, want 0 without emergency override", email)
	}
	if dashboard != 1 {
		t.Errorf("dashboard deliveries = %d, want 1", dashboard)
	}
}

func TestUserNameVariableFromPreferences(t *testing.T) {
	db := testDB(t)
	seedFixtures(t, db)
	db.Model(&models.NotificationPreferences{}).Where("user_id = ?", 1).
		Update("display_name", "Dana Wu")
	db.Model(&models.MessageTemplate{}).Where("type = ?", models.ChannelEmail).
		Update("content", "Hi {{user_name}}, {{alert_message}}")

	e := New(db, nil)
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var email models.DeliveryLog
	if err := db.Where("channel = ?", models.ChannelEmail).First(&email).Error; err != nil {
		t.Fatal(err)
	}
	if email.Content != "Hi Dana Wu, Critical: Occupancy Alert - Value: 75" {
		t.Errorf("content %q", email.Content)
	}
}

func TestFrequencyWindowCountFailureSkipsChannel(t *testing.T) {
	db := testDB(t)
	rule := seedFixtures(t, db)
	db.Model(&rule).Update("alert_frequency", models.FrequencyHourly)
	if err := db.Migrator().DropTable(&models.DeliveryLog{}); err != nil {
		t.Fatal(err)
	}

	e := New(db, nil)
	// The broken delivery log table must not take instance creation down
	// with it.
	if err := e.ProcessUpdate(context.Background(), occupancyUpdate(75)); err != nil {
		t.Fatal(err)
	}
	var instances int64
	db.Model(&models.AlertInstance{}).Count(&instances)
	if instances != 1 {
		t.Fatalf("instances = %d, want 1", instances)
	}

	if err := db.AutoMigrate(&models.DeliveryLog{}); err != nil {
		t.Fatal(err)
	}
	var logs int64
	db.Model(&models.DeliveryLog{}).Count(&logs)
	if logs != 0 {
		t.Errorf("delivery logs = %d, want 0 when the window count cannot run", logs)
	}
}

func TestParseHM(t *testing.T) {
	if parseHM("22:00") != 22*60 || parseHM("08:30") != 8*60+30 || parseHM("00:00") != 0 {
		t.Error("valid times")
	}
	if parseHM("invalid") != -1 || parseHM("25:00") != -1 || parseHM("12:75") != -1 {
		t.Error("invalid times must return -1")
	}
}

func TestFrequencyWindow(t *testing.T) {
	if frequencyWindow(models.FrequencyImmediate) != 0 {
		t.Error("immediate has no window")
	}
	if frequencyWindow(models.FrequencyHourly) != time.Hour {
		t.Error("hourly")
	}
	if frequencyWindow(models.FrequencyDaily) != 24*time.Hour {
		t.Error("daily")
	}
	if frequencyWindow(models.FrequencyWeekly) != 7*24*time.Hour {
		t.Error("weekly")
	}
}
