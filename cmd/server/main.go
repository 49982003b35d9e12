package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/proppulse/backend/internal/config"
	"github.com/proppulse/backend/internal/delivery"
	"github.com/proppulse/backend/internal/engine"
	"github.com/proppulse/backend/internal/handlers"
	"github.com/proppulse/backend/internal/inbound"
	"github.com/proppulse/backend/internal/ingest"
	"github.com/proppulse/backend/internal/logger"
	"github.com/proppulse/backend/internal/models"
	"github.com/proppulse/backend/internal/pubsub"
	"github.com/proppulse/backend/internal/stats"
	"github.com/proppulse/backend/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "proppulse-redflag",
		Short: "Red-flag alert engine for property KPI monitoring",
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, rule engine and delivery queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level)
	log := logger.WithComponent("server")

	db, err := store.Open(cfg.Database.DSN, cfg.Database.Path)
	if err != nil {
		return err
	}
	seedDefaults(db.DB)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := pubsub.New(256)
	eng := engine.New(db.DB, bus)
	go eng.Run(ctx)

	processor := delivery.NewProcessor(db.DB, cfg.Delivery)
	go processor.Run(ctx)
	go delivery.TrackStatuses(ctx, db.DB, bus)

	go stats.Loop(ctx, db.DB, time.Hour)
	go retentionLoop(ctx, db.DB)

	if cfg.Kafka.Enabled {
		consumer := ingest.NewConsumer(cfg.Kafka, bus)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router(db.DB, eng),
	}
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func router(db *gorm.DB, eng *engine.Engine) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/v1/health", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Inbound: trusted internal pipeline, no user scoping.
	kpi := &inbound.KPIHandler{DB: db, Engine: eng}
	r.POST("/api/v1/inbound/kpi", kpi.Serve)

	// Provider status callbacks carry no user identity either.
	dlv := &handlers.DeliveryHandler{DB: db}
	r.POST("/api/v1/delivery/callback", dlv.Callback)

	api := r.Group("/api/v1")
	{
		rule := &handlers.RuleHandler{DB: db}
		api.GET("/rules", rule.List)
		api.GET("/rules/:id", rule.Get)
		api.POST("/rules", rule.Create)
		api.PUT("/rules/:id", rule.Update)
		api.DELETE("/rules/:id", rule.Delete)
		api.POST("/rules/preview", rule.Preview)

		inst := &handlers.InstanceHandler{DB: db}
		api.GET("/instances", inst.List)
		api.GET("/instances/:id", inst.Get)
		api.POST("/instances/:id/acknowledge", inst.Acknowledge)
		api.POST("/instances/:id/resolve", inst.Resolve)

		tpl := &handlers.TemplateHandler{DB: db}
		api.GET("/templates", tpl.List)
		api.GET("/templates/:id", tpl.Get)
		api.POST("/templates", tpl.Create)
		api.PUT("/templates/:id", tpl.Update)
		api.DELETE("/templates/:id", tpl.Delete)
		api.POST("/templates/preview", tpl.Preview)

		prefs := &handlers.PreferencesHandler{DB: db}
		api.GET("/preferences", prefs.Get)
		api.PUT("/preferences", prefs.Set)

		api.GET("/deliveries", dlv.List)
		api.GET("/deliveries/export", dlv.Export)
		api.GET("/deliveries/statistics", dlv.Statistics)

		dash := &handlers.DashboardHandler{DB: db}
		api.GET("/dashboard/summary", dash.Summary)
		api.GET("/dashboard/engagement", dash.Engagement)
		api.POST("/activity", dash.RecordActivity)
	}
	return r
}

// seedDefaults creates the baseline templates and system settings on an
// empty database so a fresh install can deliver alerts out of the box.
func seedDefaults(db *gorm.DB) {
	var c int64
	db.Model(&models.SystemConfig{}).Where("key = ?", "retention_days").Count(&c)
	if c == 0 {
		db.Create(&models.SystemConfig{Key: "retention_days", Value: "90"})
	}

	db.Model(&models.MessageTemplate{}).Count(&c)
	if c > 0 {
		return
	}
	defaults := []models.MessageTemplate{
		{
			Name:     "Default Email",
			Type:     models.ChannelEmail,
			Subject:  "[{{alert_level}}] {{property_name}}: {{metric_name}}",
			Content:  "{{alert_message}}\n\nProperty: {{property_name}}\nMetric: {{metric_name}} = {{metric_value}}\nDate: {{date}} {{time}}",
			IsActive: true,
		},
		{
			Name:     "Default SMS",
			Type:     models.ChannelSMS,
			Content:  "{{alert_message}} ({{property_name}}, {{date}})",
			IsActive: true,
		},
		{
			Name:     "Default Push",
			Type:     models.ChannelPush,
			Content:  "{{alert_message}}",
			IsActive: true,
		},
	}
	for i := range defaults {
		db.Create(&defaults[i])
	}
}

// retentionLoop purges resolved instances and delivery logs older than
// the configured retention window, once a day.
func retentionLoop(ctx context.Context, db *gorm.DB) {
	log := logger.WithComponent("retention")
	run := func() {
		days := 90
		var cfg models.SystemConfig
		if err := db.Where("key = ?", "retention_days").First(&cfg).Error; err == nil {
			if n, err := strconv.Atoi(cfg.Value); err == nil && n > 0 {
				days = n
			}
		}
		cutoff := time.Now().AddDate(0, 0, -days)
		res := db.Where("status = ? AND resolved_at < ?", models.InstanceResolved, cutoff).
			Delete(&models.AlertInstance{})
		if res.Error != nil {
			log.Warn().Err(res.Error).Msg("purge resolved instances")
		} else if res.RowsAffected > 0 {
			log.Info().Int64("purged", res.RowsAffected).Msg("purged resolved instances")
		}
		res = db.Where("created_at < ?", cutoff).Delete(&models.DeliveryLog{})
		if res.Error != nil {
			log.Warn().Err(res.Error).Msg("purge delivery logs")
		} else if res.RowsAffected > 0 {
			log.Info().Int64("purged", res.RowsAffected).Msg("purged delivery logs")
		}
	}

	timer := time.NewTimer(time.Minute)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		run()
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
