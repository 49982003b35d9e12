package store

import (
	"time"

	"github.com/proppulse/backend/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB wraps GORM and provides access to all entities.
type DB struct {
	*gorm.DB
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.AlertRule{},
		&models.AlertInstance{},
		&models.MessageTemplate{},
		&models.DeliveryLog{},
		&models.DeliveryStatistic{},
		&models.NotificationPreferences{},
		&models.ActivityEvent{},
		&models.SystemConfig{},
	)
}

// Open opens the database: Postgres when dsn is set, else SQLite at path.
func Open(dsn, path string) (*DB, error) {
	if dsn != "" {
		return NewPostgres(dsn)
	}
	if path == "" {
		path = "data/proppulse.db"
	}
	return NewSQLite(path)
}

// NewPostgres opens a PostgreSQL DB and runs migrations.
func NewPostgres(dsn string) (*DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	// Tune connection pool to handle concurrent engine + delivery + API load.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &DB{DB: db}, nil
}

// NewSQLite opens a SQLite DB and runs migrations.
func NewSQLite(path string) (*DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &DB{DB: db}, nil
}

// NewTest opens an in-memory SQLite DB for tests, with GORM logging silenced.
func NewTest() (*DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &DB{DB: db}, nil
}
