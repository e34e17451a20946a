package database

import (
	"context"
	"fmt"
	"time"

	"entitlement-api/internal/models"
	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Options selects the database backend.
type Options struct {
	DatabaseURL string // PostgreSQL DSN; empty falls back to SQLite
	SQLitePath  string
	LogLevel    logger.LogLevel
}

// Open connects to PostgreSQL, or SQLite when no URL is configured, and
// migrates the schema.
func Open(opts Options) (*gorm.DB, error) {
	logLevel := opts.LogLevel
	if logLevel == 0 {
		logLevel = logger.Warn
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	if opts.DatabaseURL == "" {
		logging.Infof("Database URL not set, using SQLite at %s", opts.SQLitePath)
		db, err = gorm.Open(sqlite.Open(opts.SQLitePath), gormConfig)
	} else {
		db, err = gorm.Open(postgres.Open(opts.DatabaseURL), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if isSQLite(db) {
		// SQLite allows a single writer; one connection serializes transactions
		// instead of failing them with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logging.Infof("Database connected successfully")
	return db, nil
}

// autoMigrate 执行数据库迁移
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.EntitlementRecord{},
		&models.ChangeLogEntry{},
		&models.ChangeLogHead{},
		&models.IdempotencyMark{},
		&models.CrmSyncJob{},
		&models.DeviceToken{},
	)
}

// OpenRedis connects to Redis. An empty URL returns a nil client so callers
// fall back to in-process leases.
func OpenRedis(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		logging.Infof("REDIS_URL not set, idempotency leases stay in-process")
		return nil, nil
	}

	logging.Infof("Connecting to Redis: %s", maskRedisURL(redisURL))

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return client, nil
}

// maskRedisURL 隐藏 Redis URL 中的敏感信息，用于日志输出
func maskRedisURL(url string) string {
	if len(url) > 20 {
		return url[:10] + "***" + url[len(url)-10:]
	}
	return "***"
}

// Close 关闭底层连接池
func Close(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logging.Errorf("Failed to close database: %v", err)
		}
	}
}

func isSQLite(db *gorm.DB) bool {
	return db.Dialector.Name() == "sqlite"
}
