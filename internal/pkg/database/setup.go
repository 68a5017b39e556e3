package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/config"
	"github.com/ManuelReschke/ZeusTips/internal/pkg/store"
)

const maxRetries = 5

var retryDelay = 5 * time.Second

// DSN builds the driver specific data source name. Times are always stored
// in UTC.
func DSN(cfg config.DBConfig) string {
	switch cfg.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port)
	default:
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	}
}

// MigrateURL builds the golang-migrate database URL for cfg.
func MigrateURL(cfg config.DBConfig) string {
	switch cfg.Driver {
	case "postgres":
		return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=disable",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	default:
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	}
}

func dialector(cfg config.DBConfig) gorm.Dialector {
	if cfg.Driver == "postgres" {
		return postgres.Open(DSN(cfg))
	}
	return mysql.New(mysql.Config{
		DSN:                       DSN(cfg),
		DefaultStringSize:         256,
		DisableDatetimePrecision:  true,
		DontSupportRenameIndex:    true,
		DontSupportRenameColumn:   true,
		SkipInitializeWithVersion: false,
	})
}

// Open connects with retries and migrates the store tables.
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(dialector(cfg), &gorm.Config{
			Logger:  logger.Default.LogMode(logger.Warn),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			if err = db.AutoMigrate(store.Models()...); err != nil {
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
			return db, nil
		}

		log.Warnf("[Database] Failed to connect to %s (try %d/%d): %v", cfg.Driver, i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
}
