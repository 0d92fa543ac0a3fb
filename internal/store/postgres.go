// Package store builds the shared Postgres and Redis connection pools used
// across the ingestor, alerter, and forwarder, each with dual-credential
// fallback so a credential rotation never requires a coordinated restart.
package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/muttpipeline/mutt/internal/platform/logger"
	"github.com/muttpipeline/mutt/internal/secrets"
)

// PostgresConfig carries everything but the credential itself; the
// credential is resolved separately through secrets.Provider so rotation
// logic lives in one place.
type PostgresConfig struct {
	Host string
	Port string
	User string
	Name string
	SSL  string
}

// NewPostgresPool dials Postgres with the primary credential first. If that
// fails with an authentication error and a secondary credential is
// available, it retries once with the secondary before giving up. This is
// the only retry path store performs itself; transient network errors are
// left to the caller's retrypolicy.
func NewPostgresPool(ctx context.Context, cfg PostgresConfig, secretsProvider secrets.Provider, log *logger.Logger) (*gorm.DB, error) {
	primary, secondary, err := secretsProvider.Resolve(ctx, "postgres")
	if err != nil {
		return nil, fmt.Errorf("store: resolve postgres credential: %w", err)
	}

	db, err := dialPostgres(cfg, primary, log)
	if err == nil {
		return db, nil
	}
	if secondary == "" || !isAuthError(err) {
		return nil, err
	}

	log.Warn("postgres: primary credential rejected, retrying with secondary", "error", err)
	return dialPostgres(cfg, secondary, log)
}

func dialPostgres(cfg PostgresConfig, password string, lg *logger.Logger) (*gorm.DB, error) {
	ssl := cfg.SSL
	if ssl == "" {
		ssl = "disable"
	}
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, password, cfg.Host, cfg.Port, cfg.Name, ssl,
	)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: postgres sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	lg.Info("postgres: connected", "host", cfg.Host, "db", cfg.Name)
	return db, nil
}

func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password authentication failed") ||
		strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "28p01")
}
