package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// NewDatabase opens the Postgres pool and pings it once.
func NewDatabase(ctx context.Context) (*gorm.DB, error) {
	database, err := gorm.Open(postgres.Open(GetDSN()), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		logging.Logger.Error("[NewDatabase] Failed to connect to Postgres", zap.String("error", err.Error()))
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		logging.Logger.Error("[NewDatabase] Failed to get sql.DB from GORM", zap.String("error", err.Error()))
		return nil, err
	}

	sqlDB.SetMaxOpenConns(config.Conf.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(config.Conf.DBMaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(config.Conf.DBConnMaxLifetime) * time.Minute)

	err = Ping(ctx, database)
	if err != nil {
		logging.Logger.Error("[NewDatabase] Failed to ping Postgres", zap.String("error", err.Error()))
		_ = sqlDB.Close()

		return nil, err
	}

	logging.Logger.Info("[NewDatabase] Connected to Postgres",
		zap.String("host", config.Conf.PostgresHost),
		zap.String("database", config.Conf.PostgresDatabase),
		zap.Int("max_open_conns", config.Conf.DBMaxOpenConns),
	)

	return database, nil
}

func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func GetDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		config.Conf.PostgresHost,
		config.Conf.PostgresUsername,
		config.Conf.PostgresPassword,
		config.Conf.PostgresDatabase,
		config.Conf.PostgresPort,
		config.Conf.PostgresSSLMode,
	)
}

// GetURL is the migrate-style connection URL.
func GetURL() string {
	dbURL := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(config.Conf.PostgresUsername, config.Conf.PostgresPassword),
		Host:   fmt.Sprintf("%s:%s", config.Conf.PostgresHost, config.Conf.PostgresPort),
		Path:   config.Conf.PostgresDatabase,
	}

	queries := url.Values{}
	queries.Add("sslmode", config.Conf.PostgresSSLMode)
	dbURL.RawQuery = queries.Encode()

	return dbURL.String()
}

// GetCircuitBreakerSettings returns breaker settings for one repository.
// Missing rows and constraint violations are answers, not outages, and do not
// count as failures.
func GetCircuitBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:     "database:" + name,
		Interval: time.Duration(config.Conf.DBIntervalCB) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			willTrip := counts.ConsecutiveFailures >= config.Conf.DBConsecutiveFailuresCB

			if willTrip {
				logging.Logger.Error("Database circuit breaker about to trip",
					zap.String("repository", name),
					zap.Uint32("total_requests", counts.Requests),
					zap.Uint32("total_failures", counts.TotalFailures),
					zap.Uint32("consecutive_failures", counts.ConsecutiveFailures),
					zap.Uint32("threshold", config.Conf.DBConsecutiveFailuresCB),
				)
			}

			return willTrip
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, gorm.ErrRecordNotFound) ||
				errors.Is(err, gorm.ErrDuplicatedKey) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Logger.Error("Database circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			if to == gobreaker.StateOpen {
				circuitbreak.TriggerError(circuitbreak.DBService)
			}
		},
	}
}
