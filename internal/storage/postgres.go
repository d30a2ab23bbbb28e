package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/model"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
)

// --- Retry Logic Configuration ---
const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second  // More aggressive for reads
	commitRetryMaxElapsedTime   = 15 * time.Second // More tolerant for commits

	connectRetryInitialInterval = 1 * time.Second
	connectRetryMaxInterval     = 15 * time.Second
	connectRetryMaxElapsedTime  = 1 * time.Minute
)

// newRetryPolicy creates a new exponential backoff policy with context awareness.
func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retryableOperation wraps a database operation with retry logic.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, apperrors.ErrNotFound) ||
			errors.Is(err, apperrors.ErrDuplicate) ||
			errors.Is(err, apperrors.ErrBadRequest) ||
			errors.Is(err, gorm.ErrInvalidTransaction) ||
			errors.Is(err, gorm.ErrDuplicatedKey) {
			return backoff.Permanent(err)
		}
		if isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

// isTransientError checks if the error suggests a temporary issue like a network problem.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// See https://www.postgresql.org/docs/current/errcodes-appendix.html
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") || // connection exception
			strings.HasPrefix(pgErr.Code, "53") || // insufficient resources
			pgErr.Code == "40P01" || // deadlock
			pgErr.Code == "40001" // serialization failure
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// PostgresRepo stores instances and account plans in a dedicated schema.
type PostgresRepo struct {
	db                   *gorm.DB
	schemaName           string
	defaultInstanceLimit int
}

// schemaNamer qualifies every table with the service schema.
type schemaNamer struct {
	schema.NamingStrategy
	schemaName string
}

// TableName implements schema.Namer.
func (n schemaNamer) TableName(table string) string {
	if n.schemaName == "" {
		return table
	}
	return fmt.Sprintf("%q.%s", n.schemaName, table)
}

// RepoOptions configures NewPostgresRepo.
type RepoOptions struct {
	DSN                  string
	AutoMigrate          bool
	Schema               string
	DefaultInstanceLimit int
}

func connectWithRetry(dsn string, cfg *gorm.Config, what string) (*gorm.DB, error) {
	operation := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			if isTransientError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to %s: %w", what, err))
		}
		return db, nil
	}
	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.String("target", what), zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = connectRetryInitialInterval
	b.MaxInterval = connectRetryMaxInterval
	b.MaxElapsedTime = connectRetryMaxElapsedTime

	return backoff.RetryNotifyWithData(operation, b, notify)
}

// NewPostgresRepo connects to Postgres, ensures the schema exists and optionally migrates the tables.
func NewPostgresRepo(opts RepoOptions) (*PostgresRepo, error) {
	silent := gormLogger.Default.LogMode(gormLogger.Silent)

	bootstrap, err := connectWithRetry(opts.DSN, &gorm.Config{Logger: silent}, "default database")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	if opts.Schema != "" {
		logger.Log.Info("Ensuring PostgreSQL schema exists", zap.String("schema", opts.Schema))
		if err := bootstrap.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", opts.Schema)).Error; err != nil {
			closeGorm(bootstrap)
			return nil, fmt.Errorf("%w: failed to create schema %s: %w", apperrors.ErrDatabase, opts.Schema, err)
		}
	}
	closeGorm(bootstrap)

	db, err := connectWithRetry(opts.DSN, &gorm.Config{
		Logger:         silent,
		NamingStrategy: schemaNamer{schemaName: opts.Schema},
		TranslateError: true,
	}, "schema "+opts.Schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}

	if opts.AutoMigrate {
		logger.Log.Info("Running auto-migration", zap.String("schema", opts.Schema))
		if err := db.AutoMigrate(&model.Instance{}, &model.AccountPlan{}); err != nil {
			closeGorm(db)
			return nil, fmt.Errorf("%w: auto-migration failed: %w", apperrors.ErrDatabase, err)
		}
	}

	return newPostgresRepoWithDB(db, opts.Schema, opts.DefaultInstanceLimit), nil
}

func newPostgresRepoWithDB(db *gorm.DB, schemaName string, defaultLimit int) *PostgresRepo {
	return &PostgresRepo{db: db, schemaName: schemaName, defaultInstanceLimit: defaultLimit}
}

func closeGorm(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Log.Warn("Failed to get underlying SQL DB handle for closing", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Log.Warn("Failed to close DB connection", zap.Error(err))
	}
}

// Ping reports whether the database is reachable. Used by the readiness probe.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping failed: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

// Close closes the database connection
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close SQL DB: %w", err)
	}
	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

// checkConstraintViolation inspects database errors and maps them to standard apperrors.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case "23503", "23514": // foreign_key_violation, check_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22001": // string_data_right_truncation
			return fmt.Errorf("%w: value too long for column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22P02": // invalid_text_representation
			return fmt.Errorf("%w: invalid input syntax for type %s: %w", apperrors.ErrBadRequest, pgErr.DataTypeName, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: transaction rollback (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
		default:
			if strings.HasPrefix(pgErr.Code, "53") {
				return fmt.Errorf("%w: insufficient resources (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			if strings.HasPrefix(pgErr.Code, "08") {
				return fmt.Errorf("%w: connection error (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			return fmt.Errorf("%w: unhandled pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}

// inTx runs fn inside a transaction, rolling back on error or panic.
func (r *PostgresRepo) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
	}
	var txErr error
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if txErr != nil {
			if rbErr := tx.Rollback().Error; rbErr != nil {
				logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
			}
		}
	}()

	if txErr = fn(tx); txErr != nil {
		return txErr
	}
	if err := tx.Commit().Error; err != nil {
		txErr = fmt.Errorf("%w: failed to commit transaction: %w", apperrors.ErrDatabase, err)
		return txErr
	}
	return nil
}
