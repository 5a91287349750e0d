package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/JonMunkholm/sensorlog/internal/core"
)

// Writer defaults.
const (
	DefaultWriterMaxRetries = 3
	DefaultWriterRetryBase  = 100 * time.Millisecond

	retryJitterPercent = 10
	readingColumns     = 6
	// maxRowsPerStatement keeps each INSERT under the 65535 bind parameter limit.
	maxRowsPerStatement = 5000
)

// WriterConfig tunes the retry policy of a PostgresWriter.
type WriterConfig struct {
	MaxRetries uint64
	RetryBase  time.Duration
}

// PostgresWriter stores readings in sensor_readings. Rows already present
// under (sensor_id, recorded_at, file_name, row_index) are skipped, so a
// batch can be written any number of times.
type PostgresWriter struct {
	db         *sql.DB
	maxRetries uint64
	retryBase  time.Duration
}

// NewPostgresWriter creates a writer over db. A zero RetryBase takes the
// default; MaxRetries is used as given so zero disables retries.
func NewPostgresWriter(db *sql.DB, cfg WriterConfig) *PostgresWriter {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultWriterRetryBase
	}
	return &PostgresWriter{db: db, maxRetries: cfg.MaxRetries, retryBase: cfg.RetryBase}
}

// WriteBatch inserts rows in one transaction, retrying transient failures.
// When retries run out it returns a *core.StorageError with the row range.
func (w *PostgresWriter) WriteBatch(ctx context.Context, rows []core.NormalizedRow) (core.WriteResult, error) {
	if len(rows) == 0 {
		return core.WriteResult{}, nil
	}

	backoff := retry.WithMaxRetries(w.maxRetries,
		retry.WithJitterPercent(retryJitterPercent, retry.NewExponential(w.retryBase)))

	var inserted int64
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		n, err := w.insertOnce(ctx, rows)
		if err != nil {
			if IsTransient(err) {
				slog.Warn("batch write failed, retrying",
					"file", rows[0].FileName,
					"attempt", attempts,
					"error", err,
				)
				return retry.RetryableError(err)
			}
			return err
		}
		inserted = n
		return nil
	})
	if err != nil {
		return core.WriteResult{}, &core.StorageError{
			FirstRow: rows[0].SourceRowIndex,
			LastRow:  rows[len(rows)-1].SourceRowIndex,
			Err:      fmt.Errorf("after %d attempt(s): %w", attempts, err),
		}
	}

	return core.WriteResult{Inserted: int(inserted), Skipped: len(rows) - int(inserted)}, nil
}

func (w *PostgresWriter) insertOnce(ctx context.Context, rows []core.NormalizedRow) (int64, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var inserted int64
	for start := 0; start < len(rows); start += maxRowsPerStatement {
		end := min(start+maxRowsPerStatement, len(rows))
		query, args := buildInsert(rows[start:end])
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("insert readings: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// buildInsert renders one multi-row INSERT ... ON CONFLICT DO NOTHING.
func buildInsert(rows []core.NormalizedRow) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO sensor_readings (sensor_id, recorded_at, temperature_c, humidity_pct, file_name, row_index) VALUES ")

	args := make([]any, 0, len(rows)*readingColumns)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * readingColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5, n+6)

		var humidity any
		if r.HumidityPct != nil {
			humidity = *r.HumidityPct
		}
		args = append(args, r.SensorID, r.Timestamp.UTC(), r.TemperatureC, humidity, r.FileName, r.SourceRowIndex)
	}
	b.WriteString(" ON CONFLICT (sensor_id, recorded_at, file_name, row_index) DO NOTHING")
	return b.String(), args
}

// transientCodes are SQLSTATEs worth retrying.
var transientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"55P03": true, // lock_not_available
	"57P01": true, // admin_shutdown
	"57P03": true, // cannot_connect_now
}

// IsTransient reports whether err is a failure a retry can fix: lost or
// refused connections, deadlocks, serialization failures and timeouts.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection_exception.
		return transientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08")
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "timeout", "deadlock"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
