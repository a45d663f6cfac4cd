// Package history persists one row per completed cycle attempt to Postgres,
// giving the ops API and offline review a durable trail of what the
// heartbeat saw and did.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Record is one cycle outcome ready for insertion.
type Record struct {
	CycleID     uuid.UUID
	Outcome     string
	Message     string
	Reason      string
	ToolsTotal  int
	ToolsFailed int
	DurationMs  int64
	CreatedAt   time.Time
}

// Store writes cycle records through a buffered channel so the runner never
// blocks on the database.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	submitCh chan Record
	wg       sync.WaitGroup
}

// Open connects to Postgres, runs pending migrations and starts the writer
// loop.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if err := runMigrations(dsn); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		pool:     pool,
		logger:   logger.With("component", "history"),
		submitCh: make(chan Record, 100),
	}

	s.wg.Add(1)
	go s.writeLoop(ctx)

	return s, nil
}

// runMigrations applies the embedded schema using goose over the pgx stdlib
// driver.
func runMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(EmbeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Submit queues a record for insertion. When the buffer is full the record
// is dropped with a warning; history is best-effort and must never stall a
// cycle.
func (s *Store) Submit(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	select {
	case s.submitCh <- rec:
	default:
		s.logger.Warn("cycle record dropped: buffer full", "cycle_id", rec.CycleID)
	}
}

func (s *Store) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.submitCh:
			if !ok {
				return
			}
			s.insert(ctx, rec)
		}
	}
}

func (s *Store) insert(ctx context.Context, rec Record) {
	insertCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := s.pool.Exec(insertCtx, `
		INSERT INTO cycle_history
			(cycle_id, outcome, message, reason, tools_total, tools_failed, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.CycleID, rec.Outcome, rec.Message, rec.Reason,
		rec.ToolsTotal, rec.ToolsFailed, rec.DurationMs, rec.CreatedAt,
	)
	if err != nil {
		s.logger.Error("failed to insert cycle record",
			"cycle_id", rec.CycleID,
			"error", err,
		)
		return
	}
	s.logger.Debug("cycle record written", "cycle_id", rec.CycleID, "outcome", rec.Outcome)
}

// Recent returns the latest cycle records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT cycle_id, outcome, message, reason, tools_total, tools_failed, duration_ms, created_at
		FROM cycle_history ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.CycleID, &rec.Outcome, &rec.Message, &rec.Reason,
			&rec.ToolsTotal, &rec.ToolsFailed, &rec.DurationMs, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cycle record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close stops the writer and releases the pool.
func (s *Store) Close() {
	close(s.submitCh)
	s.wg.Wait()
	s.pool.Close()
}
