package governor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Session is one closed runtime interval.
type Session struct {
	Start      time.Time
	End        time.Time
	DurationMs int64
}

// CostRecord is a tenant's accumulated runtime accounting.
type CostRecord struct {
	TenantID             string
	TotalRuntimeMs       int64
	CurrentSessionStart  *time.Time
	Sessions             []Session
}

// CostBackend persists per-tenant cost-tracking records. Mirrors
// revocation.Backend's Postgres/in-memory duality.
type CostBackend interface {
	OpenSession(ctx context.Context, tenantID string, start time.Time) error
	CloseSession(ctx context.Context, tenantID string, end time.Time) error
	Get(ctx context.Context, tenantID string) (CostRecord, error)
}

// --- Postgres-backed implementation ---

// PostgresCostBackend persists session records in a `sandbox_sessions` table
// plus a `tenant_runtime_totals` running-total table.
type PostgresCostBackend struct {
	db *sql.DB
}

func NewPostgresCostBackend(dsn string) (*PostgresCostBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("governor: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("governor: ping postgres: %w", err)
	}
	b := &PostgresCostBackend{db: db}
	if err := b.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresCostBackend) ensureSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS tenant_runtime_totals (
			tenant_id TEXT PRIMARY KEY,
			total_runtime_ms BIGINT NOT NULL DEFAULT 0,
			current_session_start TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS sandbox_sessions (
			id BIGSERIAL PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL
		)`)
	return err
}

func (b *PostgresCostBackend) OpenSession(ctx context.Context, tenantID string, start time.Time) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO tenant_runtime_totals (tenant_id, total_runtime_ms, current_session_start)
		VALUES ($1, 0, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET current_session_start = EXCLUDED.current_session_start
		WHERE tenant_runtime_totals.current_session_start IS NULL`,
		tenantID, start)
	return err
}

func (b *PostgresCostBackend) CloseSession(ctx context.Context, tenantID string, end time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var start sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT current_session_start FROM tenant_runtime_totals WHERE tenant_id = $1`, tenantID).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) || !start.Valid {
		return tx.Commit()
	}
	if err != nil {
		return err
	}

	durationMs := end.Sub(start.Time).Milliseconds()
	if _, err := tx.ExecContext(ctx, `INSERT INTO sandbox_sessions (tenant_id, started_at, ended_at, duration_ms) VALUES ($1, $2, $3, $4)`,
		tenantID, start.Time, end, durationMs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tenant_runtime_totals
		SET total_runtime_ms = total_runtime_ms + $2, current_session_start = NULL
		WHERE tenant_id = $1`, tenantID, durationMs); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *PostgresCostBackend) Get(ctx context.Context, tenantID string) (CostRecord, error) {
	rec := CostRecord{TenantID: tenantID}
	var start sql.NullTime
	err := b.db.QueryRowContext(ctx, `SELECT total_runtime_ms, current_session_start FROM tenant_runtime_totals WHERE tenant_id = $1`, tenantID).
		Scan(&rec.TotalRuntimeMs, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return CostRecord{}, err
	}
	if start.Valid {
		t := start.Time
		rec.CurrentSessionStart = &t
	}

	rows, err := b.db.QueryContext(ctx, `SELECT started_at, ended_at, duration_ms FROM sandbox_sessions WHERE tenant_id = $1 ORDER BY started_at`, tenantID)
	if err != nil {
		return CostRecord{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.Start, &s.End, &s.DurationMs); err != nil {
			return CostRecord{}, err
		}
		rec.Sessions = append(rec.Sessions, s)
	}
	return rec, rows.Err()
}

func (b *PostgresCostBackend) Close() error { return b.db.Close() }

// --- In-memory fallback implementation ---

// MemoryCostBackend is used when no Postgres DSN is configured.
type MemoryCostBackend struct {
	mu      sync.Mutex
	records map[string]*CostRecord
}

func NewMemoryCostBackend() *MemoryCostBackend {
	return &MemoryCostBackend{records: make(map[string]*CostRecord)}
}

func (b *MemoryCostBackend) get(tenantID string) *CostRecord {
	rec, ok := b.records[tenantID]
	if !ok {
		rec = &CostRecord{TenantID: tenantID}
		b.records[tenantID] = rec
	}
	return rec
}

func (b *MemoryCostBackend) OpenSession(ctx context.Context, tenantID string, start time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.get(tenantID)
	if rec.CurrentSessionStart == nil {
		s := start
		rec.CurrentSessionStart = &s
	}
	return nil
}

func (b *MemoryCostBackend) CloseSession(ctx context.Context, tenantID string, end time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.get(tenantID)
	if rec.CurrentSessionStart == nil {
		return nil
	}
	start := *rec.CurrentSessionStart
	durationMs := end.Sub(start).Milliseconds()
	rec.Sessions = append(rec.Sessions, Session{Start: start, End: end, DurationMs: durationMs})
	rec.TotalRuntimeMs += durationMs
	rec.CurrentSessionStart = nil
	return nil
}

func (b *MemoryCostBackend) Get(ctx context.Context, tenantID string) (CostRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec := b.get(tenantID)
	out := *rec
	out.Sessions = append([]Session(nil), rec.Sessions...)
	return out, nil
}
