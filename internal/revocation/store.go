// Package revocation implements the authoritative revocation record store
// (C2) and the signed revoke-request verification service (C3).
package revocation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/ocx/controlplane/internal/bloom"
)

// Record is the authoritative revocation record for a capability id.
type Record struct {
	CapabilityID   string     `json:"capabilityId"`
	RevokedAt      time.Time  `json:"revokedAt"`
	RevokedBy      string     `json:"revokedBy"` // base64 signing public key
	Reason         string     `json:"reason,omitempty"`
	OriginalExpiry *time.Time `json:"originalExpiry,omitempty"`
}

// Backend persists revocation records. Store has two implementations: a
// Postgres-backed one for production and an in-memory one used when no DSN
// is configured or the connection attempt fails (graceful degradation,
// matching the teacher's main.go wiring pattern).
type Backend interface {
	Insert(ctx context.Context, r Record) error
	Get(ctx context.Context, capabilityID string) (*Record, bool, error)
	All(ctx context.Context) ([]Record, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

const lookupSource = "database"
const bloomSource = "bloom-filter"

// LookupResult is returned by IsRevoked.
type LookupResult struct {
	Revoked bool
	Record  *Record
	Source  string // "bloom-filter" for the fast-false path, "database" otherwise
}

// Store is the process-wide owner of the revocation record set and its
// Bloom filter fast-reject index. Writes are debounced: inserts update the
// in-memory filter and map immediately (so IsRevoked is instantly correct)
// but the authoritative backend write is coalesced on a timer, matching
// §4.9's "writes are debounced (~1s) and atomic" requirement.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	records map[string]Record
	filter  *bloom.Filter

	debounce    time.Duration
	dirty       bool
	saveTimer   *time.Timer
	saveCh      chan struct{}
	closeOnce   sync.Once
	closeCh     chan struct{}
	expectedN   int
	fpRate      float64
	logger      *slog.Logger
}

// NewStore constructs a Store, rebuilding the Bloom filter from backend on
// load. If backend is empty or the load fails, the filter starts empty and
// is populated as records stream in — corrupt or missing snapshots are
// never trusted partially.
func NewStore(ctx context.Context, backend Backend, expectedItems int, falsePositiveRate float64, debounce time.Duration) (*Store, error) {
	s := &Store{
		backend:   backend,
		records:   make(map[string]Record),
		filter:    bloom.New(expectedItems, falsePositiveRate),
		debounce:  debounce,
		saveCh:    make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
		expectedN: expectedItems,
		fpRate:    falsePositiveRate,
		logger:    slog.Default().With("component", "revocation-store"),
	}

	existing, err := backend.All(ctx)
	if err != nil {
		s.logger.Warn("failed to load existing revocations, starting empty", "error", err)
	} else {
		for _, r := range existing {
			s.records[r.CapabilityID] = r
			s.filter.Add(r.CapabilityID)
		}
		s.logger.Info("rebuilt bloom filter from store", "count", len(existing))
	}

	go s.saveLoop()
	return s, nil
}

// Revoke inserts a revocation record and immediately reflects it in the
// Bloom filter (no false negatives even before the debounced backend write
// lands), then schedules the authoritative save.
func (s *Store) Revoke(ctx context.Context, capabilityID, revokedBy, reason string, originalExpiry *time.Time) error {
	if capabilityID == "" || revokedBy == "" {
		return fmt.Errorf("revocation: capabilityId and revokedBy are required")
	}

	rec := Record{
		CapabilityID:   capabilityID,
		RevokedAt:      time.Now().UTC(),
		RevokedBy:      revokedBy,
		Reason:         reason,
		OriginalExpiry: originalExpiry,
	}

	s.mu.Lock()
	s.records[capabilityID] = rec
	s.filter.Add(capabilityID)
	s.dirty = true
	s.mu.Unlock()

	s.scheduleSave()
	return nil
}

// IsRevoked answers the fast-reject question. A Bloom miss is authoritative
// (no false negatives); a Bloom hit consults the in-memory authoritative
// map, which itself mirrors the backend.
func (s *Store) IsRevoked(capabilityID string) LookupResult {
	if !s.filter.Contains(capabilityID) {
		return LookupResult{Revoked: false, Source: bloomSource}
	}

	s.mu.RLock()
	rec, ok := s.records[capabilityID]
	s.mu.RUnlock()
	if !ok {
		// Bloom false positive: the id was never actually revoked.
		return LookupResult{Revoked: false, Source: lookupSource}
	}
	recCopy := rec
	return LookupResult{Revoked: true, Record: &recCopy, Source: lookupSource}
}

// Cleanup removes records whose originalExpiry has passed and rebuilds the
// Bloom filter to reclaim accuracy (expired entries no longer need to
// occupy bits). Pending debounced writes are flushed first so the backend
// sweep, whose count is returned, covers every record held in memory.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	s.flush()
	now := time.Now().UTC()
	removed, err := s.backend.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("revocation: cleanup backend: %w", err)
	}

	s.mu.Lock()
	for id, rec := range s.records {
		if rec.OriginalExpiry != nil && rec.OriginalExpiry.Before(now) {
			delete(s.records, id)
		}
	}
	newFilter := bloom.New(s.expectedN, s.fpRate)
	for id := range s.records {
		newFilter.Add(id)
	}
	s.filter = newFilter
	s.mu.Unlock()

	s.logger.Info("revocation cleanup complete", "removed", removed)
	return removed, nil
}

func (s *Store) scheduleSave() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

func (s *Store) saveLoop() {
	ticker := time.NewTicker(s.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-s.saveCh:
			// wait for the debounce window to coalesce bursts, then flush
			select {
			case <-time.After(s.debounce):
			case <-s.closeCh:
				return
			}
			s.flush()
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *Store) flush() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	pending := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		pending = append(pending, r)
	}
	s.dirty = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, r := range pending {
		if err := s.backend.Insert(ctx, r); err != nil {
			s.logger.Error("failed to persist revocation record", "capabilityId", r.CapabilityID, "error", err)
		}
	}
}

// Close stops the debounced save loop after flushing pending writes.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.flush()
		close(s.closeCh)
	})
}

// FilterFillRatio exposes the Bloom filter's fill ratio, a measure of its
// accuracy degradation.
func (s *Store) FilterFillRatio() float64 {
	return s.filter.FillRatio()
}

// --- Postgres-backed implementation ---

// PostgresBackend persists revocation records in a `revocations` table.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend opens a Postgres connection and verifies it with Ping.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("revocation: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("revocation: ping postgres: %w", err)
	}
	b := &PostgresBackend{db: db}
	if err := b.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) ensureSchema() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS revocations (
			capability_id TEXT PRIMARY KEY,
			revoked_at TIMESTAMPTZ NOT NULL,
			revoked_by TEXT NOT NULL,
			reason TEXT,
			original_expiry TIMESTAMPTZ
		)`)
	return err
}

func (b *PostgresBackend) Insert(ctx context.Context, r Record) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO revocations (capability_id, revoked_at, revoked_by, reason, original_expiry)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (capability_id) DO UPDATE SET
			revoked_at = EXCLUDED.revoked_at,
			revoked_by = EXCLUDED.revoked_by,
			reason = EXCLUDED.reason,
			original_expiry = EXCLUDED.original_expiry`,
		r.CapabilityID, r.RevokedAt, r.RevokedBy, r.Reason, r.OriginalExpiry)
	return err
}

func (b *PostgresBackend) Get(ctx context.Context, capabilityID string) (*Record, bool, error) {
	var r Record
	err := b.db.QueryRowContext(ctx, `
		SELECT capability_id, revoked_at, revoked_by, reason, original_expiry
		FROM revocations WHERE capability_id = $1`, capabilityID).
		Scan(&r.CapabilityID, &r.RevokedAt, &r.RevokedBy, &r.Reason, &r.OriginalExpiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (b *PostgresBackend) All(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT capability_id, revoked_at, revoked_by, reason, original_expiry FROM revocations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.CapabilityID, &r.RevokedAt, &r.RevokedBy, &r.Reason, &r.OriginalExpiry); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM revocations WHERE original_expiry IS NOT NULL AND original_expiry < $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *PostgresBackend) Close() error { return b.db.Close() }

// --- In-memory fallback implementation ---

// MemoryBackend is used when no Postgres DSN is configured, or the
// connection attempt failed. It satisfies Backend with a plain map.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

func (b *MemoryBackend) Insert(ctx context.Context, r Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[r.CapabilityID] = r
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, capabilityID string) (*Record, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[capabilityID]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (b *MemoryBackend) All(ctx context.Context) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	return out, nil
}

func (b *MemoryBackend) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, r := range b.records {
		if r.OriginalExpiry != nil && r.OriginalExpiry.Before(now) {
			delete(b.records, id)
			removed++
		}
	}
	return removed, nil
}
