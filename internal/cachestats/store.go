package cachestats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/domain"
)

// Store persists tracker snapshots to a local sqlite file so cache savings
// survive restarts. All operations are best-effort from the caller's point
// of view: the orchestrator logs store errors and keeps serving.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_stats (
    tenant_id           TEXT PRIMARY KEY,
    total_requests      INTEGER NOT NULL,
    hits                INTEGER NOT NULL,
    misses              INTEGER NOT NULL,
    total_cached_tokens INTEGER NOT NULL,
    total_savings_usd   REAL NOT NULL,
    updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// OpenStore opens (and if necessary initializes) the sqlite store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening stats store: %w", err)
	}

	// sqlite handles one writer at a time
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging stats store: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing stats schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Flush upserts every tenant snapshot in one transaction.
func (s *Store) Flush(ctx context.Context, stats map[string]domain.CacheStats) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting flush: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO cache_stats (tenant_id, total_requests, hits, misses, total_cached_tokens, total_savings_usd, updated_at)
VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(tenant_id) DO UPDATE SET
    total_requests      = excluded.total_requests,
    hits                = excluded.hits,
    misses              = excluded.misses,
    total_cached_tokens = excluded.total_cached_tokens,
    total_savings_usd   = excluded.total_savings_usd,
    updated_at          = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("preparing flush: %w", err)
	}
	defer stmt.Close()

	for tenant, st := range stats {
		if _, err := stmt.ExecContext(ctx, tenant,
			st.TotalRequests, st.Hits, st.Misses,
			st.TotalCachedTokens, st.TotalSavingsUSD); err != nil {
			return fmt.Errorf("flushing tenant %s: %w", tenant, err)
		}
	}

	return tx.Commit()
}

// Load reads every persisted tenant snapshot.
func (s *Store) Load(ctx context.Context) (map[string]domain.CacheStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tenant_id, total_requests, hits, misses, total_cached_tokens, total_savings_usd
FROM cache_stats`)
	if err != nil {
		return nil, fmt.Errorf("loading stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.CacheStats)
	for rows.Next() {
		var tenant string
		var st domain.CacheStats
		if err := rows.Scan(&tenant, &st.TotalRequests, &st.Hits, &st.Misses,
			&st.TotalCachedTokens, &st.TotalSavingsUSD); err != nil {
			return nil, fmt.Errorf("scanning stats row: %w", err)
		}
		if st.TotalRequests > 0 {
			st.HitRate = float64(st.Hits) / float64(st.TotalRequests)
		}
		out[tenant] = st
	}
	return out, rows.Err()
}

// Delete removes one tenant's persisted row.
func (s *Store) Delete(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_stats WHERE tenant_id = ?`, tenantID)
	return err
}

// DeleteAll removes every persisted row.
func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_stats`)
	return err
}
