package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"conductor/internal/config"
	"conductor/internal/domain"
	"conductor/internal/telemetry"
)

// PostgresRetriever runs cosine-similarity top-K queries against a pgvector
// document table. Every query is embedded first; tenant isolation lives in
// the WHERE clause.
type PostgresRetriever struct {
	db       *sql.DB
	embedder Embedder
	logger   telemetry.Logger
}

// OpenDB opens the pgvector database with the configured pool limits and
// verifies the connection.
func OpenDB(cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxAge)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// NewPostgresRetriever creates a retriever over an open database handle.
func NewPostgresRetriever(db *sql.DB, embedder Embedder, logger telemetry.Logger) *PostgresRetriever {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &PostgresRetriever{db: db, embedder: embedder, logger: logger}
}

// Query embeds the text and returns the tenant's topK nearest documents by
// cosine similarity, score descending.
func (r *PostgresRetriever) Query(ctx context.Context, tenantID, text string, topK int) ([]domain.Chunk, error) {
	vectors, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	embedding := pgvector.NewVector(vectors[0])

	query := `
		SELECT
			id, content, source,
			1 - (embedding <=> $1::vector) as similarity
		FROM documents
		WHERE tenant_id = $2
		  AND embedding IS NOT NULL
		ORDER BY similarity DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, embedding, tenantID, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var chunk domain.Chunk
		var source sql.NullString

		if err := rows.Scan(&chunk.ID, &chunk.Text, &source, &chunk.Score); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if source.Valid {
			chunk.Source = source.String
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.logger.Debug("pgvector query finished", "tenant_id", tenantID, "returned", len(chunks))
	return chunks, nil
}
