// Package postgres implements the vector store on PostgreSQL with the
// pgvector extension. Similarity search runs inside the database using the
// cosine distance operator, which scales past what the in-process scan of
// the SQLite store can handle.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/sagecore/sage/internal/store"
	"github.com/sagecore/sage/pkg/types"
)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_entries (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	customer TEXT NOT NULL DEFAULT '',
	project TEXT NOT NULL DEFAULT '',
	entry_date TIMESTAMPTZ NOT NULL,
	source_document_id TEXT NOT NULL DEFAULT '',
	chunk_index INTEGER NOT NULL DEFAULT 0,
	importance_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	metadata JSONB NOT NULL DEFAULT '{}',
	is_manual BOOLEAN NOT NULL DEFAULT FALSE,
	embedding vector NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_customer ON memory_entries(customer);
CREATE INDEX IF NOT EXISTS idx_entries_project ON memory_entries(project);
CREATE INDEX IF NOT EXISTS idx_entries_date ON memory_entries(entry_date);
CREATE INDEX IF NOT EXISTS idx_entries_document ON memory_entries(source_document_id);
`

// Store is a VectorStore backed by PostgreSQL and pgvector.
type Store struct {
	db *sql.DB
}

// New connects to the database described by dsn and applies the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck implements store.VectorStore.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Add implements store.VectorStore.
func (s *Store) Add(ctx context.Context, entry types.MemoryEntry) (*types.MemoryEntry, error) {
	if entry.Content == "" {
		return nil, fmt.Errorf("%w: content is required", store.ErrInvalidInput)
	}
	if len(entry.Embedding) == 0 {
		return nil, fmt.Errorf("%w: embedding is required", store.ErrInvalidInput)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Date.IsZero() {
		entry.Date = entry.CreatedAt
	}
	if entry.ImportanceScore == 0 {
		entry.ImportanceScore = 1.0
	}

	isManual := false
	if entry.SourceDocumentID == "" {
		entry.SourceDocumentID = entry.ID
		isManual = true
		if entry.Metadata == nil {
			entry.Metadata = map[string]interface{}{}
		}
		entry.Metadata["is_manual_entry"] = true
	}

	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_entries
			(id, content, customer, project, entry_date, source_document_id,
			 chunk_index, importance_score, metadata, is_manual, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.Content, entry.Customer, entry.Project, entry.Date,
		entry.SourceDocumentID, entry.ChunkIndex, entry.ImportanceScore,
		metaJSON, isManual, pgvector.NewVector(entry.Embedding), entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting entry: %w", err)
	}
	return &entry, nil
}

// Get implements store.VectorStore.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Update implements store.VectorStore.
func (s *Store) Update(ctx context.Context, id string, update store.EntryUpdate, embedding []float32) (*types.MemoryEntry, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Content != nil {
		if *update.Content == "" {
			return nil, fmt.Errorf("%w: content cannot be empty", store.ErrInvalidInput)
		}
		current.Content = *update.Content
	}
	if update.Customer != nil {
		current.Customer = *update.Customer
	}
	if update.Project != nil {
		current.Project = *update.Project
	}
	if update.Date != nil {
		current.Date = *update.Date
	}
	if update.ImportanceScore != nil {
		if *update.ImportanceScore < 0 || *update.ImportanceScore > 1 {
			return nil, fmt.Errorf("%w: importance_score must be between 0 and 1", store.ErrInvalidInput)
		}
		current.ImportanceScore = *update.ImportanceScore
	}
	if update.Metadata != nil {
		if current.Metadata == nil {
			current.Metadata = map[string]interface{}{}
		}
		for k, v := range update.Metadata {
			current.Metadata[k] = v
		}
	}
	if embedding != nil {
		current.Embedding = embedding
	}

	metaJSON, err := json.Marshal(current.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE memory_entries
		SET content = $1, customer = $2, project = $3, entry_date = $4,
		    importance_score = $5, metadata = $6, embedding = $7
		WHERE id = $8`,
		current.Content, current.Customer, current.Project, current.Date,
		current.ImportanceScore, metaJSON,
		pgvector.NewVector(current.Embedding), id)
	if err != nil {
		return nil, fmt.Errorf("updating entry: %w", err)
	}
	return current, nil
}

// Delete implements store.VectorStore.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = $1`, id)
	return err
}

// List implements store.VectorStore.
func (s *Store) List(ctx context.Context, limit, offset int, filters store.Filters) ([]types.MemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	clause, args, n := filterSQL(filters, 1)
	query := selectEntry + ` WHERE 1=1` + clause +
		fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, n, n+1)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []types.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// Search implements store.VectorStore. Ranking happens in the database via
// the pgvector cosine distance operator; similarity is 1 - distance.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, filters store.Filters) ([]store.SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	query := `
		SELECT id, content, customer, project, entry_date, source_document_id,
		       chunk_index, importance_score, metadata, created_at, embedding,
		       embedding <=> $1 AS distance
		FROM memory_entries
		WHERE 1=1`
	clause, filterArgs, n := filterSQL(filters, 2)
	query += clause + fmt.Sprintf(` ORDER BY distance LIMIT $%d`, n)
	args := append([]interface{}{pgvector.NewVector(vector)}, filterArgs...)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []store.SearchResult
	for rows.Next() {
		var (
			entry    types.MemoryEntry
			metaJSON []byte
			vec      pgvector.Vector
			distance float64
		)
		err := rows.Scan(&entry.ID, &entry.Content, &entry.Customer,
			&entry.Project, &entry.Date, &entry.SourceDocumentID,
			&entry.ChunkIndex, &entry.ImportanceScore, &metaJSON,
			&entry.CreatedAt, &vec, &distance)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metaJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("%w: entry %s has bad metadata: %v", store.ErrCorruptEntry, entry.ID, err)
		}
		entry.Embedding = vec.Slice()

		similarity := 1 - distance
		if similarity < filters.Threshold {
			continue
		}
		results = append(results, store.SearchResult{Entry: entry, Similarity: similarity})
	}
	return results, rows.Err()
}

// DeleteByDocument implements store.VectorStore.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE source_document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats implements store.VectorStore.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	var stats store.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(DISTINCT source_document_id) FILTER (WHERE NOT is_manual)
		FROM memory_entries`).Scan(&stats.TotalEntries, &stats.TotalDocuments)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// filterSQL renders the metadata filters as WHERE conjuncts with numbered
// placeholders starting at start. Search and List apply the same
// restrictions. Returns the next free placeholder index.
func filterSQL(filters store.Filters, start int) (string, []interface{}, int) {
	var (
		clause string
		args   []interface{}
	)
	n := start
	if filters.Customer != "" {
		clause += fmt.Sprintf(` AND customer = $%d`, n)
		args = append(args, filters.Customer)
		n++
	}
	if filters.Project != "" {
		clause += fmt.Sprintf(` AND project = $%d`, n)
		args = append(args, filters.Project)
		n++
	}
	if !filters.DateFrom.IsZero() {
		clause += fmt.Sprintf(` AND entry_date >= $%d`, n)
		args = append(args, filters.DateFrom)
		n++
	}
	if !filters.DateTo.IsZero() {
		clause += fmt.Sprintf(` AND entry_date <= $%d`, n)
		args = append(args, filters.DateTo)
		n++
	}
	return clause, args, n
}

const selectEntry = `
	SELECT id, content, customer, project, entry_date, source_document_id,
	       chunk_index, importance_score, metadata, created_at, embedding
	FROM memory_entries`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*types.MemoryEntry, error) {
	var (
		entry    types.MemoryEntry
		metaJSON []byte
		vec      pgvector.Vector
	)
	err := row.Scan(&entry.ID, &entry.Content, &entry.Customer, &entry.Project,
		&entry.Date, &entry.SourceDocumentID, &entry.ChunkIndex,
		&entry.ImportanceScore, &metaJSON, &entry.CreatedAt, &vec)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaJSON, &entry.Metadata); err != nil {
		return nil, fmt.Errorf("%w: entry %s has bad metadata: %v", store.ErrCorruptEntry, entry.ID, err)
	}
	entry.Embedding = vec.Slice()
	return &entry, nil
}
