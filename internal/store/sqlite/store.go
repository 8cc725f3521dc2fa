// Package sqlite implements the vector store on an embedded SQLite database.
// Embeddings are stored as little-endian float32 blobs and similarity is
// computed in process, which is plenty fast for the tens of thousands of
// entries a single advisor instance holds.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sagecore/sage/internal/store"
	"github.com/sagecore/sage/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	customer TEXT NOT NULL DEFAULT '',
	project TEXT NOT NULL DEFAULT '',
	entry_date TEXT NOT NULL,
	source_document_id TEXT NOT NULL DEFAULT '',
	chunk_index INTEGER NOT NULL DEFAULT 0,
	importance_score REAL NOT NULL DEFAULT 1.0,
	metadata TEXT NOT NULL DEFAULT '{}',
	is_manual INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS embeddings (
	entry_id TEXT PRIMARY KEY REFERENCES memory_entries(id) ON DELETE CASCADE,
	embedding BLOB NOT NULL,
	dimension INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_customer ON memory_entries(customer);
CREATE INDEX IF NOT EXISTS idx_entries_project ON memory_entries(project);
CREATE INDEX IF NOT EXISTS idx_entries_date ON memory_entries(entry_date);
CREATE INDEX IF NOT EXISTS idx_entries_document ON memory_entries(source_document_id);
`

// Store is a VectorStore backed by a local SQLite file.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the database under dataPath.
func New(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := filepath.Join(dataPath, "sage.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc sqlite is not safe for concurrent writers on one file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
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

	isManual := 0
	if entry.SourceDocumentID == "" {
		// Manual entries reference themselves so document-level operations
		// keep working uniformly.
		entry.SourceDocumentID = entry.ID
		isManual = 1
		if entry.Metadata == nil {
			entry.Metadata = map[string]interface{}{}
		}
		entry.Metadata["is_manual_entry"] = true
	}

	metaJSON, err := json.Marshal(metadataOrEmpty(entry.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_entries
			(id, content, customer, project, entry_date, source_document_id,
			 chunk_index, importance_score, metadata, is_manual, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Content, entry.Customer, entry.Project,
		entry.Date.UTC().Format(time.RFC3339), entry.SourceDocumentID,
		entry.ChunkIndex, entry.ImportanceScore, string(metaJSON), isManual,
		entry.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO embeddings (entry_id, embedding, dimension) VALUES (?, ?, ?)`,
		entry.ID, encodeVector(entry.Embedding), len(entry.Embedding))
	if err != nil {
		return nil, fmt.Errorf("inserting embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Get implements store.VectorStore.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE e.id = ?`, id)
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

	metaJSON, err := json.Marshal(metadataOrEmpty(current.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE memory_entries
		SET content = ?, customer = ?, project = ?, entry_date = ?,
		    importance_score = ?, metadata = ?
		WHERE id = ?`,
		current.Content, current.Customer, current.Project,
		current.Date.UTC().Format(time.RFC3339),
		current.ImportanceScore, string(metaJSON), id)
	if err != nil {
		return nil, fmt.Errorf("updating entry: %w", err)
	}

	if embedding != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE embeddings SET embedding = ?, dimension = ? WHERE entry_id = ?`,
			encodeVector(embedding), len(embedding), id)
		if err != nil {
			return nil, fmt.Errorf("updating embedding: %w", err)
		}
		current.Embedding = embedding
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return current, nil
}

// Delete implements store.VectorStore. Deleting a missing entry is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE id = ?`, id)
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

	clause, args := filterSQL(filters)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		selectEntry+` WHERE 1=1`+clause+` ORDER BY e.rowid LIMIT ? OFFSET ?`, args...)
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

// Search implements store.VectorStore. Metadata filters are pushed into SQL;
// similarity ranking happens in process over the filtered candidate set.
func (s *Store) Search(ctx context.Context, vector []float32, topK int, filters store.Filters) ([]store.SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}

	clause, args := filterSQL(filters)
	rows, err := s.db.QueryContext(ctx, selectEntry+` WHERE 1=1`+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []store.SearchResult
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		sim := store.CosineSimilarity(vector, entry.Embedding)
		results = append(results, store.SearchResult{Entry: *entry, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > topK {
		results = results[:topK]
	}

	// Drop matches below the relevance threshold after taking the top K.
	kept := results[:0]
	for _, r := range results {
		if r.Similarity >= filters.Threshold {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// DeleteByDocument implements store.VectorStore.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE source_document_id = ?`, documentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats implements store.VectorStore. Manual entries do not count as
// documents.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	var stats store.Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_entries`).Scan(&stats.TotalEntries)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT source_document_id) FROM memory_entries WHERE is_manual = 0`).
		Scan(&stats.TotalDocuments)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// filterSQL renders the metadata filters as WHERE conjuncts. Search and List
// apply the same restrictions.
func filterSQL(filters store.Filters) (string, []interface{}) {
	var (
		clause string
		args   []interface{}
	)
	if filters.Customer != "" {
		clause += ` AND e.customer = ?`
		args = append(args, filters.Customer)
	}
	if filters.Project != "" {
		clause += ` AND e.project = ?`
		args = append(args, filters.Project)
	}
	if !filters.DateFrom.IsZero() {
		clause += ` AND e.entry_date >= ?`
		args = append(args, filters.DateFrom.UTC().Format(time.RFC3339))
	}
	if !filters.DateTo.IsZero() {
		clause += ` AND e.entry_date <= ?`
		args = append(args, filters.DateTo.UTC().Format(time.RFC3339))
	}
	return clause, args
}

const selectEntry = `
	SELECT e.id, e.content, e.customer, e.project, e.entry_date,
	       e.source_document_id, e.chunk_index, e.importance_score,
	       e.metadata, e.created_at, emb.embedding
	FROM memory_entries e
	JOIN embeddings emb ON emb.entry_id = e.id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*types.MemoryEntry, error) {
	var (
		entry     types.MemoryEntry
		entryDate string
		createdAt string
		metaJSON  string
		blob      []byte
	)
	err := row.Scan(&entry.ID, &entry.Content, &entry.Customer, &entry.Project,
		&entryDate, &entry.SourceDocumentID, &entry.ChunkIndex,
		&entry.ImportanceScore, &metaJSON, &createdAt, &blob)
	if err != nil {
		return nil, err
	}

	entry.Date, err = time.Parse(time.RFC3339, entryDate)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %s has bad date %q", store.ErrCorruptEntry, entry.ID, entryDate)
	}
	entry.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %s has bad created_at %q", store.ErrCorruptEntry, entry.ID, createdAt)
	}
	if err := json.Unmarshal([]byte(metaJSON), &entry.Metadata); err != nil {
		return nil, fmt.Errorf("%w: entry %s has bad metadata: %v", store.ErrCorruptEntry, entry.ID, err)
	}
	entry.Embedding, err = decodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %s: %v", store.ErrCorruptEntry, entry.ID, err)
	}
	return &entry, nil
}

func metadataOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, nil
}
