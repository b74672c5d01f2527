// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retrieval provides dataset context for generation.
package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrNotReady        = errors.New("retrieval engine not ready")
	ErrDatabaseError   = errors.New("database error")
)

// =============================================================================
// DATASET STORE
// =============================================================================

// DatasetStore implements Retriever on a SQLite database with an FTS5
// index over document chunks.
type DatasetStore struct {
	db        *sql.DB
	chunkSize int
	mu        sync.RWMutex
	warm      bool
}

// StoreConfig holds store configuration.
type StoreConfig struct {
	// DatabasePath is where the SQLite database lives.
	DatabasePath string

	// ChunkSize is the target chunk length in bytes when ingesting.
	ChunkSize int
}

// DefaultStoreConfig returns default configuration rooted under dir.
func DefaultStoreConfig(dir string) *StoreConfig {
	return &StoreConfig{
		DatabasePath: filepath.Join(dir, "datasets.db"),
		ChunkSize:    1200,
	}
}

// OpenStore opens (creating if needed) the dataset database.
func OpenStore(config *StoreConfig) (*DatasetStore, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 1200
	}

	dbDir := filepath.Dir(config.DatabasePath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	// Serialized access keeps the pure-Go driver happy under concurrency.
	db.SetMaxOpenConns(1)

	store := &DatasetStore{db: db, chunkSize: config.ChunkSize}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *DatasetStore) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("%w: schema init: %v", ErrDatabaseError, err)
	}
	if _, err := s.db.Exec(InitMetadata); err != nil {
		return fmt.Errorf("%w: metadata init: %v", ErrDatabaseError, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *DatasetStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warm = false
	return s.db.Close()
}

// =============================================================================
// INGESTION
// =============================================================================

// Dataset describes an ingested dataset.
type Dataset struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// CreateDataset registers a new empty dataset and returns its ID.
func (s *DatasetStore) CreateDataset(ctx context.Context, name string) (string, error) {
	id := "ds_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("%w: create dataset: %v", ErrDatabaseError, err)
	}
	return id, nil
}

// ListDatasets returns all datasets, newest first.
func (s *DatasetStore) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM datasets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list datasets: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var d Dataset
		var created int64
		if err := rows.Scan(&d.ID, &d.Name, &created); err != nil {
			continue
		}
		d.CreatedAt = time.Unix(created, 0)
		out = append(out, d)
	}
	return out, rows.Err()
}

// IngestDocument splits text into chunks and stores them under datasetID.
// Chunks break on paragraph boundaries near the configured size so
// retrieval returns coherent passages.
func (s *DatasetStore) IngestDocument(ctx context.Context, datasetID, source, text string) (int, error) {
	if exists, err := s.datasetExists(ctx, datasetID); err != nil {
		return 0, err
	} else if !exists {
		return 0, ErrDatasetNotFound
	}

	chunks := splitChunks(text, s.chunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin ingest: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	var seq int
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM chunks WHERE dataset_id = ?`, datasetID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: next seq: %v", ErrDatabaseError, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (dataset_id, source, seq, content, token_count) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare insert: %v", ErrDatabaseError, err)
	}
	defer stmt.Close()

	for i, chunk := range chunks {
		if _, err := stmt.ExecContext(ctx, datasetID, source, seq+i, chunk, CountTokens(chunk)); err != nil {
			return 0, fmt.Errorf("%w: insert chunk: %v", ErrDatabaseError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit ingest: %v", ErrDatabaseError, err)
	}
	return len(chunks), nil
}

// splitChunks breaks text into pieces of roughly size bytes, preferring
// paragraph then line boundaries.
func splitChunks(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+len(para) > size {
			flush()
		}

		// A single oversized paragraph splits on lines.
		if len(para) > size {
			for _, line := range strings.Split(para, "\n") {
				if current.Len() > 0 && current.Len()+len(line) > size {
					flush()
				}
				if current.Len() > 0 {
					current.WriteByte('\n')
				}
				current.WriteString(line)
			}
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

func (s *DatasetStore) datasetExists(ctx context.Context, datasetID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM datasets WHERE id = ?`, datasetID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return true, nil
}

// =============================================================================
// RETRIEVER IMPLEMENTATION
// =============================================================================

// EstimateTokens sums the per-chunk counts recorded at ingest time.
// Cheap: a single aggregate query, no content read.
func (s *DatasetStore) EstimateTokens(ctx context.Context, datasetID string) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(token_count) FROM chunks WHERE dataset_id = ?`, datasetID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: estimate tokens: %v", ErrDatabaseError, err)
	}
	if !total.Valid {
		if exists, err := s.datasetExists(ctx, datasetID); err != nil {
			return 0, err
		} else if !exists {
			return 0, ErrDatasetNotFound
		}
		return 0, nil
	}
	return int(total.Int64), nil
}

// FetchAllContent returns the dataset's chunks joined in ingestion order.
func (s *DatasetStore) FetchAllContent(ctx context.Context, datasetID string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content FROM chunks WHERE dataset_id = ? ORDER BY seq`, datasetID)
	if err != nil {
		return "", fmt.Errorf("%w: fetch content: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			continue
		}
		parts = append(parts, content)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if len(parts) == 0 {
		if exists, err := s.datasetExists(ctx, datasetID); err != nil {
			return "", err
		} else if !exists {
			return "", ErrDatasetNotFound
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// FetchContextDetailed runs an FTS5 query over the dataset's chunks and
// returns the best passages above minScore, best first.
func (s *DatasetStore) FetchContextDetailed(ctx context.Context, query, datasetID string, maxChunks int, minScore float64, status StatusCallback) ([]Passage, error) {
	if !s.IsReady() {
		return nil, ErrNotReady
	}
	if maxChunks <= 0 {
		maxChunks = 5
	}

	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	if status != nil {
		status("searching dataset")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.content, c.source, fts.rank
		FROM chunks_fts fts
		JOIN chunks c ON c.id = fts.rowid
		WHERE chunks_fts MATCH ? AND c.dataset_id = ?
		ORDER BY fts.rank
		LIMIT ?
	`, ftsQuery, datasetID, maxChunks)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var passages []Passage
	for rows.Next() {
		var p Passage
		var rank float64
		if err := rows.Scan(&p.Text, &p.Source, &rank); err != nil {
			continue
		}
		p.Score = rankToScore(rank)
		if p.Score < minScore {
			continue
		}
		passages = append(passages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	if status != nil {
		status(fmt.Sprintf("found %d passages", len(passages)))
	}
	return passages, nil
}

// CountTokens returns the store tokenizer's count for text.
func (s *DatasetStore) CountTokens(text string) int {
	return CountTokens(text)
}

// IsReady reports whether WarmUp has completed.
func (s *DatasetStore) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.warm
}

// WarmUp primes the FTS index with a throwaway query so the first real
// search does not pay the page-cache cost.
func (s *DatasetStore) WarmUp(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid FROM chunks_fts WHERE chunks_fts MATCH 'warmup' LIMIT 1`)
	if err != nil {
		return fmt.Errorf("%w: warm up: %v", ErrDatabaseError, err)
	}
	rows.Close()

	s.mu.Lock()
	s.warm = true
	s.mu.Unlock()
	return nil
}

// =============================================================================
// SCORING AND QUERIES
// =============================================================================

// rankToScore maps an FTS5 bm25 rank (more negative = better match) onto
// [0, 1) with higher meaning more relevant.
func rankToScore(rank float64) float64 {
	abs := math.Abs(rank)
	return abs / (abs + 1)
}

// buildFTSQuery builds an FTS5 OR-query from user input.
func buildFTSQuery(query string) string {
	fields := strings.Fields(sanitizeFTSQuery(query))
	if len(fields) == 0 {
		return ""
	}
	// OR across terms: retrieval should surface partial matches too.
	return strings.Join(fields, " OR ")
}

// sanitizeFTSQuery strips FTS5 special characters to prevent injection.
func sanitizeFTSQuery(query string) string {
	specialChars := []string{"\"", "*", "(", ")", "{", "}", "[", "]", ":", "^", "-", "~", "'"}
	for _, char := range specialChars {
		query = strings.ReplaceAll(query, char, " ")
	}
	return query
}

// =============================================================================
// TOKENIZER
// =============================================================================

// CountTokens approximates model tokenization deterministically: one token
// per word plus one per five extra characters of long words. Monotonic in
// prefix length, which the policy's ceiling binary search relies on.
func CountTokens(text string) int {
	tokens := 0
	for _, field := range strings.Fields(text) {
		tokens += 1 + len(field)/5
	}
	return tokens
}
