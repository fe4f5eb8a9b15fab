package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on a single SQLite file
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	config SQLiteConfig
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	DBPath      string
	EnableWAL   bool
	CacheSize   int // Page cache size in KB
	BusyTimeout int // Milliseconds to wait on locked database
}

// DefaultSQLiteConfig returns the settings used by the local transport
func DefaultSQLiteConfig(dbPath string) SQLiteConfig {
	return SQLiteConfig{
		DBPath:      dbPath,
		EnableWAL:   true,
		CacheSize:   2000,
		BusyTimeout: 5000,
	}
}

// NewSQLiteStore opens (or creates) the database and installs its tables
func NewSQLiteStore(dbPath string, config SQLiteConfig) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "xmigrate.db"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and serializes writers
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		config: config,
	}

	if err := store.initialize(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", s.config.CacheSize),
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.config.BusyTimeout),
	}
	if s.config.EnableWAL {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			id INTEGER NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (entity_type, id)
		);

		CREATE INDEX IF NOT EXISTS idx_entity_type ON entities(entity_type);

		CREATE TABLE IF NOT EXISTS entity_sequences (
			entity_type TEXT PRIMARY KEY,
			next_id INTEGER NOT NULL DEFAULT 1
		);

		-- Field catalog per entity type, in fields_get shape
		CREATE TABLE IF NOT EXISTS schemas (
			entity_type TEXT PRIMARY KEY,
			schema TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// Create inserts a new record with an auto-generated ID
func (s *SQLiteStore) Create(ctx context.Context, entity string, data map[string]interface{}) (int, error) {
	if err := ValidateEntity(entity); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var nextID int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO entity_sequences (entity_type, next_id)
		VALUES (?, 1)
		ON CONFLICT(entity_type) DO UPDATE SET next_id = next_id + 1
		RETURNING next_id
	`, entity).Scan(&nextID)
	if err != nil {
		return 0, fmt.Errorf("failed to get next ID: %w", err)
	}

	dataCopy := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		dataCopy[k] = v
	}
	dataCopy["id"] = nextID

	jsonData, err := json.Marshal(dataCopy)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal data: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, id, data)
		VALUES (?, ?, ?)
	`, entity, nextID, string(jsonData))
	if err != nil {
		return 0, fmt.Errorf("failed to insert record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	return nextID, nil
}

// Get retrieves a record by ID
func (s *SQLiteStore) Get(ctx context.Context, entity string, id int) (map[string]interface{}, error) {
	if id <= 0 {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var jsonData string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM entities
		WHERE entity_type = ? AND id = ?
	`, entity, id).Scan(&jsonData)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	result, err := decodeDocument(jsonData)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return result, nil
}

// Patch merges updates into an existing record; nil values remove the key
func (s *SQLiteStore) Patch(ctx context.Context, entity string, id int, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jsonData string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM entities
		WHERE entity_type = ? AND id = ?
	`, entity, id).Scan(&jsonData)

	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query record: %w", err)
	}

	existing, err := decodeDocument(jsonData)
	if err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}

	for key, value := range updates {
		if key == "id" {
			continue
		}
		if value == nil {
			delete(existing, key)
		} else {
			existing[key] = value
		}
	}
	existing["id"] = id

	return s.writeDocument(ctx, entity, id, existing)
}

// writeDocument stores a full document; the caller holds the write lock
func (s *SQLiteStore) writeDocument(ctx context.Context, entity string, id int, doc map[string]interface{}) error {
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET data = ?, updated_at = CURRENT_TIMESTAMP
		WHERE entity_type = ? AND id = ?
	`, string(jsonData), entity, id)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all records of an entity type ordered by ID
func (s *SQLiteStore) List(ctx context.Context, entity string) ([]map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM entities
		WHERE entity_type = ?
		ORDER BY id
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var results []map[string]interface{}
	for rows.Next() {
		var jsonData string
		if err := rows.Scan(&jsonData); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		data, err := decodeDocument(jsonData)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}

		results = append(results, data)
	}

	return results, rows.Err()
}

// PutSchema stores or replaces the field catalog of an entity type
func (s *SQLiteStore) PutSchema(ctx context.Context, entity string, schema map[string]interface{}) error {
	if err := ValidateEntity(entity); err != nil {
		return err
	}

	jsonData, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schemas (entity_type, schema) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE
		SET schema = excluded.schema, updated_at = CURRENT_TIMESTAMP
	`, entity, string(jsonData))
	if err != nil {
		return fmt.Errorf("failed to store schema: %w", err)
	}
	return nil
}

// GetSchema returns the field catalog of an entity type
func (s *SQLiteStore) GetSchema(ctx context.Context, entity string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jsonData string
	err := s.db.QueryRowContext(ctx,
		"SELECT schema FROM schemas WHERE entity_type = ?", entity).Scan(&jsonData)
	if err == sql.ErrNoRows {
		return nil, ErrNoSchema
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schema: %w", err)
	}

	var schema map[string]interface{}
	if err := json.Unmarshal([]byte(jsonData), &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	return schema, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
