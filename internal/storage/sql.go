package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"evolve/internal/model"
)

type dialect struct {
	driver      string
	blobType    string
	numbered    bool
	singleConn  bool
	requiredDSN string
}

var (
	sqliteDialect   = dialect{driver: "sqlite", blobType: "BLOB", singleConn: true, requiredDSN: "sqlite path is required"}
	postgresDialect = dialect{driver: "postgres", blobType: "BYTEA", numbered: true, requiredDSN: "postgres dsn is required"}
)

// bind rewrites ? placeholders into $n for drivers that need numbered ones.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore persists archive records as versioned JSON payloads.
type SQLStore struct {
	dsn     string
	dialect dialect

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLStore {
	return &SQLStore{dsn: path, dialect: sqliteDialect}
}

func NewPostgresStore(dsn string) *SQLStore {
	return &SQLStore{dsn: dsn, dialect: postgresDialect}
}

func (s *SQLStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return errors.New(s.dialect.requiredDSN)
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open(s.dialect.driver, s.dsn)
	if err != nil {
		return err
	}
	// sqlite allows one writer; concurrent archives queue on the pool
	if s.dialect.singleConn {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db, s.dialect); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLStore) SaveGeneration(ctx context.Context, record model.GenerationRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeGeneration(record)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO generations (population_id, generation, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(population_id, generation) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`), record.PopulationID, record.Generation, record.SchemaVersion, record.CodecVersion, payload)
	return err
}

func (s *SQLStore) ListGenerations(ctx context.Context, populationID string, limit int) ([]model.GenerationRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if limit > 0 {
		rows, err = db.QueryContext(ctx, s.dialect.bind(`
			SELECT payload FROM (
				SELECT payload, generation FROM generations
				WHERE population_id = ?
				ORDER BY generation DESC
				LIMIT ?
			) recent ORDER BY generation ASC
		`), populationID, limit)
	} else {
		rows, err = db.QueryContext(ctx, s.dialect.bind(`
			SELECT payload FROM generations WHERE population_id = ? ORDER BY generation ASC
		`), populationID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.GenerationRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		record, err := DecodeGeneration(payload)
		if err != nil {
			return nil, fmt.Errorf("decode generation for %s: %w", populationID, err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snapshot model.PopulationSnapshot) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, s.dialect.bind(`
		INSERT INTO snapshots (population_id, generation, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(population_id) DO UPDATE SET
			generation = excluded.generation,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`), snapshot.PopulationID, snapshot.Generation, snapshot.SchemaVersion, snapshot.CodecVersion, payload)
	return err
}

func (s *SQLStore) GetSnapshot(ctx context.Context, populationID string) (model.PopulationSnapshot, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.PopulationSnapshot{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, s.dialect.bind(`SELECT payload FROM snapshots WHERE population_id = ?`), populationID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.PopulationSnapshot{}, false, nil
		}
		return model.PopulationSnapshot{}, false, err
	}

	snapshot, err := DecodeSnapshot(payload)
	if err != nil {
		return model.PopulationSnapshot{}, false, fmt.Errorf("decode snapshot %s: %w", populationID, err)
	}
	return snapshot, true, nil
}

func (s *SQLStore) ListPopulations(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT population_id FROM generations
		UNION
		SELECT population_id FROM snapshots
		ORDER BY population_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB, d dialect) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS generations (
			population_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload %[1]s NOT NULL,
			PRIMARY KEY (population_id, generation)
		);
		CREATE TABLE IF NOT EXISTS snapshots (
			population_id TEXT PRIMARY KEY,
			generation INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload %[1]s NOT NULL
		);
	`, d.blobType))
	return err
}
