//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"hypersearch/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	// Conditional writes rely on one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) GetJobField(ctx context.Context, jobID, field string) (string, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return "", false, err
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM job_fields WHERE job_id = ? AND field = ?`, jobID, field).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) CompareAndSwapJobField(ctx context.Context, jobID, field, value string, expected *string) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}

	var res sql.Result
	if expected == nil {
		res, err = db.ExecContext(ctx, `
			INSERT INTO job_fields (job_id, field, value) VALUES (?, ?, ?)
			ON CONFLICT(job_id, field) DO NOTHING
		`, jobID, field, value)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE job_fields SET value = ? WHERE job_id = ? AND field = ? AND value = ?
		`, value, jobID, field, *expected)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) InsertModel(ctx context.Context, rec model.ModelRecord) (model.ModelRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ModelRecord{}, false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var payload []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM models WHERE job_id = ? AND params_hash = ?`, rec.JobID, rec.ParamsHash).Scan(&payload)
	switch {
	case err == nil:
		existing, err := DecodeModel(payload)
		if err != nil {
			return model.ModelRecord{}, false, fmt.Errorf("decode model: %w", err)
		}
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return model.ModelRecord{}, false, err
	}
	var taken int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM models WHERE job_id = ? AND particle_hash = ?`, rec.JobID, rec.ParticleHash).Scan(&taken)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	if taken > 0 {
		return model.ModelRecord{}, false, ErrDuplicateHash
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO models (job_id, params_hash, particle_hash, update_counter, schema_version, codec_version, payload)
		VALUES (?, ?, ?, 0, ?, ?, x'')
	`, rec.JobID, rec.ParamsHash, rec.ParticleHash, CurrentSchemaVersion, CurrentCodecVersion)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	rec.ID = id
	rec.UpdateCounter = 0
	stamp(&rec)
	payload, err = EncodeModel(rec)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE models SET payload = ? WHERE id = ?`, payload, id); err != nil {
		return model.ModelRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.ModelRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, id int64) (model.ModelRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ModelRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM models WHERE id = ?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ModelRecord{}, false, nil
		}
		return model.ModelRecord{}, false, err
	}

	rec, err := DecodeModel(payload)
	if err != nil {
		return model.ModelRecord{}, false, fmt.Errorf("decode model %d: %w", id, err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) ListModels(ctx context.Context, jobID string) ([]model.ModelRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT id, payload FROM models WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ModelRecord
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		rec, err := DecodeModel(payload)
		if err != nil {
			return nil, fmt.Errorf("decode model %d: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CompareAndSwapModel(ctx context.Context, rec model.ModelRecord, expectedCounter int64) (bool, error) {
	db, err := s.getDB()
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var jobID string
	var counter int64
	err = tx.QueryRowContext(ctx, `SELECT job_id, update_counter FROM models WHERE id = ?`, rec.ID).Scan(&jobID, &counter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("model %d: %w", rec.ID, ErrModelNotFound)
		}
		return false, err
	}
	if counter != expectedCounter {
		return false, nil
	}
	var clashes int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM models
		WHERE job_id = ? AND id <> ? AND (params_hash = ? OR particle_hash = ?)
	`, jobID, rec.ID, rec.ParamsHash, rec.ParticleHash).Scan(&clashes)
	if err != nil {
		return false, err
	}
	if clashes > 0 {
		return false, ErrDuplicateHash
	}

	rec.JobID = jobID
	rec.UpdateCounter = expectedCounter + 1
	stamp(&rec)
	payload, err := EncodeModel(rec)
	if err != nil {
		return false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE models SET params_hash = ?, particle_hash = ?, update_counter = ?, payload = ?
		WHERE id = ?
	`, rec.ParamsHash, rec.ParticleHash, rec.UpdateCounter, payload, rec.ID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS job_fields (
			job_id TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (job_id, field)
		);
		CREATE TABLE IF NOT EXISTS models (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			params_hash TEXT NOT NULL,
			particle_hash TEXT NOT NULL,
			update_counter INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			UNIQUE (job_id, params_hash),
			UNIQUE (job_id, particle_hash)
		);
	`)
	return err
}

func newSQLiteStore(path string) (Backend, error) {
	return NewSQLiteStore(path), nil
}
