package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"hypersearch/internal/model"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	dsn string

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dsn == "" {
		return errors.New("postgres dsn is required")
	}
	if s.pool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return err
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS hypersearch_job_fields (
			job_id TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (job_id, field)
		);
		CREATE TABLE IF NOT EXISTS hypersearch_models (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			params_hash TEXT NOT NULL,
			particle_hash TEXT NOT NULL,
			update_counter BIGINT NOT NULL,
			payload BYTEA NOT NULL,
			UNIQUE (job_id, params_hash),
			UNIQUE (job_id, particle_hash)
		);
	`)
	if err != nil {
		pool.Close()
		return err
	}
	s.pool = pool
	return nil
}

func (s *PostgresStore) GetJobField(ctx context.Context, jobID, field string) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var value string
	err = pool.QueryRow(ctx, `SELECT value FROM hypersearch_job_fields WHERE job_id = $1 AND field = $2`, jobID, field).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) CompareAndSwapJobField(ctx context.Context, jobID, field, value string, expected *string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var tag pgconn.CommandTag
	if expected == nil {
		tag, err = pool.Exec(ctx, `
			INSERT INTO hypersearch_job_fields (job_id, field, value) VALUES ($1, $2, $3)
			ON CONFLICT (job_id, field) DO NOTHING
		`, jobID, field, value)
	} else {
		tag, err = pool.Exec(ctx, `
			UPDATE hypersearch_job_fields SET value = $3 WHERE job_id = $1 AND field = $2 AND value = $4
		`, jobID, field, value, *expected)
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertModel(ctx context.Context, rec model.ModelRecord) (model.ModelRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO hypersearch_models (job_id, params_hash, particle_hash, update_counter, payload)
		VALUES ($1, $2, $3, 0, ''::bytea)
		ON CONFLICT DO NOTHING
		RETURNING id
	`, rec.JobID, rec.ParamsHash, rec.ParticleHash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		existing, ok, lookupErr := s.modelByParamsHash(ctx, pool, rec.JobID, rec.ParamsHash)
		if lookupErr != nil {
			return model.ModelRecord{}, false, lookupErr
		}
		if ok {
			return existing, false, nil
		}
		return model.ModelRecord{}, false, ErrDuplicateHash
	}
	if err != nil {
		return model.ModelRecord{}, false, err
	}

	rec.ID = id
	rec.UpdateCounter = 0
	stamp(&rec)
	payload, err := EncodeModel(rec)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE hypersearch_models SET payload = $1 WHERE id = $2`, payload, id); err != nil {
		return model.ModelRecord{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ModelRecord{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) modelByParamsHash(ctx context.Context, pool *pgxpool.Pool, jobID, hash string) (model.ModelRecord, bool, error) {
	var payload []byte
	err := pool.QueryRow(ctx, `SELECT payload FROM hypersearch_models WHERE job_id = $1 AND params_hash = $2`, jobID, hash).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ModelRecord{}, false, nil
		}
		return model.ModelRecord{}, false, err
	}
	rec, err := DecodeModel(payload)
	if err != nil {
		return model.ModelRecord{}, false, fmt.Errorf("decode model: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) GetModel(ctx context.Context, id int64) (model.ModelRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	var payload []byte
	err = pool.QueryRow(ctx, `SELECT payload FROM hypersearch_models WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) ListModels(ctx context.Context, jobID string) ([]model.ModelRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT payload FROM hypersearch_models WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	out := make([]model.ModelRecord, 0, len(payloads))
	for _, payload := range payloads {
		rec, err := DecodeModel(payload)
		if err != nil {
			return nil, fmt.Errorf("decode model: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *PostgresStore) CompareAndSwapModel(ctx context.Context, rec model.ModelRecord, expectedCounter int64) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var jobID string
	err = pool.QueryRow(ctx, `SELECT job_id FROM hypersearch_models WHERE id = $1`, rec.ID).Scan(&jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("model %d: %w", rec.ID, ErrModelNotFound)
		}
		return false, err
	}
	rec.JobID = jobID
	rec.UpdateCounter = expectedCounter + 1
	stamp(&rec)
	payload, err := EncodeModel(rec)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, `
		UPDATE hypersearch_models
		SET params_hash = $1, particle_hash = $2, update_counter = $3, payload = $4
		WHERE id = $5 AND update_counter = $6
	`, rec.ParamsHash, rec.ParticleHash, rec.UpdateCounter, payload, rec.ID, expectedCounter)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return false, ErrDuplicateHash
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return nil, ErrNotInitialized
	}
	return s.pool, nil
}
