package storage

import (
	"context"
	"errors"

	"hypersearch/internal/model"
)

var (
	ErrNotInitialized = errors.New("store is not initialized")
	// ErrDuplicateHash is returned when a write would give two models of a
	// job the same particle hash, or the same params hash on update.
	ErrDuplicateHash = errors.New("duplicate model hash")
	ErrModelNotFound = errors.New("model not found")
)

// Backend is the persistence contract shared by every worker of a job:
// per-job string fields with compare-and-swap, and model records guarded
// by an update counter.
type Backend interface {
	Init(ctx context.Context) error
	GetJobField(ctx context.Context, jobID, field string) (string, bool, error)
	// CompareAndSwapJobField writes value when the field equals *expected,
	// or is unset when expected is nil.
	CompareAndSwapJobField(ctx context.Context, jobID, field, value string, expected *string) (bool, error)
	// InsertModel assigns an id and stores rec. When a model with the same
	// params hash already exists in the job it is returned with ours false.
	InsertModel(ctx context.Context, rec model.ModelRecord) (stored model.ModelRecord, ours bool, err error)
	GetModel(ctx context.Context, id int64) (model.ModelRecord, bool, error)
	// ListModels returns the models of a job ordered by id.
	ListModels(ctx context.Context, jobID string) ([]model.ModelRecord, error)
	// CompareAndSwapModel replaces the record when its update counter still
	// equals expectedCounter. The stored counter becomes expectedCounter+1.
	CompareAndSwapModel(ctx context.Context, rec model.ModelRecord, expectedCounter int64) (bool, error)
}

func CloseIfSupported(store Backend) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
