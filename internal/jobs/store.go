// Package jobs implements the job and model records a search keeps in its
// store. Every model mutation is a compare-and-swap on the model's update
// counter, so workers sharing a backend never overwrite each other.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"hypersearch/internal/hsstate"
	"hypersearch/internal/model"
	"hypersearch/internal/storage"
)

const defaultMaxCASRetries = 32

var (
	ErrModelNotFound  = storage.ErrModelNotFound
	ErrDuplicateHash  = storage.ErrDuplicateHash
	ErrJobExists      = errors.New("job already exists")
	ErrJobNotFound    = errors.New("job not found")
	ErrUnchanged      = errors.New("record already holds the requested values")
	ErrTooManyRetries = errors.New("too many concurrent modifications")
)

var _ hsstate.JobFields = (*Store)(nil)

type Options struct {
	Clock         func() time.Time
	Logger        *slog.Logger
	MaxCASRetries int
}

type Store struct {
	backend    storage.Backend
	clock      func() time.Time
	logger     *slog.Logger
	maxRetries int
}

func New(backend storage.Backend, opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	retries := opts.MaxCASRetries
	if retries <= 0 {
		retries = defaultMaxCASRetries
	}
	return &Store{backend: backend, clock: clock, logger: logger, maxRetries: retries}
}

func (s *Store) Now() time.Time { return s.clock() }

// CreateJob registers a job with its search description.
func (s *Store) CreateJob(ctx context.Context, jobID, description string) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	ok, err := s.backend.CompareAndSwapJobField(ctx, jobID, model.JobFieldStatus, string(model.JobNotStarted), nil)
	if err != nil {
		return fmt.Errorf("create job %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}
	return s.SetJobFields(ctx, jobID, map[string]string{model.JobFieldDescription: description}, true)
}

func (s *Store) GetJobField(ctx context.Context, jobID, field string) (string, bool, error) {
	return s.backend.GetJobField(ctx, jobID, field)
}

func (s *Store) SetJobFieldIfEqual(ctx context.Context, jobID, field, value string, expected *string) (bool, error) {
	return s.backend.CompareAndSwapJobField(ctx, jobID, field, value, expected)
}

// SetJobFields overwrites fields regardless of their current value. Unless
// ignoreUnchanged is set, ErrUnchanged is returned when no field changed.
func (s *Store) SetJobFields(ctx context.Context, jobID string, fields map[string]string, ignoreUnchanged bool) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	changed := false
	for _, name := range names {
		c, err := s.setJobField(ctx, jobID, name, fields[name])
		if err != nil {
			return err
		}
		changed = changed || c
	}
	if !changed && !ignoreUnchanged && len(fields) > 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrUnchanged)
	}
	return nil
}

func (s *Store) setJobField(ctx context.Context, jobID, field, value string) (bool, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, ok, err := s.backend.GetJobField(ctx, jobID, field)
		if err != nil {
			return false, err
		}
		if ok && cur == value {
			return false, nil
		}
		var expected *string
		if ok {
			expected = &cur
		}
		swapped, err := s.backend.CompareAndSwapJobField(ctx, jobID, field, value, expected)
		if err != nil {
			return false, err
		}
		if swapped {
			return true, nil
		}
	}
	return false, fmt.Errorf("set job field %s: %w", field, ErrTooManyRetries)
}

// IsCancelled reports whether the job's cancel flag is set.
func (s *Store) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	v, ok, err := s.backend.GetJobField(ctx, jobID, model.JobFieldCancel)
	if err != nil || !ok {
		return false, err
	}
	cancelled, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("job %s cancel flag %q: %w", jobID, v, err)
	}
	return cancelled, nil
}

// CancelJob raises the job's cancel flag and records why.
func (s *Store) CancelJob(ctx context.Context, jobID string, reason model.CompletionReason, msg string) error {
	if _, ok, err := s.backend.GetJobField(ctx, jobID, model.JobFieldStatus); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	fields := map[string]string{model.JobFieldCancel: "true"}
	if reason != "" {
		fields[model.JobFieldCompletionReason] = string(reason)
	}
	if msg != "" {
		fields[model.JobFieldCompletionMsg] = msg
	}
	return s.SetJobFields(ctx, jobID, fields, true)
}
