package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"hypersearch/internal/hsstate"
	"hypersearch/internal/model"
)

// CandidateStore lists the models eligible to be reported as the best.
type CandidateStore interface {
	hsstate.JobFields
	GetCandidateModels(ctx context.Context, jobID string, minNumRecords int) ([]int64, *float64, error)
}

type ChooserOptions struct {
	// Interval throttles updates. 0 updates on every call.
	Interval      time.Duration
	MinNumRecords int
	Maximize      bool
	Clock         func() time.Time
	Logger        *slog.Logger
}

// ModelChooser publishes the best model of a job into its results field.
type ModelChooser struct {
	store  CandidateStore
	jobID  string
	opts   ChooserOptions
	doc    *hsstate.JSONField[model.JobResults]
	last   time.Time
	logger *slog.Logger
}

func NewModelChooser(store CandidateStore, jobID string, opts ChooserOptions) *ModelChooser {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ModelChooser{
		store:  store,
		jobID:  jobID,
		opts:   opts,
		doc:    hsstate.NewJSONField[model.JobResults](store, jobID, model.JobFieldResults),
		logger: logger,
	}
}

// Update publishes the current best model unless the last update was less
// than Interval ago. force skips the throttle.
func (m *ModelChooser) Update(ctx context.Context, force bool) error {
	now := m.opts.Clock()
	if !force && !m.last.IsZero() && now.Sub(m.last) < m.opts.Interval {
		return nil
	}
	m.last = now

	ids, metric, err := m.store.GetCandidateModels(ctx, m.jobID, m.opts.MinNumRecords)
	if err != nil {
		return err
	}
	if len(ids) == 0 || metric == nil {
		return nil
	}
	best := ids[0]
	value := *metric
	if m.opts.Maximize {
		value = -value
	}

	_, err = hsstate.Mutate(ctx, m.doc, hsstate.Retry{MaxAttempts: 8}, nil, func(v *model.JobResults, _ hsstate.Version) (bool, error) {
		if v.BestModel == best && v.BestValue != nil && *v.BestValue == value {
			return false, nil
		}
		v.BestModel = best
		v.BestValue = &value
		return true, nil
	})
	if errors.Is(err, hsstate.ErrTooManyConflicts) {
		m.logger.Warn("job results kept changing, best model not published", "model", best)
		return nil
	}
	if err != nil {
		return err
	}
	m.logger.Debug("best model published", "model", best, "value", value)
	return nil
}
