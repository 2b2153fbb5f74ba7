// Package runner executes proposed models and streams their progress.
package runner

import (
	"context"

	"hypersearch/internal/model"
)

type Request struct {
	JobID       string
	ModelID     int64
	Params      model.ModelParams
	OptimizeKey string
}

// Progress is a snapshot of a running model.
type Progress struct {
	Results    model.ModelResults
	NumRecords int
	Matured    bool
}

// Reporter receives progress from a running model and relays stop
// signals back to it.
type Reporter interface {
	Report(ctx context.Context, p Progress) error
	// StopRequested returns the stop signal written for the model, if any.
	StopRequested(ctx context.Context) (model.StopReason, error)
}

type Runner interface {
	Name() string
	// Run executes the model until it finishes or is stopped. An error
	// return means the run failed outside the model itself.
	Run(ctx context.Context, req Request, rep Reporter) (model.CompletionReason, string, error)
}
