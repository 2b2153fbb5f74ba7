package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"hypersearch/internal/model"
)

// ErrPermanent marks a worker failure that restarting cannot fix.
var ErrPermanent = errors.New("permanent worker failure")

type SupervisorPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts bounds restarts of one worker. 0 means unlimited.
	MaxRestarts int
}

type SupervisorHooks struct {
	OnRestart          func(name string, err error, restartCount int)
	OnPermanentFailure func(name string, err error, restartCount int)
}

func defaultSupervisorPolicy() SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		MaxRestarts:    5,
	}
}

func normalizeSupervisorPolicy(policy SupervisorPolicy) SupervisorPolicy {
	def := defaultSupervisorPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.MaxRestarts < 0 {
		policy.MaxRestarts = def.MaxRestarts
	}
	return policy
}

// Result is how a supervised worker ended.
type Result struct {
	Name     string
	Reason   model.CompletionReason
	Msg      string
	Restarts int
}

// RunFunc builds and runs one worker attempt. A fresh worker is built for
// every attempt so that its view of the job is rebuilt from the store.
type RunFunc func(ctx context.Context) (model.CompletionReason, string, error)

// Supervisor restarts workers whose loop failed, backing off between
// attempts.
type Supervisor struct {
	policy SupervisorPolicy
	hooks  SupervisorHooks
	logger *slog.Logger
}

func NewSupervisor(policy SupervisorPolicy, hooks SupervisorHooks, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		policy: normalizeSupervisorPolicy(policy),
		hooks:  hooks,
		logger: logger,
	}
}

// Run runs the worker until it exits cleanly, fails permanently or runs
// out of restarts.
func (s *Supervisor) Run(ctx context.Context, name string, run RunFunc) (Result, error) {
	if run == nil {
		return Result{}, errors.New("worker runner is required")
	}
	res := Result{Name: name}
	backoff := s.policy.InitialBackoff
	for {
		reason, msg, err := run(ctx)
		if err == nil {
			res.Reason, res.Msg = reason, msg
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if errors.Is(err, ErrPermanent) || (s.policy.MaxRestarts > 0 && res.Restarts >= s.policy.MaxRestarts) {
			s.logger.Error("worker failed", "worker", name, "restarts", res.Restarts, "err", err)
			if s.hooks.OnPermanentFailure != nil {
				s.hooks.OnPermanentFailure(name, err, res.Restarts)
			}
			return res, fmt.Errorf("worker %s after %d restarts: %w", name, res.Restarts, err)
		}
		res.Restarts++
		s.logger.Warn("restarting worker", "worker", name, "restart", res.Restarts, "backoff", backoff, "err", err)
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(name, err, res.Restarts)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if next > s.policy.MaxBackoff {
			next = s.policy.MaxBackoff
		}
		backoff = next
	}
}

// RunPool runs n supervised workers side by side. newRun builds the run
// function of worker i. The first worker to fail permanently cancels the
// others.
func RunPool(ctx context.Context, n int, sup *Supervisor, newRun func(i int) (string, RunFunc)) ([]Result, error) {
	if n <= 0 {
		return nil, errors.New("pool needs at least one worker")
	}
	results := make([]Result, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		name, run := newRun(i)
		g.Go(func() error {
			res, err := sup.Run(gctx, name, run)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
