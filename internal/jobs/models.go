package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"hypersearch/internal/model"
)

// NewModel is what a worker inserts for a proposed model.
type NewModel struct {
	JobID        string
	Params       model.ModelParams
	ParamsHash   string
	ParticleHash string
	WorkerID     string
}

// InsertModel inserts a running model. When a model of the job already has
// the same params hash its id is returned with ours=false.
func (s *Store) InsertModel(ctx context.Context, m NewModel) (int64, bool, error) {
	if m.JobID == "" || m.ParamsHash == "" || m.ParticleHash == "" {
		return 0, false, errors.New("job id and hashes are required")
	}
	now := s.clock()
	rec, ours, err := s.backend.InsertModel(ctx, model.ModelRecord{
		JobID:        m.JobID,
		Params:       m.Params,
		ParamsHash:   m.ParamsHash,
		ParticleHash: m.ParticleHash,
		Status:       model.ModelRunning,
		WorkerID:     m.WorkerID,
		StartTime:    now,
		LastUpdate:   now,
	})
	if err != nil {
		return 0, false, fmt.Errorf("insert model: %w", err)
	}
	return rec.ID, ours, nil
}

func (s *Store) GetModel(ctx context.Context, id int64) (model.ModelRecord, error) {
	rec, ok, err := s.backend.GetModel(ctx, id)
	if err != nil {
		return model.ModelRecord{}, err
	}
	if !ok {
		return model.ModelRecord{}, fmt.Errorf("model %d: %w", id, ErrModelNotFound)
	}
	return rec, nil
}

// GetModels fetches the given models in the order requested.
func (s *Store) GetModels(ctx context.Context, ids []int64) ([]model.ModelRecord, error) {
	out := make([]model.ModelRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetModel(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListModels returns every model of the job in id order.
func (s *Store) ListModels(ctx context.Context, jobID string) ([]model.ModelRecord, error) {
	return s.backend.ListModels(ctx, jobID)
}

type ModelCounter struct {
	ID            int64
	UpdateCounter int64
}

// GetModelUpdateCounters lets a worker find the models changed since it last looked.
func (s *Store) GetModelUpdateCounters(ctx context.Context, jobID string) ([]ModelCounter, error) {
	recs, err := s.backend.ListModels(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]ModelCounter, len(recs))
	for i, rec := range recs {
		out[i] = ModelCounter{ID: rec.ID, UpdateCounter: rec.UpdateCounter}
	}
	return out, nil
}

// mutateModel applies fn to the current record and swaps it in, retrying
// when another writer got there first. fn reports whether it changed rec.
func (s *Store) mutateModel(ctx context.Context, id int64, fn func(rec *model.ModelRecord) (bool, error)) (bool, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, err := s.GetModel(ctx, id)
		if err != nil {
			return false, err
		}
		next := cur
		changed, err := fn(&next)
		if err != nil {
			return false, err
		}
		if !changed {
			return false, nil
		}
		ok, err := s.backend.CompareAndSwapModel(ctx, next, cur.UpdateCounter)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		s.logger.Debug("model changed concurrently, retrying", "model", id, "attempt", attempt+1)
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return false, fmt.Errorf("model %d: %w", id, ErrTooManyRetries)
}

// Progress is one results report for a running model.
type Progress struct {
	Results    model.ModelResults
	NumRecords int
	Matured    bool
	// Metric is the lower-is-better value of the optimize metric.
	Metric *float64
}

// UpdateModelResults records progress and refreshes the model's last update
// time, which keeps it from being adopted as an orphan.
func (s *Store) UpdateModelResults(ctx context.Context, id int64, p Progress) error {
	_, err := s.mutateModel(ctx, id, func(rec *model.ModelRecord) (bool, error) {
		res := p.Results
		rec.Results = &res
		rec.NumRecords = p.NumRecords
		rec.Matured = rec.Matured || p.Matured
		if p.Metric != nil {
			v := *p.Metric
			rec.OptimizedMetric = &v
		}
		rec.LastUpdate = s.clock()
		return true, nil
	})
	return err
}

// ModelPatch names the model fields SetModelFields may change. Nil fields are left alone.
type ModelPatch struct {
	ParamsHash   *string
	ParticleHash *string
	EngStop      *model.StopReason
}

// SetModelFields applies patch. A hash already used by another model of the
// job fails with ErrDuplicateHash.
func (s *Store) SetModelFields(ctx context.Context, id int64, patch ModelPatch, ignoreUnchanged bool) error {
	changed, err := s.mutateModel(ctx, id, func(rec *model.ModelRecord) (bool, error) {
		changed := false
		if patch.ParamsHash != nil && rec.ParamsHash != *patch.ParamsHash {
			rec.ParamsHash = *patch.ParamsHash
			changed = true
		}
		if patch.ParticleHash != nil && rec.ParticleHash != *patch.ParticleHash {
			rec.ParticleHash = *patch.ParticleHash
			changed = true
		}
		if patch.EngStop != nil && rec.EngStop != *patch.EngStop {
			rec.EngStop = *patch.EngStop
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return err
	}
	if !changed && !ignoreUnchanged {
		return fmt.Errorf("model %d: %w", id, ErrUnchanged)
	}
	return nil
}

// SetModelCompleted marks a model finished. A model that is already
// completed keeps its first completion.
func (s *Store) SetModelCompleted(ctx context.Context, id int64, reason model.CompletionReason, msg string, cpuTime float64) error {
	_, err := s.mutateModel(ctx, id, func(rec *model.ModelRecord) (bool, error) {
		if rec.IsCompleted() {
			return false, nil
		}
		now := s.clock()
		rec.Status = model.ModelCompleted
		rec.CompletionReason = reason
		rec.CompletionMsg = msg
		rec.CPUTime = cpuTime
		rec.EndTime = now
		rec.LastUpdate = now
		return true, nil
	})
	return err
}

// AdoptNextOrphanModel claims the lowest-id running model of the job that
// has not been updated for interval. Claiming touches its update time, so
// a second caller will not adopt the same model.
func (s *Store) AdoptNextOrphanModel(ctx context.Context, jobID string, interval time.Duration) (int64, bool, error) {
	recs, err := s.backend.ListModels(ctx, jobID)
	if err != nil {
		return 0, false, err
	}
	for _, rec := range recs {
		if rec.IsCompleted() {
			continue
		}
		cutoff := s.clock().Add(-interval)
		if rec.LastUpdate.After(cutoff) {
			continue
		}
		now := s.clock()
		ok, err := s.backend.CompareAndSwapModel(ctx, withLastUpdate(rec, now), rec.UpdateCounter)
		if err != nil {
			return 0, false, err
		}
		if ok {
			s.logger.Info("adopted orphaned model", "job", jobID, "model", rec.ID,
				"idle", now.Sub(rec.LastUpdate).Round(time.Second).String())
			return rec.ID, true, nil
		}
	}
	return 0, false, nil
}

func withLastUpdate(rec model.ModelRecord, t time.Time) model.ModelRecord {
	rec.LastUpdate = t
	return rec
}

// GetCandidateModels returns the models with at least minNumRecords records
// and a metric, best first, along with the best metric.
func (s *Store) GetCandidateModels(ctx context.Context, jobID string, minNumRecords int) ([]int64, *float64, error) {
	recs, err := s.backend.ListModels(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	var candidates []model.ModelRecord
	for _, rec := range recs {
		if rec.OptimizedMetric == nil || rec.NumRecords < minNumRecords {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return *candidates[i].OptimizedMetric < *candidates[j].OptimizedMetric
	})
	ids := make([]int64, len(candidates))
	for i, rec := range candidates {
		ids[i] = rec.ID
	}
	best := *candidates[0].OptimizedMetric
	return ids, &best, nil
}
