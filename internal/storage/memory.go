package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hypersearch/internal/model"
)

// MemoryStore keeps encoded records in process memory. Workers sharing one
// MemoryStore behave like workers sharing a database.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	fields      map[string]string
	models      map[int64][]byte
	byJob       map[string][]int64
	paramsIdx   map[string]int64
	particleIdx map[string]int64
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.fields = make(map[string]string)
	s.models = make(map[int64][]byte)
	s.byJob = make(map[string][]int64)
	s.paramsIdx = make(map[string]int64)
	s.particleIdx = make(map[string]int64)
	return nil
}

func (s *MemoryStore) GetJobField(_ context.Context, jobID, field string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return "", false, ErrNotInitialized
	}
	v, ok := s.fields[hashKey(jobID, field)]
	return v, ok, nil
}

func (s *MemoryStore) CompareAndSwapJobField(_ context.Context, jobID, field, value string, expected *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, ErrNotInitialized
	}
	key := hashKey(jobID, field)
	cur, ok := s.fields[key]
	switch {
	case expected == nil && ok:
		return false, nil
	case expected != nil && (!ok || cur != *expected):
		return false, nil
	}
	s.fields[key] = value
	return true, nil
}

func (s *MemoryStore) InsertModel(_ context.Context, rec model.ModelRecord) (model.ModelRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.ModelRecord{}, false, ErrNotInitialized
	}
	if id, ok := s.paramsIdx[hashKey(rec.JobID, rec.ParamsHash)]; ok {
		existing, err := DecodeModel(s.models[id])
		if err != nil {
			return model.ModelRecord{}, false, fmt.Errorf("decode model %d: %w", id, err)
		}
		return existing, false, nil
	}
	if _, ok := s.particleIdx[hashKey(rec.JobID, rec.ParticleHash)]; ok {
		return model.ModelRecord{}, false, ErrDuplicateHash
	}

	s.nextID++
	rec.ID = s.nextID
	rec.UpdateCounter = 0
	stamp(&rec)
	payload, err := EncodeModel(rec)
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	s.models[rec.ID] = payload
	s.byJob[rec.JobID] = append(s.byJob[rec.JobID], rec.ID)
	s.paramsIdx[hashKey(rec.JobID, rec.ParamsHash)] = rec.ID
	s.particleIdx[hashKey(rec.JobID, rec.ParticleHash)] = rec.ID
	return rec, true, nil
}

func (s *MemoryStore) GetModel(_ context.Context, id int64) (model.ModelRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.ModelRecord{}, false, ErrNotInitialized
	}
	payload, ok := s.models[id]
	if !ok {
		return model.ModelRecord{}, false, nil
	}
	rec, err := DecodeModel(payload)
	if err != nil {
		return model.ModelRecord{}, false, fmt.Errorf("decode model %d: %w", id, err)
	}
	return rec, true, nil
}

func (s *MemoryStore) ListModels(_ context.Context, jobID string) ([]model.ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	ids := append([]int64(nil), s.byJob[jobID]...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]model.ModelRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := DecodeModel(s.models[id])
		if err != nil {
			return nil, fmt.Errorf("decode model %d: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) CompareAndSwapModel(_ context.Context, rec model.ModelRecord, expectedCounter int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, ErrNotInitialized
	}
	payload, ok := s.models[rec.ID]
	if !ok {
		return false, fmt.Errorf("model %d: %w", rec.ID, ErrModelNotFound)
	}
	cur, err := DecodeModel(payload)
	if err != nil {
		return false, fmt.Errorf("decode model %d: %w", rec.ID, err)
	}
	if cur.UpdateCounter != expectedCounter {
		return false, nil
	}
	rec.JobID = cur.JobID
	if id, ok := s.paramsIdx[hashKey(rec.JobID, rec.ParamsHash)]; ok && id != rec.ID {
		return false, ErrDuplicateHash
	}
	if id, ok := s.particleIdx[hashKey(rec.JobID, rec.ParticleHash)]; ok && id != rec.ID {
		return false, ErrDuplicateHash
	}

	rec.UpdateCounter = expectedCounter + 1
	stamp(&rec)
	next, err := EncodeModel(rec)
	if err != nil {
		return false, err
	}
	delete(s.paramsIdx, hashKey(cur.JobID, cur.ParamsHash))
	delete(s.particleIdx, hashKey(cur.JobID, cur.ParticleHash))
	s.paramsIdx[hashKey(rec.JobID, rec.ParamsHash)] = rec.ID
	s.particleIdx[hashKey(rec.JobID, rec.ParticleHash)] = rec.ID
	s.models[rec.ID] = next
	return true, nil
}
