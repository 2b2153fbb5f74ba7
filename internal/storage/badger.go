package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"hypersearch/internal/model"
)

const badgerTxnRetries = 16

var modelSequenceKey = []byte("seq/models")

// BadgerStore persists to an embedded badger database. An empty path opens
// an in-memory database.
type BadgerStore struct {
	path string

	mu  sync.RWMutex
	db  *badger.DB
	seq *badger.Sequence
}

func NewBadgerStore(path string) *BadgerStore {
	return &BadgerStore{path: path}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	opts := badger.DefaultOptions(s.path).WithLogger(nil)
	if s.path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return err
	}
	seq, err := db.GetSequence(modelSequenceKey, 64)
	if err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	s.seq = seq
	return nil
}

func fieldKey(jobID, field string) []byte {
	return []byte("j/" + jobID + "/" + field)
}

func modelKey(id int64) []byte {
	key := make([]byte, 2, 10)
	copy(key, "m/")
	return binary.BigEndian.AppendUint64(key, uint64(id))
}

func paramsHashKey(jobID, hash string) []byte {
	return []byte("h/" + jobID + "/p/" + hash)
}

func particleHashKey(jobID, hash string) []byte {
	return []byte("h/" + jobID + "/q/" + hash)
}

func jobModelPrefix(jobID string) []byte {
	return []byte("x/" + jobID + "/")
}

func jobModelKey(jobID string, id int64) []byte {
	return binary.BigEndian.AppendUint64(jobModelPrefix(jobID), uint64(id))
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	db, _, err := s.getDB()
	if err != nil {
		return err
	}
	for i := 0; ; i++ {
		err := db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || i >= badgerTxnRetries {
			return err
		}
	}
}

func getValue(txn *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func getModelID(txn *badger.Txn, key []byte) (int64, bool, error) {
	v, ok, err := getValue(txn, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	id, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt model index %q: %w", key, err)
	}
	return id, true, nil
}

func (s *BadgerStore) GetJobField(_ context.Context, jobID, field string) (string, bool, error) {
	db, _, err := s.getDB()
	if err != nil {
		return "", false, err
	}
	var value []byte
	var ok bool
	err = db.View(func(txn *badger.Txn) error {
		var err error
		value, ok, err = getValue(txn, fieldKey(jobID, field))
		return err
	})
	return string(value), ok, err
}

func (s *BadgerStore) CompareAndSwapJobField(_ context.Context, jobID, field, value string, expected *string) (bool, error) {
	var swapped bool
	err := s.update(func(txn *badger.Txn) error {
		swapped = false
		key := fieldKey(jobID, field)
		cur, ok, err := getValue(txn, key)
		if err != nil {
			return err
		}
		if expected == nil && ok {
			return nil
		}
		if expected != nil && (!ok || string(cur) != *expected) {
			return nil
		}
		swapped = true
		return txn.Set(key, []byte(value))
	})
	return swapped, err
}

func (s *BadgerStore) InsertModel(_ context.Context, rec model.ModelRecord) (model.ModelRecord, bool, error) {
	_, seq, err := s.getDB()
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	var stored model.ModelRecord
	var ours bool
	err = s.update(func(txn *badger.Txn) error {
		ours = false
		id, ok, err := getModelID(txn, paramsHashKey(rec.JobID, rec.ParamsHash))
		if err != nil {
			return err
		}
		if ok {
			payload, _, err := getValue(txn, modelKey(id))
			if err != nil {
				return err
			}
			stored, err = DecodeModel(payload)
			return err
		}
		if _, ok, err := getModelID(txn, particleHashKey(rec.JobID, rec.ParticleHash)); err != nil {
			return err
		} else if ok {
			return ErrDuplicateHash
		}

		n, err := seq.Next()
		if err != nil {
			return err
		}
		next := rec
		next.ID = int64(n) + 1
		next.UpdateCounter = 0
		stamp(&next)
		payload, err := EncodeModel(next)
		if err != nil {
			return err
		}
		idText := []byte(strconv.FormatInt(next.ID, 10))
		for _, kv := range []struct{ k, v []byte }{
			{modelKey(next.ID), payload},
			{paramsHashKey(next.JobID, next.ParamsHash), idText},
			{particleHashKey(next.JobID, next.ParticleHash), idText},
			{jobModelKey(next.JobID, next.ID), nil},
		} {
			if err := txn.Set(kv.k, kv.v); err != nil {
				return err
			}
		}
		stored, ours = next, true
		return nil
	})
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	return stored, ours, nil
}

func (s *BadgerStore) GetModel(_ context.Context, id int64) (model.ModelRecord, bool, error) {
	db, _, err := s.getDB()
	if err != nil {
		return model.ModelRecord{}, false, err
	}
	var payload []byte
	var ok bool
	err = db.View(func(txn *badger.Txn) error {
		var err error
		payload, ok, err = getValue(txn, modelKey(id))
		return err
	})
	if err != nil || !ok {
		return model.ModelRecord{}, false, err
	}
	rec, err := DecodeModel(payload)
	if err != nil {
		return model.ModelRecord{}, false, fmt.Errorf("decode model %d: %w", id, err)
	}
	return rec, true, nil
}

func (s *BadgerStore) ListModels(_ context.Context, jobID string) ([]model.ModelRecord, error) {
	db, _, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var out []model.ModelRecord
	err = db.View(func(txn *badger.Txn) error {
		prefix := jobModelPrefix(jobID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			id := int64(binary.BigEndian.Uint64(key[len(prefix):]))
			payload, ok, err := getValue(txn, modelKey(id))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			rec, err := DecodeModel(payload)
			if err != nil {
				return fmt.Errorf("decode model %d: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) CompareAndSwapModel(_ context.Context, rec model.ModelRecord, expectedCounter int64) (bool, error) {
	var swapped bool
	err := s.update(func(txn *badger.Txn) error {
		swapped = false
		payload, ok, err := getValue(txn, modelKey(rec.ID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("model %d: %w", rec.ID, ErrModelNotFound)
		}
		cur, err := DecodeModel(payload)
		if err != nil {
			return fmt.Errorf("decode model %d: %w", rec.ID, err)
		}
		if cur.UpdateCounter != expectedCounter {
			return nil
		}
		next := rec
		next.JobID = cur.JobID
		for _, key := range [][]byte{paramsHashKey(next.JobID, next.ParamsHash), particleHashKey(next.JobID, next.ParticleHash)} {
			id, ok, err := getModelID(txn, key)
			if err != nil {
				return err
			}
			if ok && id != next.ID {
				return ErrDuplicateHash
			}
		}
		next.UpdateCounter = expectedCounter + 1
		stamp(&next)
		encoded, err := EncodeModel(next)
		if err != nil {
			return err
		}
		if err := txn.Delete(paramsHashKey(cur.JobID, cur.ParamsHash)); err != nil {
			return err
		}
		if err := txn.Delete(particleHashKey(cur.JobID, cur.ParticleHash)); err != nil {
			return err
		}
		idText := []byte(strconv.FormatInt(next.ID, 10))
		if err := txn.Set(paramsHashKey(next.JobID, next.ParamsHash), idText); err != nil {
			return err
		}
		if err := txn.Set(particleHashKey(next.JobID, next.ParticleHash), idText); err != nil {
			return err
		}
		if err := txn.Set(modelKey(next.ID), encoded); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	releaseErr := s.seq.Release()
	err := s.db.Close()
	s.db, s.seq = nil, nil
	return errors.Join(releaseErr, err)
}

func (s *BadgerStore) getDB() (*badger.DB, *badger.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, nil, ErrNotInitialized
	}
	return s.db, s.seq, nil
}
