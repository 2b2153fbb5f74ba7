package hsstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

var ErrTooManyConflicts = errors.New("too many concurrent modifications")

// JobFields is the compare-and-swap contract of the job store.
type JobFields interface {
	GetJobField(ctx context.Context, jobID, field string) (string, bool, error)
	// SetJobFieldIfEqual writes value only if the field currently equals
	// *expected, or is unset when expected is nil.
	SetJobFieldIfEqual(ctx context.Context, jobID, field, value string, expected *string) (bool, error)
}

// Version identifies the stored form a document was loaded from.
type Version struct {
	Token  string
	Exists bool
	// Garbled is set when the stored value could not be decoded.
	Garbled bool
}

// Document is a value persisted with optimistic concurrency.
type Document[T any] interface {
	Load(ctx context.Context) (T, Version, error)
	TrySave(ctx context.Context, value T, expected Version) (Version, bool, error)
}

// Versioned pairs a value with the version it was loaded or saved as.
type Versioned[T any] struct {
	Value   T
	Version Version
}

// JSONField stores a JSON encoded value in one job field. The version token
// is the exact serialized string.
type JSONField[T any] struct {
	store JobFields
	jobID string
	field string
}

func NewJSONField[T any](store JobFields, jobID, field string) *JSONField[T] {
	return &JSONField[T]{store: store, jobID: jobID, field: field}
}

func (d *JSONField[T]) Load(ctx context.Context) (T, Version, error) {
	var value T
	raw, ok, err := d.store.GetJobField(ctx, d.jobID, d.field)
	if err != nil {
		return value, Version{}, fmt.Errorf("load %s: %w", d.field, err)
	}
	if !ok {
		return value, Version{}, nil
	}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		var zero T
		return zero, Version{Token: raw, Exists: true, Garbled: true}, nil
	}
	return value, Version{Token: raw, Exists: true}, nil
}

func (d *JSONField[T]) TrySave(ctx context.Context, value T, expected Version) (Version, bool, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Version{}, false, fmt.Errorf("encode %s: %w", d.field, err)
	}
	var want *string
	if expected.Exists {
		token := expected.Token
		want = &token
	}
	token := string(payload)
	ok, err := d.store.SetJobFieldIfEqual(ctx, d.jobID, d.field, token, want)
	if err != nil {
		return Version{}, false, fmt.Errorf("save %s: %w", d.field, err)
	}
	if !ok {
		return Version{}, false, nil
	}
	return Version{Token: token, Exists: true}, true, nil
}

// Retry paces and bounds the retries of Mutate.
type Retry struct {
	// Limiter paces reloads after a lost race. Nil means no pacing.
	Limiter *rate.Limiter
	// MaxAttempts bounds the number of saves. 0 means unlimited.
	MaxAttempts int
	// OnConflict is called after each lost race.
	OnConflict func(attempt int)
}

// Mutate applies fn and saves the result when fn reports a change. When
// the save loses a race the document is reloaded and fn runs again on the
// fresh value. A nil start loads the document first.
func Mutate[T any](ctx context.Context, doc Document[T], retry Retry, start *Versioned[T], fn func(value *T, version Version) (bool, error)) (Versioned[T], error) {
	var cur Versioned[T]
	if start != nil {
		cur = *start
	} else {
		v, ver, err := doc.Load(ctx)
		if err != nil {
			return cur, err
		}
		cur = Versioned[T]{Value: v, Version: ver}
	}

	for attempt := 1; ; attempt++ {
		changed, err := fn(&cur.Value, cur.Version)
		if err != nil {
			return cur, err
		}
		if !changed {
			return cur, nil
		}
		ver, ok, err := doc.TrySave(ctx, cur.Value, cur.Version)
		if err != nil {
			return cur, err
		}
		if ok {
			cur.Version = ver
			return cur, nil
		}
		if retry.OnConflict != nil {
			retry.OnConflict(attempt)
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return cur, ErrTooManyConflicts
		}
		if retry.Limiter != nil {
			if err := retry.Limiter.Wait(ctx); err != nil {
				return cur, err
			}
		} else if err := ctx.Err(); err != nil {
			return cur, err
		}
		v, ver, err := doc.Load(ctx)
		if err != nil {
			return cur, err
		}
		cur = Versioned[T]{Value: v, Version: ver}
	}
}
