package hsstate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type counter struct {
	N int `json:"n"`
}

func TestMutateSavesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	store := newFakeFields()
	doc := NewJSONField[counter](store, "job", "counter")

	out, err := Mutate(ctx, doc, Retry{}, nil, func(c *counter, v Version) (bool, error) {
		assert.False(t, v.Exists)
		return false, nil
	})
	require.NoError(t, err)
	assert.False(t, out.Version.Exists)
	assert.Zero(t, store.sets)

	out, err = Mutate(ctx, doc, Retry{}, nil, func(c *counter, _ Version) (bool, error) {
		c.N++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, out.Version.Token)
	assert.Equal(t, 1, out.Value.N)
}

func TestMutateReappliesAfterLostRace(t *testing.T) {
	ctx := context.Background()
	store := newFakeFields()
	doc := NewJSONField[counter](store, "job", "counter")
	_, err := Mutate(ctx, doc, Retry{}, nil, func(c *counter, _ Version) (bool, error) {
		c.N = 10
		return true, nil
	})
	require.NoError(t, err)

	store.beforeSet = func() {
		store.values["job/counter"] = `{"n":20}`
	}
	calls := 0
	out, err := Mutate(ctx, doc, Retry{Limiter: rate.NewLimiter(rate.Inf, 1)}, nil, func(c *counter, _ Version) (bool, error) {
		calls++
		c.N++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 21, out.Value.N)
}

func TestMutateGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newFakeFields()
	store.values["job/counter"] = `{"n":1}`
	doc := NewJSONField[counter](store, "job", "counter")

	stale := &Versioned[counter]{Value: counter{N: 1}, Version: Version{Token: "stale", Exists: true}}
	var conflicts []int
	retry := Retry{MaxAttempts: 1, OnConflict: func(n int) { conflicts = append(conflicts, n) }}
	_, err := Mutate(ctx, doc, retry, stale, func(c *counter, _ Version) (bool, error) {
		c.N++
		return true, nil
	})
	assert.ErrorIs(t, err, ErrTooManyConflicts)
	assert.Equal(t, []int{1}, conflicts)
	assert.Equal(t, `{"n":1}`, store.values["job/counter"])
}

func TestMutateStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := newFakeFields()
	store.values["job/counter"] = `{"n":1}`
	doc := NewJSONField[counter](store, "job", "counter")
	stale := &Versioned[counter]{Version: Version{Token: "stale", Exists: true}}
	cancel()
	_, err := Mutate(ctx, doc, Retry{}, stale, func(c *counter, _ Version) (bool, error) {
		return true, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
