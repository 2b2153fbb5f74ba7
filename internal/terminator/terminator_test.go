package terminator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypersearch/internal/model"
)

func newTerminator(t *testing.T, cfg Config) *Terminator {
	t.Helper()
	term, err := New(cfg, nil)
	require.NoError(t, err)
	return term
}

func TestLosingSwarmTerminatedAtGenerationZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaturityWindow = 1
	term := newTerminator(t, cfg)

	out, err := term.RecordDataPoint("A", 0, 1.0)
	require.NoError(t, err)
	assert.Empty(t, out)

	// Within (1+1/1) * 1.0.
	out, err = term.RecordDataPoint("C", 0, 1.5)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = term.RecordDataPoint("B", 0, 2.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, out)
	assert.True(t, term.IsTerminated("B"))

	// Once terminated, B is not reported again.
	out, err = term.RecordDataPoint("D", 0, 1.2)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTooEarlyToTerminate(t *testing.T) {
	term := newTerminator(t, DefaultConfig())
	_, err := term.RecordDataPoint("A", 0, 1.0)
	require.NoError(t, err)
	out, err := term.RecordDataPoint("B", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 1, term.NumDataPoints("B"))
}

func TestGenerationsMustBeSequential(t *testing.T) {
	term := newTerminator(t, DefaultConfig())
	_, err := term.RecordDataPoint("A", 1, 1.0)
	assert.ErrorIs(t, err, ErrNonSequentialGeneration)

	_, err = term.RecordDataPoint("A", 0, 1.0)
	require.NoError(t, err)
	_, err = term.RecordDataPoint("A", 0, 1.0)
	assert.ErrorIs(t, err, ErrNonSequentialGeneration)
}

func TestStagnantSwarmMatures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaturityWindow = 2
	term := newTerminator(t, cfg)

	scores := []model.Score{0.5, 0.6, 0.7}
	var out []string
	var err error
	for gen, s := range scores {
		out, err = term.RecordDataPoint("A", gen, s)
		require.NoError(t, err)
		if gen < 2 {
			assert.Empty(t, out)
		}
	}
	// bests = [0.5 0.5 0.5]; bests[2] == bests[0].
	assert.Equal(t, []string{"A"}, out)
}

func TestImprovingSwarmKeepsRunning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaturityWindow = 2
	term := newTerminator(t, cfg)
	for gen, s := range []model.Score{0.5, 0.4, 0.3, 0.2} {
		out, err := term.RecordDataPoint("A", gen, s)
		require.NoError(t, err)
		assert.Empty(t, out)
	}
}

func TestMaxGenerations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaturityWindow = 1
	cfg.MaxGenerations = 2
	cfg.Enabled = false
	term := newTerminator(t, cfg)
	for gen := 0; gen <= 2; gen++ {
		out, err := term.RecordDataPoint("A", gen, model.Score(1-float64(gen)/10))
		require.NoError(t, err)
		assert.Empty(t, out)
	}
	out, err := term.RecordDataPoint("A", 3, 0.1)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, out)
}

func TestNoScoreSwarmLosesToScoredSwarm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaturityWindow = 1
	term := newTerminator(t, cfg)
	out, err := term.RecordDataPoint("A", 0, model.NoScore)
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = term.RecordDataPoint("B", 0, 0.3)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, out)
}

func TestMilestonesClampToLastEntry(t *testing.T) {
	term := newTerminator(t, DefaultConfig())
	assert.InDelta(t, 1.0/12, term.tolerance(40), 1e-12)
	assert.Equal(t, 1.0, term.tolerance(0))
}

// Maximized metrics are negated into error scores. The cross-swarm limit
// (1+tol)*best then falls below the best score itself, so every swarm is
// cut as soon as the first window has matured.
func TestNegativeErrScoresTerminateEverySwarmAfterFirstWindow(t *testing.T) {
	term := newTerminator(t, DefaultConfig())
	for gen := 0; gen < 4; gen++ {
		out, err := term.RecordDataPoint("A", gen, model.Score(-0.5-0.1*float64(gen)))
		require.NoError(t, err)
		assert.Empty(t, out)
		out, err = term.RecordDataPoint("B", gen, model.Score(-0.4-0.1*float64(gen)))
		require.NoError(t, err)
		assert.Empty(t, out)
	}

	// A is the best swarm and still improving.
	out, err := term.RecordDataPoint("A", 4, -0.9)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, out)

	out, err = term.RecordDataPoint("B", 4, -0.8)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, out)
	assert.True(t, term.IsTerminated("A"))
	assert.True(t, term.IsTerminated("B"))
}
