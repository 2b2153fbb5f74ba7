package particle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypersearch/internal/model"
	"hypersearch/internal/permute"
	"hypersearch/internal/results"
)

func testEnv(t *testing.T, db *results.DB) Env {
	t.Helper()
	cfg := permute.DefaultPSOConfig()
	lr, err := permute.NewFloat(0.001, 0.1, 0, cfg)
	require.NoError(t, err)
	resA, err := permute.NewInt(10, 100, 5, cfg)
	require.NoError(t, err)
	resB, err := permute.NewInt(10, 100, 5, cfg)
	require.NoError(t, err)
	kind, err := permute.NewChoice([]any{"temporal", "nontemporal"}, false)
	require.NoError(t, err)
	return Env{
		Vars: map[string]permute.Variable{
			"learningRate":  lr,
			"A:resolution":  resA,
			"B:resolution":  resB,
			"inferenceType": kind,
		},
		Results: db,
		IDs:     NewIDGenerator("w1", 0),
		Seed:    42,
	}
}

func record(t *testing.T, db *results.DB, id int64, state model.ParticleState, score float64) {
	t.Helper()
	_, err := db.Update(results.Update{
		ModelID:    id,
		Params:     &model.ModelParams{ParticleState: state},
		ParamsHash: state.ID + "/" + string(rune('a'+id)),
	})
	require.NoError(t, err)
	_, err = db.Update(results.Update{
		ModelID:          id,
		ParamsHash:       state.ID + "/" + string(rune('a'+id)),
		Metric:           &score,
		Completed:        true,
		CompletionReason: model.CompletionEOF,
	})
	require.NoError(t, err)
}

func TestNewFreshFiltersEncoderVars(t *testing.T) {
	db := results.New(results.Options{MinParticlesPerSwarm: 2})
	env := testEnv(t, db)

	p, err := NewFresh(env, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, "w1.0", p.ID())
	assert.Equal(t, 0, p.GenIdx())
	pos := p.Position()
	assert.Contains(t, pos, "A:resolution")
	assert.NotContains(t, pos, "B:resolution")
	assert.Contains(t, pos, "learningRate")
	assert.Contains(t, pos, "inferenceType")

	q, err := NewFresh(env, "A.B", []model.ParticleState{p.State()})
	require.NoError(t, err)
	assert.Equal(t, "w1.1", q.ID())
	assert.Contains(t, q.Position(), "B:resolution")
}

func TestNewFreshPushesAwayFromOthers(t *testing.T) {
	db := results.New(results.Options{MinParticlesPerSwarm: 2})
	env := testEnv(t, db)
	first, err := NewFresh(env, "A", nil)
	require.NoError(t, err)
	second, err := NewFresh(env, "A", []model.ParticleState{first.State()})
	require.NoError(t, err)
	assert.NotEqual(t, first.Position()["learningRate"], second.Position()["learningRate"])
	assert.NotEqual(t, first.Position()["inferenceType"], second.Position()["inferenceType"])
}

func TestNewFreshIsDeterministic(t *testing.T) {
	a, err := NewFresh(testEnv(t, results.New(results.Options{})), "A", nil)
	require.NoError(t, err)
	b, err := NewFresh(testEnv(t, results.New(results.Options{})), "A", nil)
	require.NoError(t, err)
	assert.Equal(t, a.State(), b.State())
}

func TestEvolveKeepsIDAndUsesParticleBest(t *testing.T) {
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	env := testEnv(t, db)
	p, err := NewFresh(env, "A", nil)
	require.NoError(t, err)
	state := p.State()
	record(t, db, 1, state, 0.25)

	next, err := Evolve(env, state)
	require.NoError(t, err)
	assert.Equal(t, state.ID, next.ID())
	assert.Equal(t, 1, next.GenIdx())
	assert.Equal(t, "A", next.SwarmID())

	lr := next.State().VarStates["learningRate"]
	require.NotNil(t, lr.BestResult)
	assert.Equal(t, 0.25, *lr.BestResult)
	assert.Equal(t, state.VarStates["learningRate"].Position, lr.BestPosition)
}

func TestCloneHoldsPositionAndGeneration(t *testing.T) {
	db := results.New(results.Options{MinParticlesPerSwarm: 1})
	env := testEnv(t, db)
	p, err := NewFresh(env, "A", nil)
	require.NoError(t, err)
	state := p.State()
	state.GenIdx = 3

	same, err := Clone(env, state, false)
	require.NoError(t, err)
	assert.Equal(t, state.ID, same.ID())
	assert.Equal(t, 3, same.GenIdx())
	assert.Equal(t, p.Position(), same.Position())

	fresh, err := Clone(env, state, true)
	require.NoError(t, err)
	assert.NotEqual(t, state.ID, fresh.ID())
	assert.Equal(t, p.Position(), fresh.Position())
}

func TestConstructorsRejectBadInput(t *testing.T) {
	db := results.New(results.Options{})
	env := testEnv(t, db)
	_, err := NewFresh(env, "", nil)
	assert.ErrorIs(t, err, ErrInvalidConstruction)
	_, err = Evolve(env, model.ParticleState{})
	assert.ErrorIs(t, err, ErrInvalidConstruction)
	_, err = NewFresh(Env{}, "A", nil)
	assert.ErrorIs(t, err, ErrInvalidConstruction)

	bad := model.ParticleState{ID: "x.0", SwarmID: "A", VarStates: map[string]model.VarState{
		"inferenceType": {RawPosition: "unknown", BestPosition: "unknown"},
	}}
	_, err = Clone(env, bad, false)
	assert.ErrorIs(t, err, ErrInvalidConstruction)
}

func TestCopyVarStatesPinsPosition(t *testing.T) {
	db := results.New(results.Options{})
	env := testEnv(t, db)
	src, err := NewFresh(env, "A", nil)
	require.NoError(t, err)
	dst, err := NewFresh(env, "A", []model.ParticleState{src.State()})
	require.NoError(t, err)

	require.NoError(t, dst.CopyEncoderStatesFrom(src.State()))
	require.NoError(t, dst.CopyVarStatesFrom(src.State(), []string{"inferenceType"}))
	assert.Equal(t, src.Position()["A:resolution"], dst.Position()["A:resolution"])
	assert.Equal(t, src.Position()["inferenceType"], dst.Position()["inferenceType"])
	assert.Equal(t, src.Position()["inferenceType"], dst.State().VarStates["inferenceType"].BestPosition)
}

func TestSwarmIDHelpers(t *testing.T) {
	assert.Equal(t, "A.B.C", SwarmID([]string{"C", "A", "B"}))
	assert.Equal(t, []string{"A", "B"}, EncoderNames("A.B"))
	assert.Nil(t, EncoderNames(""))
	assert.True(t, IsEncoderVar("A:n"))
	assert.False(t, IsEncoderVar("learningRate"))
}

func TestCopyEncoderStatesRestartsFromCopiedPosition(t *testing.T) {
	db := results.New(results.Options{})
	env := testEnv(t, db)
	dst, err := NewFresh(env, "A.B", nil)
	require.NoError(t, err)

	best := 0.2
	src := model.ParticleState{
		ID:      "w2.4",
		GenIdx:  3,
		SwarmID: "A",
		VarStates: map[string]model.VarState{
			"A:resolution": {RawPosition: 37.3, Position: 35, Velocity: 9, BestPosition: 80, BestResult: &best},
			"learningRate": {RawPosition: 0.09, Position: 0.09, Velocity: 0.01, BestPosition: 0.09},
		},
	}
	require.NoError(t, dst.CopyEncoderStatesFrom(src))

	vs := dst.State().VarStates["A:resolution"]
	assert.Equal(t, 35.0, vs.RawPosition)
	assert.Equal(t, 35, vs.Position)
	assert.Equal(t, 35, vs.BestPosition)
	assert.Nil(t, vs.BestResult)
	assert.InDelta(t, 18.0, math.Abs(vs.Velocity), 1e-9)
	assert.NotEqual(t, 0.09, dst.State().VarStates["learningRate"].RawPosition, "non-encoder vars are left alone")
}
