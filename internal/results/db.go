// Package results indexes every model evaluation a worker has seen for a job.
//
// A DB is confined to one coordination loop and is not safe for concurrent use.
package results

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"hypersearch/internal/model"
	"hypersearch/internal/permute"
)

var (
	ErrMissingParams         = errors.New("model params are required on first update")
	ErrParamsAlreadyRecorded = errors.New("model params may only be supplied on first update")
	ErrMissingParamsHash     = errors.New("params hash is required")
)

type Options struct {
	Maximize             bool
	MinParticlesPerSwarm int
	Logger               *slog.Logger
}

// Update is one progress report for a model.
type Update struct {
	ModelID          int64
	Params           *model.ModelParams
	ParamsHash       string
	Metric           *float64
	Completed        bool
	CompletionReason model.CompletionReason
	Matured          bool
	NumRecords       int
}

type entry struct {
	modelID    int64
	params     model.ModelParams
	paramsHash string
	errScore   model.Score
	completed  bool
	matured    bool
	numRecords int
	hidden     bool
}

// ParticleInfo is one row of a particle query.
type ParticleInfo struct {
	State     model.ParticleState
	ModelID   int64
	ErrScore  model.Score
	Completed bool
	Matured   bool
}

// Filter selects rows in ParticleInfos. Nil fields match anything.
type Filter struct {
	SwarmID        string
	GenIdx         *int
	Completed      *bool
	Matured        *bool
	LastDescendant bool
}

// SwarmGeneration is a swarm generation whose particles have all matured.
type SwarmGeneration struct {
	SwarmID   string
	GenIdx    int
	BestScore model.Score
}

// ChoiceResults groups the scores observed for one choice value.
type ChoiceResults struct {
	Value  any
	Scores []float64
}

type genBest struct {
	modelID int64
	score   model.Score
}

type swarmGen struct {
	swarmID string
	genIdx  int
}

type particleBest struct {
	score    model.Score
	position map[string]any
}

type DB struct {
	maximize     bool
	minParticles int
	logger       *slog.Logger

	all             []*entry
	byModelID       map[int64]int
	byParamsHash    map[string]int
	bySwarm         map[string][]int
	errModels       map[int64]struct{}
	completedModels map[int64]struct{}

	bestModelID int64
	bestScore   model.Score

	swarmBests       map[string][]genBest
	particlesPerGen  map[string][]int
	modifiedGens     map[swarmGen]struct{}
	maturedGens      map[swarmGen]struct{}
	particleBests    map[string]particleBest
	particleLatestGn map[string]int
}

func New(opts Options) *DB {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DB{
		maximize:         opts.Maximize,
		minParticles:     opts.MinParticlesPerSwarm,
		logger:           logger,
		byModelID:        make(map[int64]int),
		byParamsHash:     make(map[string]int),
		bySwarm:          make(map[string][]int),
		errModels:        make(map[int64]struct{}),
		completedModels:  make(map[int64]struct{}),
		bestScore:        model.NoScore,
		swarmBests:       make(map[string][]genBest),
		particlesPerGen:  make(map[string][]int),
		modifiedGens:     make(map[swarmGen]struct{}),
		maturedGens:      make(map[swarmGen]struct{}),
		particleBests:    make(map[string]particleBest),
		particleLatestGn: make(map[string]int),
	}
}

// Update records a progress report and returns the canonical error score.
func (db *DB) Update(u Update) (model.Score, error) {
	if u.ParamsHash == "" {
		return model.NoScore, ErrMissingParamsHash
	}
	matured := u.Matured || u.Completed

	errScore := model.NoScore
	if u.Metric != nil && matured &&
		(u.CompletionReason == model.CompletionEOF || u.CompletionReason == model.CompletionStopped) {
		errScore = model.Score(*u.Metric)
		if db.maximize {
			errScore = -errScore
		}
	}
	hidden := u.Completed && u.CompletionReason == model.CompletionOrphan
	if hidden {
		errScore = model.NoScore
	}

	idx, known := db.byModelID[u.ModelID]
	if !known && u.Params == nil {
		return model.NoScore, fmt.Errorf("model %d: %w", u.ModelID, ErrMissingParams)
	}
	if known && u.Params != nil {
		return model.NoScore, fmt.Errorf("model %d: %w", u.ModelID, ErrParamsAlreadyRecorded)
	}

	if errScore.Better(db.bestScore) {
		db.bestScore = errScore
		db.bestModelID = u.ModelID
	}
	if u.Completed {
		db.completedModels[u.ModelID] = struct{}{}
		if u.CompletionReason == model.CompletionError {
			db.errModels[u.ModelID] = struct{}{}
		}
	}

	var e *entry
	wasHidden := false
	if !known {
		e = &entry{
			modelID:    u.ModelID,
			params:     *u.Params,
			paramsHash: u.ParamsHash,
			errScore:   errScore,
			completed:  u.Completed,
			matured:    matured,
			numRecords: u.NumRecords,
			hidden:     hidden,
		}
		db.all = append(db.all, e)
		idx = len(db.all) - 1
		db.byModelID[u.ModelID] = idx
		db.byParamsHash[u.ParamsHash] = idx
		if !hidden {
			ps := e.params.ParticleState
			db.bySwarm[ps.SwarmID] = append(db.bySwarm[ps.SwarmID], idx)
			counts := db.particlesPerGen[ps.SwarmID]
			for len(counts) <= ps.GenIdx {
				counts = append(counts, 0)
			}
			counts[ps.GenIdx]++
			db.particlesPerGen[ps.SwarmID] = counts
		}
	} else {
		e = db.all[idx]
		wasHidden = e.hidden
		if e.paramsHash != u.ParamsHash {
			delete(db.byParamsHash, e.paramsHash)
			db.byParamsHash[u.ParamsHash] = idx
			e.paramsHash = u.ParamsHash
		}
		ps := e.params.ParticleState
		if hidden && !wasHidden {
			db.removeFromSwarm(ps.SwarmID, idx)
			if counts := db.particlesPerGen[ps.SwarmID]; ps.GenIdx < len(counts) {
				counts[ps.GenIdx]--
			}
		}
		e.errScore = errScore
		e.completed = u.Completed
		e.matured = matured
		e.numRecords = u.NumRecords
		e.hidden = hidden
	}

	ps := e.params.ParticleState
	if matured && !hidden {
		prior, ok := db.particleBests[ps.ID]
		if !ok {
			prior.score = model.NoScore
		}
		if errScore.Better(prior.score) {
			db.particleBests[ps.ID] = particleBest{score: errScore, position: ps.Position()}
		}
	}

	prevGen, ok := db.particleLatestGn[ps.ID]
	if !ok {
		prevGen = -1
	}
	if !hidden && ps.GenIdx > prevGen {
		db.particleLatestGn[ps.ID] = ps.GenIdx
	} else if hidden && !wasHidden && ps.GenIdx == prevGen {
		db.particleLatestGn[ps.ID] = ps.GenIdx - 1
	}

	if !hidden {
		bests := db.swarmBests[ps.SwarmID]
		for len(bests) <= ps.GenIdx {
			bests = append(bests, genBest{score: model.NoScore})
		}
		if errScore.Better(bests[ps.GenIdx].score) {
			bests[ps.GenIdx] = genBest{modelID: u.ModelID, score: errScore}
		}
		db.swarmBests[ps.SwarmID] = bests

		key := swarmGen{swarmID: ps.SwarmID, genIdx: ps.GenIdx}
		if _, done := db.maturedGens[key]; !done {
			db.modifiedGens[key] = struct{}{}
		}
	}

	db.logger.Debug("model updated",
		"model", u.ModelID, "swarm", ps.SwarmID, "gen", ps.GenIdx,
		"err_score", errScore.String(), "matured", matured, "hidden", hidden)
	return errScore, nil
}

func (db *DB) removeFromSwarm(swarmID string, idx int) {
	idxs := db.bySwarm[swarmID]
	for i, v := range idxs {
		if v == idx {
			db.bySwarm[swarmID] = append(idxs[:i:i], idxs[i+1:]...)
			return
		}
	}
}

func (db *DB) NumErrModels() int {
	return len(db.errModels)
}

// ErrModelIDs returns the erroring model ids in ascending order.
func (db *DB) ErrModelIDs() []int64 {
	return sortedIDs(db.errModels)
}

func (db *DB) NumCompletedModels() int {
	return len(db.completedModels)
}

// NumModels counts models, optionally restricted to a swarm when swarmID is non-empty.
func (db *DB) NumModels(swarmID string, includeHidden bool) int {
	if includeHidden {
		if swarmID == "" {
			return len(db.all)
		}
		return len(db.bySwarm[swarmID])
	}
	n := 0
	for _, e := range db.entries(swarmID) {
		if !e.hidden {
			n++
		}
	}
	return n
}

func (db *DB) entries(swarmID string) []*entry {
	if swarmID == "" {
		return db.all
	}
	idxs := db.bySwarm[swarmID]
	out := make([]*entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, db.all[i])
	}
	return out
}

func (db *DB) ModelIDFromParamsHash(hash string) (int64, bool) {
	idx, ok := db.byParamsHash[hash]
	if !ok {
		return 0, false
	}
	return db.all[idx].modelID, true
}

// BestModel returns the best model seen so far; id 0 means none.
func (db *DB) BestModel() (int64, model.Score) {
	return db.bestModelID, db.bestScore
}

// SwarmBest returns the best model of a swarm over generations 0..genIdx.
// A negative genIdx considers every generation.
func (db *DB) SwarmBest(swarmID string, genIdx int) (int64, model.Score) {
	bestID, best := int64(0), model.NoScore
	for i, gb := range db.swarmBests[swarmID] {
		if genIdx >= 0 && i > genIdx {
			break
		}
		if gb.score.Better(best) {
			bestID, best = gb.modelID, gb.score
		}
	}
	return bestID, best
}

func (db *DB) ParticleInfo(modelID int64) (ParticleInfo, bool) {
	idx, ok := db.byModelID[modelID]
	if !ok {
		return ParticleInfo{}, false
	}
	return db.all[idx].info(), true
}

func (e *entry) info() ParticleInfo {
	return ParticleInfo{
		State:     e.params.ParticleState,
		ModelID:   e.modelID,
		ErrScore:  e.errScore,
		Completed: e.completed,
		Matured:   e.matured,
	}
}

func (db *DB) ModelParams(modelID int64) (model.ModelParams, bool) {
	idx, ok := db.byModelID[modelID]
	if !ok {
		return model.ModelParams{}, false
	}
	return db.all[idx].params, true
}

// ParticleInfos returns the rows matching every non-nil field of f. Without
// a SwarmID hidden rows are included.
func (db *DB) ParticleInfos(f Filter) []ParticleInfo {
	var out []ParticleInfo
	for _, e := range db.entries(f.SwarmID) {
		ps := e.params.ParticleState
		if f.GenIdx != nil && ps.GenIdx != *f.GenIdx {
			continue
		}
		if f.Completed != nil && e.completed != *f.Completed {
			continue
		}
		if f.Matured != nil && e.matured != *f.Matured {
			continue
		}
		if f.LastDescendant && db.particleLatestGn[ps.ID] != ps.GenIdx {
			continue
		}
		out = append(out, e.info())
	}
	return out
}

// OrphanParticleInfos returns the hidden rows of a swarm, optionally for one generation.
func (db *DB) OrphanParticleInfos(swarmID string, genIdx *int) []ParticleInfo {
	var out []ParticleInfo
	for _, e := range db.all {
		if !e.hidden {
			continue
		}
		ps := e.params.ParticleState
		if ps.SwarmID != swarmID {
			continue
		}
		if genIdx != nil && ps.GenIdx != *genIdx {
			continue
		}
		out = append(out, e.info())
	}
	return out
}

// MaturedSwarmGenerations reports, once each, the swarm generations whose
// particles have all matured. A generation is held back until its
// predecessor in the same swarm has been reported.
func (db *DB) MaturedSwarmGenerations() []SwarmGeneration {
	keys := make([]swarmGen, 0, len(db.modifiedGens))
	for k := range db.modifiedGens {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].swarmID != keys[j].swarmID {
			return keys[i].swarmID < keys[j].swarmID
		}
		return keys[i].genIdx < keys[j].genIdx
	})

	var out []SwarmGeneration
	for _, key := range keys {
		if _, done := db.maturedGens[key]; done {
			delete(db.modifiedGens, key)
			continue
		}
		if key.genIdx >= 1 {
			if _, ok := db.maturedGens[swarmGen{swarmID: key.swarmID, genIdx: key.genIdx - 1}]; !ok {
				continue
			}
		}
		gen := key.genIdx
		infos := db.ParticleInfos(Filter{SwarmID: key.swarmID, GenIdx: &gen})
		numMatured := 0
		best := model.NoScore
		for _, info := range infos {
			if info.Matured {
				numMatured++
			}
			best = model.MinScore(best, info.ErrScore)
		}
		if numMatured < db.minParticles || numMatured != len(infos) {
			continue
		}
		db.maturedGens[key] = struct{}{}
		delete(db.modifiedGens, key)
		out = append(out, SwarmGeneration{SwarmID: key.swarmID, GenIdx: key.genIdx, BestScore: best})
	}
	return out
}

// FirstNonFullGeneration returns the first generation of the swarm with fewer
// than minParticles particles, or one past the last generation when all are
// full. ok is false for an unknown swarm.
func (db *DB) FirstNonFullGeneration(swarmID string, minParticles int) (int, bool) {
	counts, ok := db.particlesPerGen[swarmID]
	if !ok {
		return 0, false
	}
	for i, n := range counts {
		if n < minParticles {
			return i, true
		}
	}
	return len(counts), true
}

// HighestGeneration returns -1 for an unknown swarm.
func (db *DB) HighestGeneration(swarmID string) int {
	return len(db.particlesPerGen[swarmID]) - 1
}

// ParticleBest returns the best score and position a particle has achieved.
func (db *DB) ParticleBest(particleID string) (model.Score, map[string]any, bool) {
	pb, ok := db.particleBests[particleID]
	if !ok {
		return model.NoScore, nil, false
	}
	return pb.score, pb.position, true
}

// ResultsPerChoice groups matured, scored results of a swarm by the value
// chosen for varName. A nil maxGenIdx considers every generation.
func (db *DB) ResultsPerChoice(swarmID string, maxGenIdx *int, varName string) map[string]ChoiceResults {
	matured := true
	out := make(map[string]ChoiceResults)
	for _, info := range db.ParticleInfos(Filter{SwarmID: swarmID, Matured: &matured}) {
		if maxGenIdx != nil && info.State.GenIdx > *maxGenIdx {
			continue
		}
		if !info.ErrScore.Valid() {
			continue
		}
		vs, ok := info.State.VarStates[varName]
		if !ok {
			continue
		}
		key := permute.ValueKey(vs.Position)
		cr := out[key]
		if cr.Scores == nil {
			cr.Value = vs.Position
		}
		cr.Scores = append(cr.Scores, info.ErrScore.Float())
		out[key] = cr
	}
	return out
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Gen and Flag build optional Filter fields.
func Gen(i int) *int { return &i }

func Flag(b bool) *bool { return &b }
