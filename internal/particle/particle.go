// Package particle implements the positions that PSO moves through the
// search space. A particle produces one model per generation.
package particle

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"hypersearch/internal/model"
	"hypersearch/internal/permute"
	"hypersearch/internal/results"
)

var ErrInvalidConstruction = errors.New("invalid particle construction")

// EncoderSeparator splits an encoder-scoped variable name into encoder and parameter.
const EncoderSeparator = ":"

// SwarmSeparator joins the encoder names of a swarm id.
const SwarmSeparator = "."

// Results is the view of the results index a particle needs.
type Results interface {
	SwarmBest(swarmID string, genIdx int) (int64, model.Score)
	ParticleInfo(modelID int64) (results.ParticleInfo, bool)
	ParticleBest(particleID string) (model.Score, map[string]any, bool)
	ResultsPerChoice(swarmID string, maxGenIdx *int, varName string) map[string]results.ChoiceResults
}

// IDGenerator hands out particle ids of the form "<worker>.<sequence>".
type IDGenerator struct {
	mu       sync.Mutex
	workerID string
	next     int64
}

func NewIDGenerator(workerID string, start int64) *IDGenerator {
	return &IDGenerator{workerID: workerID, next: start}
}

func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("%s.%d", g.workerID, g.next)
	g.next++
	return id
}

// Env carries what every particle of a search shares.
type Env struct {
	// Vars is the flattened variable set of the whole search. Encoder
	// variables are named "<encoder>:<param>".
	Vars        map[string]permute.Variable
	Results     Results
	IDs         *IDGenerator
	Speculative bool
	Seed        int64
}

func (e Env) validate() error {
	if e.Results == nil {
		return fmt.Errorf("%w: results view is required", ErrInvalidConstruction)
	}
	if e.IDs == nil {
		return fmt.Errorf("%w: id generator is required", ErrInvalidConstruction)
	}
	return nil
}

type Particle struct {
	env     Env
	id      string
	swarmID string
	genIdx  int
	vars    map[string]permute.Variable
	names   []string
	rng     *rand.Rand
}

func (p *Particle) ID() string      { return p.id }
func (p *Particle) SwarmID() string { return p.swarmID }
func (p *Particle) GenIdx() int     { return p.genIdx }

// EncoderNames splits a swarm id into its encoder names.
func EncoderNames(swarmID string) []string {
	if swarmID == "" {
		return nil
	}
	return strings.Split(swarmID, SwarmSeparator)
}

// SwarmID builds the canonical swarm id for a set of encoders.
func SwarmID(encoders []string) string {
	sorted := append([]string(nil), encoders...)
	sort.Strings(sorted)
	return strings.Join(sorted, SwarmSeparator)
}

func IsEncoderVar(name string) bool {
	return strings.Contains(name, EncoderSeparator)
}

func encoderOf(name string) string {
	enc, _, _ := strings.Cut(name, EncoderSeparator)
	return enc
}

// NewFresh creates a generation 0 particle in swarmID with a new id. When
// farFrom is non-empty every variable is pushed away from those particles.
func NewFresh(env Env, swarmID string, farFrom []model.ParticleState) (*Particle, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if swarmID == "" {
		return nil, fmt.Errorf("%w: swarm id is required", ErrInvalidConstruction)
	}
	p := &Particle{env: env, id: env.IDs.Next(), swarmID: swarmID, genIdx: 0}
	p.setupVars()

	seedParts := []any{p.id}
	for _, name := range p.names {
		others := positionsOf(farFrom, name)
		seedParts = append(seedParts, others)
	}
	p.rng = rand.New(rand.NewSource(permute.DeriveSeed(env.Seed, seedParts...)))

	if len(farFrom) > 0 {
		for _, name := range p.names {
			p.vars[name].PushAwayFrom(positionsOf(farFrom, name), p.rng)
		}
	}
	return p, nil
}

// Evolve advances a particle to its next generation. The particle keeps
// its id and takes the best position it has achieved as its cognitive best.
func Evolve(env Env, from model.ParticleState) (*Particle, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if from.ID == "" || from.SwarmID == "" {
		return nil, fmt.Errorf("%w: evolve needs a particle id and swarm id", ErrInvalidConstruction)
	}
	p := &Particle{env: env, id: from.ID, swarmID: from.SwarmID, genIdx: from.GenIdx + 1}
	p.setupVars()
	p.rng = rand.New(rand.NewSource(permute.DeriveSeed(env.Seed, p.id, p.genIdx)))
	if err := p.initStateFrom(from, true); err != nil {
		return nil, err
	}
	p.NewPosition(nil)
	return p, nil
}

// Clone copies a particle at the same generation and position. With
// newID set the clone gets a fresh particle id.
func Clone(env Env, from model.ParticleState, newID bool) (*Particle, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if from.ID == "" || from.SwarmID == "" {
		return nil, fmt.Errorf("%w: clone needs a particle id and swarm id", ErrInvalidConstruction)
	}
	id := from.ID
	if newID {
		id = env.IDs.Next()
	}
	p := &Particle{env: env, id: id, swarmID: from.SwarmID, genIdx: from.GenIdx}
	p.setupVars()
	p.rng = rand.New(rand.NewSource(permute.DeriveSeed(env.Seed, p.id, p.genIdx, "clone")))
	if err := p.initStateFrom(from, false); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Particle) setupVars() {
	allowed := make(map[string]struct{})
	for _, enc := range EncoderNames(p.swarmID) {
		allowed[enc] = struct{}{}
	}
	p.vars = make(map[string]permute.Variable)
	for name, v := range p.env.Vars {
		if IsEncoderVar(name) {
			if _, ok := allowed[encoderOf(name)]; !ok {
				continue
			}
		}
		p.vars[name] = v.Clone()
	}
	p.names = make([]string, 0, len(p.vars))
	for name := range p.vars {
		p.names = append(p.names, name)
	}
	sort.Strings(p.names)

	var maxGen *int
	if !p.env.Speculative {
		g := p.genIdx - 1
		maxGen = &g
	}
	for _, name := range p.names {
		cv, ok := p.vars[name].(permute.ChoiceVariable)
		if !ok {
			continue
		}
		byChoice := p.env.Results.ResultsPerChoice(p.swarmID, maxGen, name)
		scores := make(map[string][]float64, len(byChoice))
		for key, cr := range byChoice {
			scores[key] = cr.Scores
		}
		cv.SetResultsPerChoice(scores)
	}
}

func (p *Particle) initStateFrom(from model.ParticleState, newBest bool) error {
	var bestResult *float64
	var bestPosition map[string]any
	if newBest {
		if score, pos, ok := p.env.Results.ParticleBest(from.ID); ok {
			f := score.Float()
			bestResult = &f
			bestPosition = pos
		}
	}
	for _, name := range sortedKeys(from.VarStates) {
		v, ok := p.vars[name]
		if !ok {
			continue
		}
		state := from.VarStates[name]
		if newBest {
			state.BestResult = bestResult
		}
		if bestPosition != nil {
			if pos, ok := bestPosition[name]; ok {
				state.BestPosition = pos
			}
		}
		if err := v.SetState(state); err != nil {
			return fmt.Errorf("%w: variable %s: %v", ErrInvalidConstruction, name, err)
		}
	}
	return nil
}

// CopyEncoderStatesFrom pins the encoder variables present in state to
// their positions there and restarts their velocity. The particle's own
// best starts over at the copied position.
func (p *Particle) CopyEncoderStatesFrom(state model.ParticleState) error {
	for _, name := range p.names {
		if !IsEncoderVar(name) {
			continue
		}
		vs, ok := state.VarStates[name]
		if !ok {
			continue
		}
		vs.BestResult = nil
		if err := p.pinVar(name, vs); err != nil {
			return err
		}
	}
	return nil
}

// CopyVarStatesFrom pins the named variables to their positions in state
// and restarts their velocity.
func (p *Particle) CopyVarStatesFrom(state model.ParticleState, names []string) error {
	for _, name := range names {
		if _, ok := p.vars[name]; !ok {
			continue
		}
		vs, ok := state.VarStates[name]
		if !ok {
			continue
		}
		if err := p.pinVar(name, vs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Particle) pinVar(name string, vs model.VarState) error {
	v := p.vars[name]
	vs.RawPosition = vs.Position
	vs.BestPosition = vs.Position
	if err := v.SetState(vs); err != nil {
		return fmt.Errorf("variable %s: %w", name, err)
	}
	v.ResetVelocity(p.rng)
	return nil
}

// NewPosition moves the named variables, or every variable when names is
// nil, one PSO step toward the swarm's best position.
func (p *Particle) NewPosition(names []string) map[string]any {
	genIdx := p.genIdx - 1
	if p.env.Speculative {
		genIdx = p.genIdx
	}
	var globalBest map[string]any
	if genIdx >= 0 {
		if modelID, _ := p.env.Results.SwarmBest(p.swarmID, genIdx); modelID != 0 {
			if info, ok := p.env.Results.ParticleInfo(modelID); ok {
				globalBest = info.State.Position()
			}
		}
	}
	var only map[string]struct{}
	if names != nil {
		only = make(map[string]struct{}, len(names))
		for _, n := range names {
			only[n] = struct{}{}
		}
	}
	for _, name := range p.names {
		if only != nil {
			if _, ok := only[name]; !ok {
				continue
			}
		}
		var best any
		if globalBest != nil {
			best = globalBest[name]
		}
		p.vars[name].NewPosition(best, p.rng)
	}
	return p.Position()
}

// Agitate kicks every variable and moves to a new position.
func (p *Particle) Agitate() {
	for _, name := range p.names {
		p.vars[name].Agitate()
	}
	p.NewPosition(nil)
}

func (p *Particle) Position() map[string]any {
	out := make(map[string]any, len(p.vars))
	for _, name := range p.names {
		out[name] = p.vars[name].Position()
	}
	return out
}

func (p *Particle) State() model.ParticleState {
	states := make(map[string]model.VarState, len(p.vars))
	for _, name := range p.names {
		states[name] = p.vars[name].State()
	}
	return model.ParticleState{
		ID:        p.id,
		GenIdx:    p.genIdx,
		SwarmID:   p.swarmID,
		VarStates: states,
	}
}

func positionsOf(states []model.ParticleState, name string) []any {
	out := make([]any, 0, len(states))
	for _, s := range states {
		if vs, ok := s.VarStates[name]; ok {
			out = append(out, vs.Position)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
