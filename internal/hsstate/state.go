// Package hsstate holds the sprint and swarm state shared by every worker
// of a search. The authoritative copy lives in one job field and is only
// changed through compare-and-swap; a worker that loses a race reloads
// and recomputes its change.
package hsstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"hypersearch/internal/model"
	"hypersearch/internal/particle"
	"hypersearch/internal/results"
)

var (
	ErrUnknownSwarm      = errors.New("unknown swarm")
	ErrUnknownSearchType = errors.New("unknown search type")
	ErrInvalidConfig     = errors.New("invalid state config")
)

type SearchType string

const (
	SearchTemporal       SearchType = "temporal"
	SearchClassification SearchType = "classification"
	SearchLegacyTemporal SearchType = "legacyTemporal"
)

type SwarmStatus string

const (
	SwarmActive     SwarmStatus = "active"
	SwarmCompleting SwarmStatus = "completing"
	SwarmCompleted  SwarmStatus = "completed"
	SwarmKilled     SwarmStatus = "killed"
)

type SprintStatus string

const (
	SprintActive     SprintStatus = "active"
	SprintCompleting SprintStatus = "completing"
	SprintCompleted  SprintStatus = "completed"
)

type SwarmInfo struct {
	Status       SwarmStatus  `json:"status"`
	BestModelID  int64        `json:"bestModelId"`
	BestErrScore *model.Score `json:"bestErrScore"`
	SprintIdx    int          `json:"sprintIdx"`
}

type SprintInfo struct {
	Status       SprintStatus `json:"status"`
	BestModelID  int64        `json:"bestModelId"`
	BestErrScore *model.Score `json:"bestErrScore"`
}

// Snapshot is the persisted form of the shared state.
type Snapshot struct {
	LastUpdateTime      float64               `json:"lastUpdateTime"`
	LastGoodSprint      *int                  `json:"lastGoodSprint"`
	SearchOver          bool                  `json:"searchOver"`
	ActiveSwarms        []string              `json:"activeSwarms"`
	Swarms              map[string]*SwarmInfo `json:"swarms"`
	Sprints             []*SprintInfo         `json:"sprints"`
	BlackListedEncoders []string              `json:"blackListedEncoders"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.LastGoodSprint != nil {
		v := *s.LastGoodSprint
		out.LastGoodSprint = &v
	}
	out.ActiveSwarms = append([]string(nil), s.ActiveSwarms...)
	out.BlackListedEncoders = append([]string(nil), s.BlackListedEncoders...)
	out.Swarms = make(map[string]*SwarmInfo, len(s.Swarms))
	for id, info := range s.Swarms {
		c := *info
		if info.BestErrScore != nil {
			c.BestErrScore = model.ScorePtr(*info.BestErrScore)
		}
		out.Swarms[id] = &c
	}
	out.Sprints = make([]*SprintInfo, len(s.Sprints))
	for i, info := range s.Sprints {
		c := *info
		if info.BestErrScore != nil {
			c.BestErrScore = model.ScorePtr(*info.BestErrScore)
		}
		out.Sprints[i] = &c
	}
	return out
}

// Config describes the search the state belongs to.
type Config struct {
	SearchType            SearchType
	EncoderNames          []string
	PredictedFieldEncoder string
	// FixedEncoders restricts the search to exactly one swarm. Nil means
	// the field set is searched.
	FixedEncoders []string
	// EncoderFields maps encoder names to the field they encode.
	EncoderFields map[string]string

	MinParticlesPerSwarm int
	MaxBranching         int
	// MinFieldContribution is the least percentage improvement a field
	// must bring to be kept. Negative disables the check.
	MinFieldContribution float64
	Speculative          bool

	TryAll3FieldCombinations           bool
	TryAll3FieldCombinationsTimestamps bool
}

func (c Config) validate() error {
	switch c.SearchType {
	case SearchTemporal, SearchClassification, SearchLegacyTemporal:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSearchType, c.SearchType)
	}
	if len(c.EncoderNames) == 0 {
		return fmt.Errorf("%w: no encoders", ErrInvalidConfig)
	}
	known := make(map[string]struct{}, len(c.EncoderNames))
	for _, name := range c.EncoderNames {
		known[name] = struct{}{}
	}
	for _, name := range c.FixedEncoders {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("%w: fixed encoder %s is not a known encoder", ErrInvalidConfig, name)
		}
	}
	if c.SearchType == SearchLegacyTemporal || c.SearchType == SearchClassification {
		if _, ok := known[c.PredictedFieldEncoder]; !ok && c.FixedEncoders == nil {
			return fmt.Errorf("%w: predicted field encoder %q is not a known encoder", ErrInvalidConfig, c.PredictedFieldEncoder)
		}
	}
	return nil
}

// Results is the view of the results index the state needs.
type Results interface {
	SwarmBest(swarmID string, genIdx int) (int64, model.Score)
	ParticleInfo(modelID int64) (results.ParticleInfo, bool)
	ParticleInfos(f results.Filter) []results.ParticleInfo
}

// SwarmKiller stops the running models of a swarm.
type SwarmKiller interface {
	KillSwarmParticles(ctx context.Context, swarmID string) error
}

type Options struct {
	Logger *slog.Logger
	Clock  func() time.Time
	Retry  Retry
	Killer SwarmKiller
}

// State is the worker-local cache of the shared state. It is not safe for
// concurrent use; each worker owns one.
type State struct {
	cfg     Config
	doc     Document[Snapshot]
	results Results
	logger  *slog.Logger
	clock   func() time.Time
	retry   Retry
	killer  SwarmKiller

	value   Snapshot
	cur     *Snapshot
	version Version
	loaded  bool
	dirty   bool
	kills   []string
}

// New binds a state to its document. Nothing is read until ReadState.
func New(cfg Config, doc Document[Snapshot], res Results, opts Options) (*State, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if doc == nil || res == nil {
		return nil, fmt.Errorf("%w: document and results are required", ErrInvalidConfig)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &State{
		cfg:     cfg,
		doc:     doc,
		results: res,
		logger:  logger,
		clock:   clock,
		retry:   opts.Retry,
		killer:  opts.Killer,
	}
	s.cur = &s.value
	return s, nil
}

func (s *State) IsDirty() bool { return s.dirty }

func (s *State) IsSearchOver() bool { return s.cur.SearchOver }

// Snapshot returns a copy of the cached state.
func (s *State) Snapshot() Snapshot { return s.cur.Clone() }

// Update runs fn against the cached state and saves it if fn changed it.
// On a lost race the state is reloaded and fn runs again.
func (s *State) Update(ctx context.Context, fn func() error) error {
	var start *Versioned[Snapshot]
	if s.loaded {
		start = &Versioned[Snapshot]{Value: *s.cur, Version: s.version}
	}
	first := true
	res, err := Mutate(ctx, s.doc, s.retry, start, func(snap *Snapshot, ver Version) (bool, error) {
		s.cur = snap
		s.version = ver
		if !first || !s.loaded {
			s.dirty = false
			s.kills = nil
		}
		first = false
		if !ver.Exists || ver.Garbled {
			if err := s.initialize(); err != nil {
				return false, err
			}
		}
		if err := fn(); err != nil {
			return false, err
		}
		if s.dirty {
			s.cur.LastUpdateTime = float64(s.clock().UnixNano()) / 1e9
		}
		return s.dirty, nil
	})
	if err != nil {
		s.loaded = false
		s.dirty = false
		s.kills = nil
		s.value = Snapshot{}
		s.cur = &s.value
		return err
	}
	s.value = res.Value
	s.cur = &s.value
	s.version = res.Version
	s.loaded = true
	s.dirty = false
	return s.flushKills(ctx)
}

// ReadState discards the cached state and reloads it, initializing the
// shared state if no worker has done so yet.
func (s *State) ReadState(ctx context.Context) error {
	s.loaded = false
	return s.Update(ctx, func() error { return nil })
}

// WriteState saves local changes made outside Update. When the save loses
// the race the state is reloaded, local changes are dropped and false is returned.
func (s *State) WriteState(ctx context.Context) (bool, error) {
	if !s.dirty {
		return true, nil
	}
	s.cur.LastUpdateTime = float64(s.clock().UnixNano()) / 1e9
	ver, ok, err := s.doc.TrySave(ctx, *s.cur, s.version)
	if err != nil {
		return false, err
	}
	if ok {
		s.version = ver
		s.dirty = false
		return true, s.flushKills(ctx)
	}
	s.logger.Debug("shared state changed by another worker, reloading")
	if s.retry.OnConflict != nil {
		s.retry.OnConflict(1)
	}
	return false, s.ReadState(ctx)
}

func (s *State) flushKills(ctx context.Context) error {
	kills := s.kills
	s.kills = nil
	if s.killer == nil {
		return nil
	}
	for _, id := range kills {
		if err := s.killer.KillSwarmParticles(ctx, id); err != nil {
			return fmt.Errorf("kill swarm %s: %w", id, err)
		}
	}
	return nil
}

func (s *State) initialize() error {
	swarms := make(map[string]*SwarmInfo)
	add := func(id string) {
		swarms[id] = &SwarmInfo{Status: SwarmActive, SprintIdx: 0}
	}
	switch {
	case s.cfg.FixedEncoders != nil:
		add(particle.SwarmID(s.cfg.FixedEncoders))
	case s.cfg.SearchType == SearchTemporal:
		for _, enc := range s.cfg.EncoderNames {
			add(enc)
		}
	case s.cfg.SearchType == SearchClassification:
		for _, enc := range s.cfg.EncoderNames {
			if enc != s.cfg.PredictedFieldEncoder {
				add(enc)
			}
		}
	case s.cfg.SearchType == SearchLegacyTemporal:
		add(s.cfg.PredictedFieldEncoder)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSearchType, s.cfg.SearchType)
	}
	*s.cur = Snapshot{
		Swarms:              swarms,
		Sprints:             []*SprintInfo{{Status: SprintActive}},
		BlackListedEncoders: []string{},
	}
	s.refreshActive()
	s.dirty = true
	s.logger.Info("initializing shared search state", "swarms", s.cur.ActiveSwarms)
	return nil
}

func (s *State) refreshActive() {
	active := []string{}
	for _, id := range s.swarmIDs() {
		if s.cur.Swarms[id].Status == SwarmActive {
			active = append(active, id)
		}
	}
	s.cur.ActiveSwarms = active
}

func (s *State) swarmIDs() []string {
	ids := make([]string, 0, len(s.cur.Swarms))
	for id := range s.cur.Swarms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *State) selectSwarms(keep func(*SwarmInfo) bool) []string {
	var out []string
	for _, id := range s.swarmIDs() {
		if keep(s.cur.Swarms[id]) {
			out = append(out, id)
		}
	}
	return out
}

func (s *State) NumSprints() int { return len(s.cur.Sprints) }

func (s *State) LastGoodSprint() (int, bool) {
	if s.cur.LastGoodSprint == nil {
		return 0, false
	}
	return *s.cur.LastGoodSprint, true
}

func (s *State) SwarmStatus(swarmID string) (SwarmStatus, bool) {
	info, ok := s.cur.Swarms[swarmID]
	if !ok {
		return "", false
	}
	return info.Status, true
}

func (s *State) AllSwarms(sprintIdx int) []string {
	return s.selectSwarms(func(i *SwarmInfo) bool { return i.SprintIdx == sprintIdx })
}

// ActiveSwarms returns the active swarms of a sprint, or of every sprint
// when sprintIdx is negative.
func (s *State) ActiveSwarms(sprintIdx int) []string {
	return s.selectSwarms(func(i *SwarmInfo) bool {
		return i.Status == SwarmActive && (sprintIdx < 0 || i.SprintIdx == sprintIdx)
	})
}

func (s *State) NonKilledSwarms(sprintIdx int) []string {
	return s.selectSwarms(func(i *SwarmInfo) bool { return i.SprintIdx == sprintIdx && i.Status != SwarmKilled })
}

func (s *State) CompletedSwarms() []string {
	return s.selectSwarms(func(i *SwarmInfo) bool { return i.Status == SwarmCompleted })
}

func (s *State) CompletingSwarms() []string {
	return s.selectSwarms(func(i *SwarmInfo) bool { return i.Status == SwarmCompleting })
}

func (s *State) BestModelInCompletedSwarm(swarmID string) (int64, model.Score, error) {
	info, ok := s.cur.Swarms[swarmID]
	if !ok {
		return 0, model.NoScore, fmt.Errorf("%w: %s", ErrUnknownSwarm, swarmID)
	}
	return info.BestModelID, scoreOf(info.BestErrScore), nil
}

func (s *State) BestModelInCompletedSprint(sprintIdx int) (int64, model.Score) {
	if sprintIdx < 0 || sprintIdx >= len(s.cur.Sprints) {
		return 0, model.NoScore
	}
	info := s.cur.Sprints[sprintIdx]
	return info.BestModelID, scoreOf(info.BestErrScore)
}

// BestModelInSprint is the live best across every swarm of the sprint.
func (s *State) BestModelInSprint(sprintIdx int) (int64, model.Score) {
	bestID, best := int64(0), model.NoScore
	for _, id := range s.AllSwarms(sprintIdx) {
		modelID, score := s.results.SwarmBest(id, -1)
		if score.Better(best) {
			bestID, best = modelID, score
		}
	}
	return bestID, best
}

func (s *State) AnyGoodSprintsActive() bool {
	good := s.cur.Sprints
	if s.cur.LastGoodSprint != nil {
		end := *s.cur.LastGoodSprint + 1
		if end < 0 {
			end = 0
		}
		if end < len(good) {
			good = good[:end]
		}
	}
	for _, sprint := range good {
		if sprint.Status == SprintActive {
			return true
		}
	}
	return false
}

func (s *State) IsSprintCompleted(sprintIdx int) bool {
	if sprintIdx < 0 || sprintIdx >= len(s.cur.Sprints) {
		return false
	}
	return s.cur.Sprints[sprintIdx].Status == SprintCompleted
}

func scoreOf(p *model.Score) model.Score {
	if p == nil {
		return model.NoScore
	}
	return *p
}
