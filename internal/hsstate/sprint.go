package hsstate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"hypersearch/internal/model"
	"hypersearch/internal/particle"
	"hypersearch/internal/results"
)

var timestampSuffixes = []string{"_timeOfDay", "_weekend", "_dayOfWeek"}

// SetSwarmState moves a swarm to status and recomputes the status of its
// sprint. Moving a completed swarm back to completing is ignored. Kills
// are issued once the change has been saved.
func (s *State) SetSwarmState(swarmID string, status SwarmStatus) error {
	info, ok := s.cur.Swarms[swarmID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSwarm, swarmID)
	}
	if info.Status == status {
		return nil
	}
	if info.Status == SwarmCompleted && status == SwarmCompleting {
		return nil
	}
	s.dirty = true
	info.Status = status
	if status == SwarmCompleted {
		modelID, score := s.results.SwarmBest(swarmID, -1)
		info.BestModelID = modelID
		info.BestErrScore = model.ScorePtr(score)
	}
	if status != SwarmActive {
		s.refreshActive()
	}
	if status == SwarmKilled {
		s.kills = append(s.kills, swarmID)
	}
	s.logger.Info("swarm status changed", "swarm", swarmID, "status", status)

	idx := info.SprintIdx
	if idx < 0 || idx >= len(s.cur.Sprints) {
		return nil
	}
	var active, completing int
	for _, other := range s.cur.Swarms {
		if other.SprintIdx != idx {
			continue
		}
		switch other.Status {
		case SwarmActive:
			active++
		case SwarmCompleting:
			completing++
		}
	}
	sprint := s.cur.Sprints[idx]
	switch {
	case active > 0:
		sprint.Status = SprintActive
	case completing > 0:
		sprint.Status = SprintCompleting
	default:
		sprint.Status = SprintCompleted
	}
	if sprint.Status != SprintCompleted {
		return nil
	}

	bestID, best := int64(0), model.NoScore
	for _, id := range s.AllSwarms(idx) {
		other := s.cur.Swarms[id]
		if other.Status != SwarmCompleted {
			continue
		}
		if score := scoreOf(other.BestErrScore); score.Better(best) {
			bestID, best = other.BestModelID, score
		}
	}
	sprint.BestModelID = bestID
	sprint.BestErrScore = model.ScorePtr(best)

	prior := model.NoScore
	for i := 0; i < idx; i++ {
		if s.cur.Sprints[i].Status != SprintCompleted {
			continue
		}
		prior = model.MinScore(prior, scoreOf(s.cur.Sprints[i].BestErrScore))
	}
	if !best.Better(prior) {
		last := idx - 1
		s.cur.LastGoodSprint = &last
	}
	s.logger.Info("sprint completed", "sprint", idx, "best_model", bestID, "best_score", best.String())
	if s.cur.LastGoodSprint != nil && !s.AnyGoodSprintsActive() {
		s.cur.SearchOver = true
		s.logger.Info("search over", "last_good_sprint", *s.cur.LastGoodSprint)
	}
	return nil
}

type scoredSwarm struct {
	id    string
	score *model.Score
}

// sortByScore orders best first with unscored swarms last.
func sortByScore(swarms []scoredSwarm) {
	sort.SliceStable(swarms, func(i, j int) bool {
		a, b := swarms[i].score, swarms[j].score
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Better(*b)
		}
	})
}

// KillUselessSwarms kills the active and completing swarms that do not
// contain every encoder of the best swarm of their preceding sprint, once
// that sprint has nothing left running.
func (s *State) KillUselessSwarms() error {
	n := len(s.cur.Sprints)
	if s.cfg.SearchType == SearchLegacyTemporal {
		if n <= 2 {
			return nil
		}
	} else if n <= 1 {
		return nil
	}

	completed := make([][]scoredSwarm, n)
	running := make([][]scoredSwarm, n)
	for _, id := range s.swarmIDs() {
		info := s.cur.Swarms[id]
		if info.SprintIdx < 0 || info.SprintIdx >= n {
			continue
		}
		entry := scoredSwarm{id: id, score: info.BestErrScore}
		switch info.Status {
		case SwarmCompleted:
			completed[info.SprintIdx] = append(completed[info.SprintIdx], entry)
		case SwarmActive, SwarmCompleting:
			running[info.SprintIdx] = append(running[info.SprintIdx], entry)
		}
	}
	for i := range completed {
		sortByScore(completed[i])
	}

	kill := map[string]struct{}{}
	for i := 1; i < n; i++ {
		if len(running[i-1]) > 0 || len(completed[i-1]) == 0 {
			continue
		}
		if i == 2 && (s.cfg.TryAll3FieldCombinations || s.cfg.TryAll3FieldCombinationsTimestamps) {
			continue
		}
		best := particle.EncoderNames(completed[i-1][0].id)
		for _, swarm := range running[i] {
			have := setOf(particle.EncoderNames(swarm.id))
			for _, enc := range best {
				if _, ok := have[enc]; !ok {
					kill[swarm.id] = struct{}{}
					break
				}
			}
		}
	}
	if len(kill) == 0 {
		return nil
	}
	ids := sortedSet(kill)
	s.logger.Info("killing useless swarms", "swarms", ids)
	for _, id := range ids {
		if err := s.SetSwarmState(id, SwarmKilled); err != nil {
			return err
		}
	}
	return nil
}

// IsSprintActive reports whether sprint idx is active, creating it or
// adding swarms to it when the search can grow. noMore is set when no
// further sprint can ever be created.
func (s *State) IsSprintActive(ctx context.Context, idx int) (active, noMore bool, err error) {
	err = s.Update(ctx, func() error {
		var ferr error
		active, noMore, ferr = s.growSprint(idx)
		return ferr
	})
	return active, noMore, err
}

func (s *State) growSprint(idx int) (bool, bool, error) {
	n := len(s.cur.Sprints)
	if idx < 0 {
		return false, false, fmt.Errorf("sprint index %d is negative", idx)
	}
	if idx < n {
		active := s.cur.Sprints[idx].Status == SprintActive
		if !s.cfg.Speculative || !active {
			return active, false, nil
		}
		for _, id := range s.ActiveSwarms(idx) {
			immature := s.results.ParticleInfos(results.Filter{SwarmID: id, Matured: results.Flag(false)})
			if len(immature) < s.cfg.MinParticlesPerSwarm {
				return true, false, nil
			}
		}
	} else if idx > n {
		return false, false, nil
	}

	if s.cur.LastGoodSprint != nil || s.cfg.FixedEncoders != nil {
		return false, true, nil
	}
	if idx == 0 {
		return len(s.AllSwarms(0)) > 0, len(s.AllSwarms(0)) == 0, nil
	}

	bases := s.baseEncoderSets(idx)
	add, err := s.addableEncoders(idx)
	if err != nil {
		return false, false, err
	}
	priorActive := len(s.ActiveSwarms(idx-1)) > 0

	newIDs := map[string]struct{}{}
	tryAll3 := s.cfg.TryAll3FieldCombinations || s.cfg.TryAll3FieldCombinationsTimestamps
	if idx == 2 && tryAll3 && (s.cfg.SearchType == SearchTemporal || s.cfg.SearchType == SearchLegacyTemporal) {
		for _, id := range s.threeFieldSwarms(add) {
			if _, known := s.cur.Swarms[id]; known {
				continue
			}
			newIDs[id] = struct{}{}
			if priorActive {
				break
			}
		}
	} else {
		blacklisted := setOf(s.cur.BlackListedEncoders)
		for _, base := range bases {
			have := setOf(base)
			for _, enc := range add {
				if _, ok := blacklisted[enc]; ok {
					continue
				}
				if _, ok := have[enc]; ok {
					continue
				}
				id := particle.SwarmID(append(append([]string(nil), base...), enc))
				if _, known := s.cur.Swarms[id]; known {
					continue
				}
				newIDs[id] = struct{}{}
				if priorActive {
					break
				}
			}
		}
	}

	if len(newIDs) == 0 {
		if len(s.AllSwarms(idx)) > 0 {
			return true, false, nil
		}
		return false, true, nil
	}

	if len(s.cur.Sprints) == idx {
		s.cur.Sprints = append(s.cur.Sprints, &SprintInfo{Status: SprintActive})
	}
	ids := sortedSet(newIDs)
	for _, id := range ids {
		s.cur.Swarms[id] = &SwarmInfo{Status: SwarmActive, SprintIdx: idx}
	}
	s.refreshActive()
	s.dirty = true
	s.logger.Info("adding swarms", "sprint", idx, "swarms", ids)
	return true, false, nil
}

func (s *State) baseEncoderSets(idx int) [][]string {
	prev := s.cur.Sprints[idx-1]
	if prev.Status == SprintCompleted && prev.BestModelID != 0 {
		for _, id := range s.AllSwarms(idx - 1) {
			if s.cur.Swarms[id].BestModelID == prev.BestModelID {
				return [][]string{particle.EncoderNames(id)}
			}
		}
		if info, ok := s.results.ParticleInfo(prev.BestModelID); ok {
			return [][]string{particle.EncoderNames(info.State.SwarmID)}
		}
	}
	var bases [][]string
	for _, id := range s.NonKilledSwarms(idx - 1) {
		bases = append(bases, particle.EncoderNames(id))
	}
	return bases
}

func (s *State) addableEncoders(idx int) ([]string, error) {
	baseSprint := -1
	if s.cfg.MaxBranching > 0 || s.cfg.MinFieldContribution >= 0 {
		switch s.cfg.SearchType {
		case SearchTemporal, SearchClassification:
			if idx >= 1 {
				baseSprint = 0
			}
		case SearchLegacyTemporal:
			if idx >= 2 {
				baseSprint = 1
			}
		}
	}
	if baseSprint < 0 {
		var out []string
		for _, enc := range s.cfg.EncoderNames {
			if s.cfg.SearchType == SearchClassification && enc == s.cfg.PredictedFieldEncoder {
				continue
			}
			out = append(out, enc)
		}
		return out, nil
	}

	pct, _ := s.FieldContributions()
	removed := map[string]struct{}{}
	for _, field := range sortedKeys(pct) {
		if pct[field] < s.cfg.MinFieldContribution {
			s.logger.Debug("dropping field below minimum contribution", "field", field, "pct", pct[field])
			removed[s.encoderForField(field)] = struct{}{}
		}
	}

	var swarms []scoredSwarm
	for _, id := range s.AllSwarms(baseSprint) {
		swarms = append(swarms, scoredSwarm{id: id, score: s.cur.Swarms[id].BestErrScore})
	}
	sortByScore(swarms)
	if s.cfg.MaxBranching > 0 && len(swarms) > s.cfg.MaxBranching {
		swarms = swarms[:s.cfg.MaxBranching]
	}
	var out []string
	seen := map[string]struct{}{}
	for _, swarm := range swarms {
		for _, enc := range particle.EncoderNames(swarm.id) {
			if _, ok := seen[enc]; ok {
				continue
			}
			seen[enc] = struct{}{}
			if _, drop := removed[enc]; drop {
				continue
			}
			out = append(out, enc)
		}
	}
	return out, nil
}

// threeFieldSwarms pairs every two candidate encoders with the predicted
// field encoder.
func (s *State) threeFieldSwarms(add []string) []string {
	pool := map[string]struct{}{}
	if s.cfg.TryAll3FieldCombinations {
		for _, enc := range s.cfg.EncoderNames {
			pool[enc] = struct{}{}
		}
	} else {
		for _, enc := range add {
			pool[enc] = struct{}{}
		}
		for _, enc := range s.cfg.EncoderNames {
			for _, suffix := range timestampSuffixes {
				if strings.HasSuffix(enc, suffix) {
					pool[enc] = struct{}{}
				}
			}
		}
	}
	delete(pool, s.cfg.PredictedFieldEncoder)
	encs := sortedSet(pool)

	var ids []string
	for i := 0; i < len(encs); i++ {
		for j := i + 1; j < len(encs); j++ {
			ids = append(ids, particle.SwarmID([]string{encs[i], encs[j], s.cfg.PredictedFieldEncoder}))
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *State) fieldName(encoder string) string {
	if field, ok := s.cfg.EncoderFields[encoder]; ok && field != "" {
		return field
	}
	return encoder
}

func (s *State) encoderForField(field string) string {
	for _, enc := range sortedKeys(s.cfg.EncoderFields) {
		if s.cfg.EncoderFields[enc] == field {
			return enc
		}
	}
	return field
}

func setOf(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for item := range set {
		out = append(out, item)
	}
	sort.Strings(out)
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
