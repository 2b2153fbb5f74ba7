package hsstate

import (
	"math"
	"sort"

	"hypersearch/internal/model"
	"hypersearch/internal/particle"
)

const minBaselineMagnitude = 1e-5

type fieldScore struct {
	field string
	score *model.Score
}

// FieldContributions returns, per field, the percentage and absolute
// improvement of its single-field swarm over a baseline swarm. Legacy
// temporal searches measure the two-field swarms of the second sprint
// against the lone predicted field swarm instead.
func (s *State) FieldContributions() (pct, abs map[string]float64) {
	pct = map[string]float64{}
	abs = map[string]float64{}
	if s.cfg.FixedEncoders != nil {
		return pct, abs
	}

	var scores []fieldScore
	for _, id := range s.swarmIDs() {
		encs := particle.EncoderNames(id)
		if len(encs) != 1 {
			continue
		}
		scores = append(scores, fieldScore{field: s.fieldName(encs[0]), score: s.swarmScore(id)})
	}

	var base *model.Score
	if s.cfg.SearchType == SearchLegacyTemporal {
		if len(scores) != 1 {
			s.logger.Warn("legacy temporal search without a lone base swarm", "single_field_swarms", len(scores))
			return pct, abs
		}
		base = scores[0].score
		baseField := scores[0].field
		for _, id := range s.swarmIDs() {
			encs := particle.EncoderNames(id)
			if len(encs) != 2 {
				continue
			}
			for _, enc := range encs {
				if field := s.fieldName(enc); field != baseField {
					scores = append(scores, fieldScore{field: field, score: s.cur.Swarms[id].BestErrScore})
					break
				}
			}
		}
	} else {
		// Unscored swarms take no part in picking the baseline.
		var ranked []fieldScore
		for _, fs := range scores {
			if fs.score != nil && fs.score.Valid() {
				ranked = append(ranked, fs)
			}
		}
		if len(ranked) == 0 {
			return pct, abs
		}
		// Worst first.
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score.Worse(*ranked[j].score) })
		if s.cfg.MaxBranching > 0 && len(ranked) > s.cfg.MaxBranching {
			base = ranked[len(ranked)-s.cfg.MaxBranching-1].score
		} else {
			base = ranked[0].score
		}
	}
	if base == nil || !base.Valid() {
		return pct, abs
	}

	b := base.Float()
	if math.Abs(b) < minBaselineMagnitude {
		b = minBaselineMagnitude
	}
	for _, fs := range scores {
		if fs.score == nil || !fs.score.Valid() {
			pct[fs.field] = 0
			abs[fs.field] = 0
			continue
		}
		v := fs.score.Float()
		pct[fs.field] = (b - v) * 100 / b
		abs[fs.field] = b - v
	}
	return pct, abs
}

func (s *State) swarmScore(id string) *model.Score {
	score := s.cur.Swarms[id].BestErrScore
	if score == nil {
		_, live := s.results.SwarmBest(id, -1)
		score = &live
	}
	if !score.Valid() {
		return nil
	}
	return score
}
