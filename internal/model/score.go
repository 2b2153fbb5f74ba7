package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// Score is a canonical error score. Lower is always better.
type Score float64

// NoScore marks a missing or unacceptable result. It compares worse than every real score.
var NoScore = Score(math.Inf(1))

const noScoreText = "Infinity"

func (s Score) Valid() bool {
	f := float64(s)
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}

// Better reports whether s is strictly better than other.
func (s Score) Better(other Score) bool {
	if !s.Valid() {
		return false
	}
	if !other.Valid() {
		return true
	}
	return s < other
}

// Worse reports whether s is strictly worse than other.
func (s Score) Worse(other Score) bool {
	return other.Better(s)
}

func (s Score) Float() float64 {
	return float64(s)
}

func (s Score) String() string {
	if !s.Valid() {
		return noScoreText
	}
	return fmt.Sprintf("%g", float64(s))
}

func (s Score) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return json.Marshal(noScoreText)
	}
	return json.Marshal(float64(s))
}

func (s *Score) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = NoScore
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if text != noScoreText {
			return fmt.Errorf("invalid score %q", text)
		}
		*s = NoScore
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = Score(f)
	return nil
}

// MinScore returns the better of a and b.
func MinScore(a, b Score) Score {
	if a.Better(b) {
		return a
	}
	return b
}

func ScorePtr(s Score) *Score {
	return &s
}
