package app

import (
	"math"

	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
)

// ScoringConfig holds the award parameters applied to every correct answer.
type ScoringConfig struct {
	Base     int
	BonusMax int
}

// DefaultScoring matches the classic 500 + up-to-500 speed bonus scheme.
var DefaultScoring = ScoringConfig{Base: 500, BonusMax: 500}

// Score evaluates one submission against a question's correct set.
//
// The chosen set must equal the correct set exactly; partial overlap on a
// multi-answer question scores zero. A correct answer earns
// base + round(bonusMax * (1 - elapsed/limit)), floored at base. The result
// depends only on the arguments, so re-scoring the same submission always
// yields the same points.
func Score(chosen, correct []int, elapsedSeconds float64, timeLimitSeconds int, cfg ScoringConfig) int {
	if !sameSet(chosen, correct) {
		return 0
	}
	if timeLimitSeconds <= 0 {
		return cfg.Base
	}

	elapsed := clampElapsed(elapsedSeconds, timeLimitSeconds)
	bonus := int(math.Round(float64(cfg.BonusMax) * (1 - elapsed/float64(timeLimitSeconds))))
	if bonus < 0 {
		bonus = 0
	}
	return cfg.Base + bonus
}

// ScoreSubmission scores an accepted submission against its question.
func ScoreSubmission(sub domain.Submission, q domain.Question, cfg ScoringConfig) domain.ScoreEntry {
	return domain.ScoreEntry{
		ParticipantID: sub.ParticipantID,
		QuestionIndex: sub.QuestionIndex,
		Points:        Score(sub.Options, q.Correct, sub.ElapsedSeconds, q.TimeLimitSeconds, cfg),
		ScoredAt:      sub.AcceptedAt,
	}
}

func clampElapsed(elapsed float64, limitSeconds int) float64 {
	if elapsed < 0 {
		return 0
	}
	if limit := float64(limitSeconds); elapsed > limit {
		return limit
	}
	return elapsed
}

func sameSet(a, b []int) bool {
	if len(b) == 0 {
		return false
	}
	seen := make(map[int]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	if len(seen) != len(b) {
		return false
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			return false
		}
	}
	return true
}
