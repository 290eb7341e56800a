package app

import (
	"sort"
	"time"

	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
)

// computeLeaderboard rebuilds the full ranking from score entries. It never
// patches a previous snapshot: summing from scratch keeps the cumulative
// totals provably equal to the sum of each participant's entries.
//
// Order: higher score first; equal scores by the earliest time that score was
// reached; remaining ties by join order.
func computeLeaderboard(sessionID string, participants []domain.Participant, scores []domain.ScoreEntry, now time.Time) domain.Leaderboard {
	totals := make(map[string]int, len(participants))
	reached := make(map[string]time.Time, len(participants))
	for _, e := range scores {
		totals[e.ParticipantID] += e.Points
		if e.Points > 0 && e.ScoredAt.After(reached[e.ParticipantID]) {
			reached[e.ParticipantID] = e.ScoredAt
		}
	}

	byID := make(map[string]domain.Participant, len(participants))
	entries := make([]domain.LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			Avatar:        p.Avatar,
			Score:         totals[p.ID],
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		ri, rj := scoreReachedAt(entries[i].ParticipantID, reached, byID), scoreReachedAt(entries[j].ParticipantID, reached, byID)
		if !ri.Equal(rj) {
			return ri.Before(rj)
		}
		return byID[entries[i].ParticipantID].JoinOrder < byID[entries[j].ParticipantID].JoinOrder
	})

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return domain.Leaderboard{SessionID: sessionID, Entries: entries, UpdatedAt: now}
}

// scoreReachedAt is the moment a participant arrived at their current total.
// A participant who never scored has held zero since they joined.
func scoreReachedAt(id string, reached map[string]time.Time, byID map[string]domain.Participant) time.Time {
	if t, ok := reached[id]; ok && !t.IsZero() {
		return t
	}
	return byID[id].JoinedAt
}

// RaceProjection maps a leaderboard snapshot onto race lanes: each
// participant's progress is their share of the current best score. It reads
// session state, never writes it, so rendering layers can consume it freely.
func RaceProjection(lb domain.Leaderboard) []domain.RaceLane {
	best := 0
	for _, e := range lb.Entries {
		if e.Score > best {
			best = e.Score
		}
	}

	lanes := make([]domain.RaceLane, 0, len(lb.Entries))
	for _, e := range lb.Entries {
		progress := 0.0
		if best > 0 {
			progress = float64(e.Score) / float64(best)
		}
		lanes = append(lanes, domain.RaceLane{
			ParticipantID: e.ParticipantID,
			DisplayName:   e.DisplayName,
			Avatar:        e.Avatar,
			Progress:      progress,
		})
	}
	return lanes
}
