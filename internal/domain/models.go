package domain

import "time"

// Participant is one joined identity within a session. The host is a
// participant with elevated command rights. Participants are never removed
// mid-session; a dropped connection only flips Connected.
type Participant struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	Avatar         string    `json:"avatar"`
	ReconnectToken string    `json:"-"`
	Host           bool      `json:"host"`
	Connected      bool      `json:"connected"`
	JoinOrder      int       `json:"joinOrder"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// Question is immutable quiz content supplied by the quiz collaborator.
// Correct holds canonical option indices; a question with more than one
// correct index is a multi-answer question.
type Question struct {
	Text             string   `json:"text"`
	Options          []string `json:"options"`
	Correct          []int    `json:"correct"`
	TimeLimitSeconds int      `json:"timeLimitSeconds"`
	ShuffleOptions   bool     `json:"shuffleOptions"`
}

// Quiz is the ordered question list for one quiz id.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// Submission records one participant's accepted answer for one question.
// Immutable once accepted; at most one per (participant, question).
type Submission struct {
	ParticipantID  string    `json:"participantId"`
	QuestionIndex  int       `json:"questionIndex"`
	Options        []int     `json:"options"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	AcceptedAt     time.Time `json:"acceptedAt"`
}

// ScoreEntry is the points awarded for one accepted submission. Derived from
// the submission and the question's correct set; recomputable at any time.
type ScoreEntry struct {
	ParticipantID string    `json:"participantId"`
	QuestionIndex int       `json:"questionIndex"`
	Points        int       `json:"points"`
	ScoredAt      time.Time `json:"scoredAt"`
}

// LeaderboardEntry is one ranked row of a leaderboard snapshot.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Avatar        string `json:"avatar"`
	Score         int    `json:"score"`
	Rank          int    `json:"rank"`
}

// Leaderboard is a full recomputed ranking. Snapshots are always rebuilt from
// score entries, never patched, so reconnecting clients can trust any one of
// them in isolation.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// QuestionResult is the per-participant outcome revealed after a question
// closes.
type QuestionResult struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Answered      bool   `json:"answered"`
	Correct       bool   `json:"correct"`
	Awarded       int    `json:"awarded"`
}

// RaceLane is a read-only projection of one leaderboard entry for positional
// visualizations: progress is the participant's share of the current best
// score, in [0, 1].
type RaceLane struct {
	ParticipantID string  `json:"participantId"`
	DisplayName   string  `json:"displayName"`
	Avatar        string  `json:"avatar"`
	Progress      float64 `json:"progress"`
}
