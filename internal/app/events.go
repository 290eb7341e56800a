package app

import "github.com/EspenRiis/attensi-spin-sub000/internal/domain"

// Event is the broadcast envelope sent to every subscribed client. Seq is the
// per-session monotonic sequence number: clients must discard any event whose
// Seq is not greater than the last one they applied.
type Event struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	Payload any    `json:"payload"`
}

// Broadcast event types.
const (
	EventParticipantJoined = "participantJoined"
	EventSessionStarted    = "sessionStarted"
	EventQuestion          = "question"
	EventAnswerRevealed    = "answerRevealed"
	EventAdvanced          = "advanced"
	EventSessionCompleted  = "sessionCompleted"
	EventSessionEnded      = "sessionEnded"
)

// ParticipantJoinedPayload announces a lobby join.
type ParticipantJoinedPayload struct {
	Participant domain.Participant `json:"participant"`
	Count       int                `json:"count"`
}

// SessionStartedPayload announces the lobby -> active transition.
type SessionStartedPayload struct {
	QuestionIndex  int `json:"questionIndex"`
	TotalQuestions int `json:"totalQuestions"`
}

// OptionView is one answer option in display order. CanonicalIndex is the
// index clients echo back in submissions; the per-broadcast shuffle only
// changes the order of these views, never the canonical indices.
type OptionView struct {
	CanonicalIndex int    `json:"index"`
	Text           string `json:"text"`
}

// QuestionView is the client-facing form of the current question. It never
// carries the correct set.
type QuestionView struct {
	Index            int          `json:"index"`
	Total            int          `json:"total"`
	Text             string       `json:"text"`
	Options          []OptionView `json:"options"`
	TimeLimitSeconds int          `json:"timeLimitSeconds"`
}

// AnswerRevealedPayload closes the current question's answer window.
type AnswerRevealedPayload struct {
	QuestionIndex int                     `json:"questionIndex"`
	Correct       []int                   `json:"correct"`
	Results       []domain.QuestionResult `json:"results"`
	Leaderboard   domain.Leaderboard      `json:"leaderboard"`
}

// AdvancedPayload announces the move to the next question.
type AdvancedPayload struct {
	NewIndex int `json:"newIndex"`
}

// SessionCompletedPayload carries the final ranking after the last reveal.
type SessionCompletedPayload struct {
	FinalLeaderboard domain.Leaderboard `json:"finalLeaderboard"`
	Race             []domain.RaceLane  `json:"race"`
}

// SessionEndedPayload announces a host-forced termination.
type SessionEndedPayload struct {
	Reason      string             `json:"reason"`
	Leaderboard domain.Leaderboard `json:"leaderboard"`
}

// SubmissionAck is returned to the submitter only; it is not broadcast.
// Duplicate reports that an earlier submission for the question stands, so
// the client can stop retrying.
type SubmissionAck struct {
	QuestionIndex int  `json:"questionIndex"`
	Accepted      bool `json:"accepted"`
	Duplicate     bool `json:"duplicate"`
}

// Snapshot is the full-state view sent to a resuming client. A reconnect
// always receives one of these instead of a replay of buffered events.
type Snapshot struct {
	SessionID        string               `json:"sessionId"`
	State            domain.SessionState  `json:"state"`
	Phase            domain.QuestionPhase `json:"phase,omitempty"`
	Seq              uint64               `json:"seq"`
	QuestionIndex    int                  `json:"questionIndex"`
	TotalQuestions   int                  `json:"totalQuestions"`
	Question         *QuestionView        `json:"question,omitempty"`
	RemainingSeconds float64              `json:"remainingSeconds"`
	AutoReveal       bool                 `json:"autoReveal"`
	Participants     []domain.Participant `json:"participants"`
	Leaderboard      domain.Leaderboard   `json:"leaderboard"`
	AnsweredByMe     bool                 `json:"answeredByMe"`
}
