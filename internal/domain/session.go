package domain

import "time"

// SessionState is the lifecycle state of a quiz session.
type SessionState string

const (
	StateLobby     SessionState = "lobby"
	StateActive    SessionState = "active"
	StateCompleted SessionState = "completed"
	StateEnded     SessionState = "ended"
)

// Terminal reports whether no further commands can change the session.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateEnded
}

// QuestionPhase describes where the current question is in its
// shown -> revealed cycle while the session is active.
type QuestionPhase string

const (
	// PhaseShown means the question has been broadcast and the answer
	// window is open.
	PhaseShown QuestionPhase = "shown"
	// PhaseRevealed means the correct answer is out and the window is
	// closed; only advance is allowed next.
	PhaseRevealed QuestionPhase = "revealed"
)

// Checkpoint is the durable image of one session, written after every
// accepted command so a restarted coordinator can rebuild in-memory state and
// serve resume(token) without losing score history.
type Checkpoint struct {
	SessionID    string         `json:"sessionId"`
	QuizID       string         `json:"quizId"`
	State        SessionState   `json:"state"`
	Phase        QuestionPhase  `json:"phase,omitempty"`
	CurrentIndex int            `json:"currentIndex"`
	AutoReveal   bool           `json:"autoReveal"`
	Seq          uint64         `json:"seq"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	ShownAt      *time.Time     `json:"shownAt,omitempty"`
	Participants []Participant  `json:"participants"`
	Tokens       map[string]string `json:"tokens"` // reconnect token -> participant id
	Submissions  []Submission   `json:"submissions"`
	Scores       []ScoreEntry   `json:"scores"`
	Order        []int          `json:"order,omitempty"` // current option permutation
}
