package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no coordinator exists for a session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrTokenNotFound is returned when a reconnect token matches no participant.
	ErrTokenNotFound = errors.New("reconnect token not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrNotHost rejects a host-only command issued by a regular participant.
	ErrNotHost = errors.New("command requires host rights")
	// ErrInvalidState rejects a command that is not legal in the current
	// lifecycle state (e.g. advance before reveal).
	ErrInvalidState = errors.New("command not valid in current session state")
	// ErrSessionEnded rejects any command arriving after the session reached a
	// terminal state.
	ErrSessionEnded = errors.New("session has ended")
	// ErrJoinClosed rejects joins once the session has left the lobby.
	ErrJoinClosed = errors.New("joining is only allowed in the lobby")
	// ErrDuplicateSubmission rejects a second answer for an already-answered
	// question. The first submission stands.
	ErrDuplicateSubmission = errors.New("question already answered")
	// ErrWindowClosed rejects a submission arriving after the question was
	// revealed.
	ErrWindowClosed = errors.New("answer window is closed")
	// ErrNoParticipants blocks starting a session with nobody present.
	ErrNoParticipants = errors.New("cannot start without participants")
	// ErrNoQuestions blocks starting a session whose quiz has no questions.
	ErrNoQuestions = errors.New("cannot start with an empty question list")
	// ErrQuestionMismatch rejects a submission for a question that is not the
	// current one.
	ErrQuestionMismatch = errors.New("submission does not match current question")
)
