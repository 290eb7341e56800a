package app

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
)

// SessionService owns every live coordinator in this process. It creates
// sessions for hosts, restores them from checkpoints after a restart, and
// tears down coordinators once their session reaches a terminal state.
type SessionService struct {
	quizzes     QuizRepository
	checkpoints CheckpointStore
	results     ResultsWriter
	clock       clockwork.Clock
	scoring     ScoringConfig
	log         zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Coordinator
}

// ServiceOptions configures a SessionService.
type ServiceOptions struct {
	Scoring ScoringConfig
	Clock   clockwork.Clock
	Logger  zerolog.Logger
}

func NewSessionService(quizzes QuizRepository, checkpoints CheckpointStore, results ResultsWriter, opts ServiceOptions) *SessionService {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	scoring := opts.Scoring
	if scoring == (ScoringConfig{}) {
		scoring = DefaultScoring
	}
	return &SessionService{
		quizzes:     quizzes,
		checkpoints: checkpoints,
		results:     results,
		clock:       clock,
		scoring:     scoring,
		log:         opts.Logger,
		sessions:    make(map[string]*Coordinator),
	}
}

// Create builds the coordinator for a new session around an externally
// created session record and quiz definition. If a live coordinator already
// exists for the id it is returned as-is, so a host reconnecting mid-setup
// does not reset the lobby.
func (s *SessionService) Create(ctx context.Context, sessionID, quizID string, autoReveal bool) (*Coordinator, error) {
	s.mu.RLock()
	if c, ok := s.sessions[sessionID]; ok {
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.sessions[sessionID]; ok {
		return c, nil
	}
	c := NewCoordinator(sessionID, quiz, s.checkpoints, s.results, CoordinatorOptions{
		AutoReveal: autoReveal,
		Scoring:    s.scoring,
		Clock:      s.clock,
		Logger:     s.log,
		OnTerminal: s.remove,
	})
	s.sessions[sessionID] = c
	return c, nil
}

// Get returns the live coordinator for a session. If the process restarted,
// it falls back to the checkpoint store and restores the session so clients
// can resume by token without losing score history.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*Coordinator, error) {
	s.mu.RLock()
	if c, ok := s.sessions[sessionID]; ok {
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	if s.checkpoints == nil {
		return nil, domain.ErrSessionNotFound
	}
	cp, ok, err := s.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok || cp.State.Terminal() {
		return nil, domain.ErrSessionNotFound
	}

	quiz, err := s.quizzes.GetQuiz(ctx, cp.QuizID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.sessions[sessionID]; ok {
		return c, nil
	}
	c := RestoreCoordinator(cp, quiz, s.checkpoints, s.results, CoordinatorOptions{
		Scoring:    s.scoring,
		Clock:      s.clock,
		Logger:     s.log,
		OnTerminal: s.remove,
	})
	s.sessions[sessionID] = c
	return c, nil
}

// remove drops a terminal session's coordinator and stops its command loop.
// The final checkpoint stays in the store as the archived record.
func (s *SessionService) remove(sessionID string) {
	s.mu.Lock()
	c, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

// CloseAll stops every live coordinator, for server shutdown.
func (s *SessionService) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.sessions {
		c.Close()
		delete(s.sessions, id)
	}
}
