package app

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
)

// CheckpointStore persists the session image after every accepted command so
// a restarted coordinator can rebuild and clients can resume by token.
type CheckpointStore interface {
	Save(ctx context.Context, cp domain.Checkpoint) error
	Load(ctx context.Context, sessionID string) (domain.Checkpoint, bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// ResultsWriter hands the final leaderboard back to the surrounding
// application once a session completes.
type ResultsWriter interface {
	WriteFinal(ctx context.Context, sessionID string, completedAt time.Time, final domain.Leaderboard) error
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

type submissionKey struct {
	participantID string
	questionIndex int
}

// Coordinator is the single authoritative writer for one session. Every
// mutation (host command, player submission, countdown expiry) is queued on
// the command channel and applied by one goroutine, in arrival order, so no
// two commands for the same session ever run concurrently. Sessions are
// independent and run fully in parallel.
type Coordinator struct {
	sessionID  string
	quiz       domain.Quiz
	autoReveal bool
	scoring    ScoringConfig

	clock       clockwork.Clock
	checkpoints CheckpointStore
	results     ResultsWriter
	log         zerolog.Logger
	onTerminal  func(sessionID string)

	reg   *registry
	sched *scheduler

	state     domain.SessionState
	phase     domain.QuestionPhase
	current   int
	seq       uint64
	startedAt *time.Time
	endedAt   *time.Time
	shownAt   *time.Time
	order     []int

	submissions []domain.Submission
	answered    map[submissionKey]struct{}
	scores      []domain.ScoreEntry

	subscribers map[chan Event]struct{}

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// CoordinatorOptions configures a new coordinator.
type CoordinatorOptions struct {
	AutoReveal bool
	Scoring    ScoringConfig
	Clock      clockwork.Clock
	Logger     zerolog.Logger
	OnTerminal func(sessionID string)
}

// NewCoordinator builds a coordinator for a fresh session in the lobby state
// and starts its command loop.
func NewCoordinator(sessionID string, quiz domain.Quiz, checkpoints CheckpointStore, results ResultsWriter, opts CoordinatorOptions) *Coordinator {
	c := baseCoordinator(sessionID, quiz, checkpoints, results, opts)
	c.state = domain.StateLobby
	go c.run()
	return c
}

// RestoreCoordinator rebuilds a coordinator from a durable checkpoint. All
// participants start disconnected until their clients resume; if the
// checkpoint was taken mid-question with auto-reveal on, the countdown is
// re-armed with whatever window time is left.
func RestoreCoordinator(cp domain.Checkpoint, quiz domain.Quiz, checkpoints CheckpointStore, results ResultsWriter, opts CoordinatorOptions) *Coordinator {
	opts.AutoReveal = cp.AutoReveal
	c := baseCoordinator(cp.SessionID, quiz, checkpoints, results, opts)

	c.state = cp.State
	c.phase = cp.Phase
	c.current = cp.CurrentIndex
	c.seq = cp.Seq
	c.startedAt = cp.StartedAt
	c.endedAt = cp.EndedAt
	c.shownAt = cp.ShownAt
	c.order = cp.Order
	c.submissions = append(c.submissions, cp.Submissions...)
	c.scores = append(c.scores, cp.Scores...)
	for _, sub := range cp.Submissions {
		c.answered[submissionKey{sub.ParticipantID, sub.QuestionIndex}] = struct{}{}
	}
	c.reg.restore(cp.Participants, cp.Tokens)

	go c.run()

	if c.state == domain.StateActive && c.phase == domain.PhaseShown && c.autoReveal && c.shownAt != nil {
		index := c.current
		limit := time.Duration(quiz.Questions[index].TimeLimitSeconds) * time.Second
		remaining := limit - c.clock.Now().Sub(*c.shownAt)
		c.sched.arm(remaining, func() { c.fireAutoReveal(index) })
	}

	c.log.Info().Str("state", string(c.state)).Int("question", c.current).Msg("session restored from checkpoint")
	return c
}

func baseCoordinator(sessionID string, quiz domain.Quiz, checkpoints CheckpointStore, results ResultsWriter, opts CoordinatorOptions) *Coordinator {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	scoring := opts.Scoring
	if scoring == (ScoringConfig{}) {
		scoring = DefaultScoring
	}
	seed := clock.Now().UnixNano()
	return &Coordinator{
		sessionID:   sessionID,
		quiz:        quiz,
		autoReveal:  opts.AutoReveal,
		scoring:     scoring,
		clock:       clock,
		checkpoints: checkpoints,
		results:     results,
		log:         opts.Logger.With().Str("session_id", sessionID).Logger(),
		onTerminal:  opts.OnTerminal,
		reg:         newRegistry(seed),
		sched:       newScheduler(clock, seed),
		answered:    make(map[submissionKey]struct{}),
		subscribers: make(map[chan Event]struct{}),
		cmds:        make(chan func(), 64),
		done:        make(chan struct{}),
	}
}

func (c *Coordinator) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			return
		}
	}
}

// Close stops the command loop. Pending and later callers get a
// terminal-state error instead of hanging.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sched.stop()
	})
}

// do serializes fn onto the command loop and waits for its result.
func (c *Coordinator) do(fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.cmds <- func() { res <- fn() }:
	case <-c.done:
		return domain.ErrSessionEnded
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		// The command may have run (and closed the session) before we got
		// to read its result; prefer the result over a blanket error.
		select {
		case err := <-res:
			return err
		default:
			return domain.ErrSessionEnded
		}
	}
}

// SessionID returns the session this coordinator owns.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Join registers a new participant. Only allowed while the session is in the
// lobby; everyone who will play or host must join before start.
func (c *Coordinator) Join(displayName string, host bool) (domain.Participant, error) {
	var p domain.Participant
	err := c.do(func() error {
		if c.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if c.state != domain.StateLobby {
			return domain.ErrJoinClosed
		}
		p = c.reg.join(displayName, host, c.clock.Now())
		c.checkpoint()
		c.broadcast(EventParticipantJoined, ParticipantJoinedPayload{
			Participant: p,
			Count:       len(c.reg.participants),
		})
		c.log.Info().Str("participant_id", p.ID).Str("name", p.DisplayName).Bool("host", host).Msg("participant joined")
		return nil
	})
	return p, err
}

// Resume maps a reconnect token back to its participant and returns the
// current full-state snapshot. Resuming clients must rebuild from this
// snapshot rather than trust any events buffered while they were away.
func (c *Coordinator) Resume(token string) (domain.Participant, Snapshot, error) {
	var (
		p    domain.Participant
		snap Snapshot
	)
	err := c.do(func() error {
		if c.state.Terminal() {
			return domain.ErrSessionEnded
		}
		var err error
		p, err = c.reg.resume(token)
		if err != nil {
			return err
		}
		c.checkpoint()
		snap = c.snapshotFor(p.ID)
		return nil
	})
	return p, snap, err
}

// MarkPresence records a connect or disconnect. Presence never removes a
// participant or their accepted submissions.
func (c *Coordinator) MarkPresence(participantID string, connected bool) error {
	return c.do(func() error {
		if c.state.Terminal() {
			return nil
		}
		if err := c.reg.markPresence(participantID, connected); err != nil {
			return err
		}
		c.checkpoint()
		return nil
	})
}

// Start moves the session from lobby to active and broadcasts question 0.
// Host only; requires at least one present participant and a non-empty
// question list.
func (c *Coordinator) Start(participantID string) error {
	return c.do(func() error {
		if c.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if err := c.requireHost(participantID); err != nil {
			return err
		}
		if c.state != domain.StateLobby {
			return domain.ErrInvalidState
		}
		if c.reg.presentCount() == 0 {
			return domain.ErrNoParticipants
		}
		if len(c.quiz.Questions) == 0 {
			return domain.ErrNoQuestions
		}

		now := c.clock.Now()
		c.state = domain.StateActive
		c.startedAt = &now
		c.broadcast(EventSessionStarted, SessionStartedPayload{
			QuestionIndex:  0,
			TotalQuestions: len(c.quiz.Questions),
		})
		c.log.Info().Int("questions", len(c.quiz.Questions)).Msg("session started")
		c.showQuestion(0)
		c.checkpoint()
		return nil
	})
}

// RevealCurrent closes the current question's answer window. Host only; the
// scheduler calls the same transition itself when the countdown expires and
// auto-reveal is on.
func (c *Coordinator) RevealCurrent(participantID string) error {
	return c.do(func() error {
		if c.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if err := c.requireHost(participantID); err != nil {
			return err
		}
		if c.state != domain.StateActive || c.phase != domain.PhaseShown {
			return domain.ErrInvalidState
		}
		c.reveal()
		c.checkpoint()
		return nil
	})
}

// Advance moves to the next question, or completes the session when the
// revealed question was the last one. Host only; rejected before reveal.
func (c *Coordinator) Advance(participantID string) error {
	return c.do(func() error {
		if c.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if err := c.requireHost(participantID); err != nil {
			return err
		}
		if c.state != domain.StateActive || c.phase != domain.PhaseRevealed {
			return domain.ErrInvalidState
		}

		if c.current == len(c.quiz.Questions)-1 {
			c.complete()
			c.checkpoint()
			return nil
		}

		c.current++
		c.broadcast(EventAdvanced, AdvancedPayload{NewIndex: c.current})
		c.showQuestion(c.current)
		c.checkpoint()
		return nil
	})
}

// End force-terminates the session from any non-terminal state. The
// leaderboard freezes as-is and sessionCompleted is never emitted.
func (c *Coordinator) End(participantID, reason string) error {
	return c.do(func() error {
		if c.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if err := c.requireHost(participantID); err != nil {
			return err
		}

		c.sched.stop()
		now := c.clock.Now()
		c.state = domain.StateEnded
		c.endedAt = &now
		lb := computeLeaderboard(c.sessionID, c.reg.list(), c.scores, now)
		c.broadcast(EventSessionEnded, SessionEndedPayload{Reason: reason, Leaderboard: lb})
		c.checkpoint()
		c.log.Info().Str("reason", reason).Msg("session ended by host")
		c.teardown()
		return nil
	})
}

// SubmitAnswer records a player's answer for the current question. The first
// accepted submission per (participant, question) stands; a duplicate is
// acknowledged (so the client stops retrying) together with
// ErrDuplicateSubmission, and never rescores.
func (c *Coordinator) SubmitAnswer(participantID string, questionIndex int, options []int, elapsedSeconds float64) (SubmissionAck, error) {
	var ack SubmissionAck
	err := c.do(func() error {
		if c.state.Terminal() {
			return domain.ErrSessionEnded
		}
		if c.state != domain.StateActive {
			return domain.ErrInvalidState
		}
		if _, ok := c.reg.get(participantID); !ok {
			return domain.ErrParticipantNotFound
		}
		if questionIndex != c.current {
			return domain.ErrQuestionMismatch
		}
		if c.phase != domain.PhaseShown {
			return domain.ErrWindowClosed
		}

		key := submissionKey{participantID, questionIndex}
		if _, dup := c.answered[key]; dup {
			ack = SubmissionAck{QuestionIndex: questionIndex, Duplicate: true}
			return domain.ErrDuplicateSubmission
		}

		q := c.quiz.Questions[questionIndex]
		sub := domain.Submission{
			ParticipantID:  participantID,
			QuestionIndex:  questionIndex,
			Options:        append([]int(nil), options...),
			ElapsedSeconds: clampElapsed(elapsedSeconds, q.TimeLimitSeconds),
			AcceptedAt:     c.clock.Now(),
		}
		c.submissions = append(c.submissions, sub)
		c.answered[key] = struct{}{}
		c.scores = append(c.scores, ScoreSubmission(sub, q, c.scoring))
		c.checkpoint()
		ack = SubmissionAck{QuestionIndex: questionIndex, Accepted: true}
		return nil
	})
	return ack, err
}

// Subscribe registers a listener for this session's broadcasts. The caller
// must invoke the returned cancel function to avoid leaks; the channel is
// closed when the session reaches a terminal state.
func (c *Coordinator) Subscribe() (<-chan Event, func(), error) {
	ch := make(chan Event, 16)
	err := c.do(func() error {
		if c.state.Terminal() {
			return domain.ErrSessionEnded
		}
		c.subscribers[ch] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	cancel := func() {
		_ = c.do(func() error {
			if _, ok := c.subscribers[ch]; ok {
				delete(c.subscribers, ch)
				close(ch)
			}
			return nil
		})
	}
	return ch, cancel, nil
}

// SnapshotFor returns the full-state view for one participant, including
// whether they already answered the current question.
func (c *Coordinator) SnapshotFor(participantID string) (Snapshot, error) {
	var snap Snapshot
	err := c.do(func() error {
		snap = c.snapshotFor(participantID)
		return nil
	})
	return snap, err
}

// Leaderboard returns the current full recomputed ranking.
func (c *Coordinator) Leaderboard() (domain.Leaderboard, error) {
	var lb domain.Leaderboard
	err := c.do(func() error {
		lb = computeLeaderboard(c.sessionID, c.reg.list(), c.scores, c.clock.Now())
		return nil
	})
	return lb, err
}

// Everything below runs on the command loop.

func (c *Coordinator) requireHost(participantID string) error {
	p, ok := c.reg.get(participantID)
	if !ok {
		return domain.ErrParticipantNotFound
	}
	if !p.Host {
		return domain.ErrNotHost
	}
	return nil
}

func (c *Coordinator) showQuestion(index int) {
	q := c.quiz.Questions[index]
	c.order = c.sched.permutation(len(q.Options), q.ShuffleOptions)
	now := c.clock.Now()
	c.shownAt = &now
	c.phase = domain.PhaseShown

	c.broadcast(EventQuestion, c.questionView())

	if c.autoReveal && q.TimeLimitSeconds > 0 {
		c.sched.arm(time.Duration(q.TimeLimitSeconds)*time.Second, func() { c.fireAutoReveal(index) })
	}
	c.log.Info().Int("question", index).Int("time_limit", q.TimeLimitSeconds).Msg("question broadcast")
}

// fireAutoReveal re-enters the command loop when a countdown expires. The
// guard re-checks the session position: a host may already have revealed or
// advanced by the time the timer fires.
func (c *Coordinator) fireAutoReveal(index int) {
	_ = c.do(func() error {
		if c.state != domain.StateActive || c.phase != domain.PhaseShown || c.current != index {
			return nil
		}
		c.reveal()
		c.checkpoint()
		return nil
	})
}

func (c *Coordinator) reveal() {
	c.sched.stop()
	c.phase = domain.PhaseRevealed
	q := c.quiz.Questions[c.current]
	lb := computeLeaderboard(c.sessionID, c.reg.list(), c.scores, c.clock.Now())
	c.broadcast(EventAnswerRevealed, AnswerRevealedPayload{
		QuestionIndex: c.current,
		Correct:       append([]int(nil), q.Correct...),
		Results:       c.questionResults(q),
		Leaderboard:   lb,
	})
	c.log.Info().Int("question", c.current).Msg("answer revealed")
}

func (c *Coordinator) complete() {
	c.sched.stop()
	now := c.clock.Now()
	c.state = domain.StateCompleted
	c.endedAt = &now
	final := computeLeaderboard(c.sessionID, c.reg.list(), c.scores, now)
	c.broadcast(EventSessionCompleted, SessionCompletedPayload{
		FinalLeaderboard: final,
		Race:             RaceProjection(final),
	})
	c.log.Info().Int("participants", len(final.Entries)).Msg("session completed")

	if c.results != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.results.WriteFinal(ctx, c.sessionID, now, final); err != nil {
			c.log.Error().Err(err).Msg("writing final results failed")
		}
	}
	c.teardown()
}

// teardown closes the session's subscriber set. The coordinator keeps
// answering late commands with a terminal-state error until the service
// closes it, so in-flight clients see an explicit failure rather than a
// silent drop.
func (c *Coordinator) teardown() {
	for ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = make(map[chan Event]struct{})
	if c.onTerminal != nil {
		go c.onTerminal(c.sessionID)
	}
}

func (c *Coordinator) questionResults(q domain.Question) []domain.QuestionResult {
	bySub := make(map[string]domain.Submission)
	for _, sub := range c.submissions {
		if sub.QuestionIndex == c.current {
			bySub[sub.ParticipantID] = sub
		}
	}
	awarded := make(map[string]int)
	for _, e := range c.scores {
		if e.QuestionIndex == c.current {
			awarded[e.ParticipantID] = e.Points
		}
	}

	results := make([]domain.QuestionResult, 0, len(c.reg.participants))
	for _, p := range c.reg.list() {
		if p.Host {
			continue
		}
		res := domain.QuestionResult{ParticipantID: p.ID, DisplayName: p.DisplayName}
		if sub, ok := bySub[p.ID]; ok {
			res.Answered = true
			res.Correct = sameSet(sub.Options, q.Correct)
			res.Awarded = awarded[p.ID]
		}
		results = append(results, res)
	}
	return results
}

func (c *Coordinator) questionView() *QuestionView {
	if c.state != domain.StateActive || c.shownAt == nil {
		return nil
	}
	q := c.quiz.Questions[c.current]
	opts := make([]OptionView, 0, len(q.Options))
	for _, idx := range c.order {
		opts = append(opts, OptionView{CanonicalIndex: idx, Text: q.Options[idx]})
	}
	return &QuestionView{
		Index:            c.current,
		Total:            len(c.quiz.Questions),
		Text:             q.Text,
		Options:          opts,
		TimeLimitSeconds: q.TimeLimitSeconds,
	}
}

func (c *Coordinator) snapshotFor(participantID string) Snapshot {
	now := c.clock.Now()
	snap := Snapshot{
		SessionID:      c.sessionID,
		State:          c.state,
		Phase:          c.phase,
		Seq:            c.seq,
		QuestionIndex:  c.current,
		TotalQuestions: len(c.quiz.Questions),
		AutoReveal:     c.autoReveal,
		Participants:   c.reg.list(),
		Leaderboard:    computeLeaderboard(c.sessionID, c.reg.list(), c.scores, now),
	}
	if c.state == domain.StateActive {
		snap.Question = c.questionView()
		if c.phase == domain.PhaseShown && c.shownAt != nil {
			limit := float64(c.quiz.Questions[c.current].TimeLimitSeconds)
			remaining := limit - now.Sub(*c.shownAt).Seconds()
			if remaining < 0 {
				remaining = 0
			}
			snap.RemainingSeconds = remaining
		}
		_, snap.AnsweredByMe = c.answered[submissionKey{participantID, c.current}]
	}
	return snap
}

// broadcast bumps the session sequence number and fans the event out to all
// subscribers. A slow subscriber has its oldest buffered event dropped rather
// than blocking the loop; correctness never depends on per-client delivery
// order, only on the serialized application order here.
func (c *Coordinator) broadcast(eventType string, payload any) {
	c.seq++
	ev := Event{Type: eventType, Seq: c.seq, Payload: payload}
	for ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

func (c *Coordinator) checkpoint() {
	if c.checkpoints == nil {
		return
	}
	cp := domain.Checkpoint{
		SessionID:    c.sessionID,
		QuizID:       c.quiz.ID,
		State:        c.state,
		Phase:        c.phase,
		CurrentIndex: c.current,
		AutoReveal:   c.autoReveal,
		Seq:          c.seq,
		StartedAt:    c.startedAt,
		EndedAt:      c.endedAt,
		ShownAt:      c.shownAt,
		Participants: c.reg.list(),
		Tokens:       make(map[string]string, len(c.reg.tokens)),
		Submissions:  append([]domain.Submission(nil), c.submissions...),
		Scores:       append([]domain.ScoreEntry(nil), c.scores...),
		Order:        append([]int(nil), c.order...),
	}
	for token, id := range c.reg.tokens {
		cp.Tokens[token] = id
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		c.log.Error().Err(err).Msg("checkpoint save failed")
	}
}
