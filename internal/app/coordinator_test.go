package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/EspenRiis/attensi-spin-sub000/internal/app"
	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
	"github.com/EspenRiis/attensi-spin-sub000/internal/infra/memory"
)

func testQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Trivia",
		Questions: []domain.Question{
			{
				Text:             "Capital of Norway?",
				Options:          []string{"Bergen", "Oslo", "Tromsø"},
				Correct:          []int{1},
				TimeLimitSeconds: 20,
			},
			{
				Text:             "Which are even?",
				Options:          []string{"1", "2", "3", "4"},
				Correct:          []int{1, 3},
				TimeLimitSeconds: 30,
			},
		},
	}
}

type capturedResults struct {
	mu          sync.Mutex
	sessionID   string
	leaderboard domain.Leaderboard
	calls       int
}

func (c *capturedResults) WriteFinal(_ context.Context, sessionID string, _ time.Time, final domain.Leaderboard) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.leaderboard = final
	c.calls++
	return nil
}

func (c *capturedResults) snapshot() (string, domain.Leaderboard, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.leaderboard, c.calls
}

func newTestCoordinator(t *testing.T, store app.CheckpointStore, results app.ResultsWriter, autoReveal bool, clock clockwork.Clock) *app.Coordinator {
	t.Helper()
	c := app.NewCoordinator("sess-1", testQuiz(), store, results, app.CoordinatorOptions{
		AutoReveal: autoReveal,
		Clock:      clock,
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(c.Close)
	return c
}

func nextEvent(t *testing.T, ch <-chan app.Event) app.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed while waiting for an event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an event")
	}
	return app.Event{}
}

func expectEvent(t *testing.T, ch <-chan app.Event, eventType string) app.Event {
	t.Helper()
	ev := nextEvent(t, ch)
	if ev.Type != eventType {
		t.Fatalf("expected event %q, got %q", eventType, ev.Type)
	}
	return ev
}

func expectClosed(t *testing.T, ch <-chan app.Event) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected the channel to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the channel to close")
	}
}

func TestSessionLifecycle(t *testing.T) {
	results := &capturedResults{}
	c := newTestCoordinator(t, memory.NewCheckpointStore(), results, false, nil)

	host, err := c.Join("Quizmaster", true)
	if err != nil {
		t.Fatalf("host join: %v", err)
	}
	player, err := c.Join("Ada", false)
	if err != nil {
		t.Fatalf("player join: %v", err)
	}
	if host.ReconnectToken == "" || player.ReconnectToken == "" {
		t.Fatalf("participants must receive reconnect tokens")
	}
	if host.ReconnectToken == player.ReconnectToken {
		t.Fatalf("reconnect tokens must be unique")
	}

	ch, cancel, err := c.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	started := expectEvent(t, ch, app.EventSessionStarted)
	question := expectEvent(t, ch, app.EventQuestion)
	if question.Seq <= started.Seq {
		t.Fatalf("sequence numbers must be strictly increasing: %d then %d", started.Seq, question.Seq)
	}

	qv, ok := question.Payload.(*app.QuestionView)
	if !ok {
		t.Fatalf("unexpected question payload %T", question.Payload)
	}
	if qv.Index != 0 || qv.Total != 2 {
		t.Fatalf("wrong question position: %+v", qv)
	}
	for _, opt := range qv.Options {
		if opt.Text == "Oslo" && opt.CanonicalIndex != 1 {
			t.Fatalf("canonical index must survive display ordering: %+v", opt)
		}
	}

	ack, err := c.SubmitAnswer(player.ID, 0, []int{1}, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !ack.Accepted || ack.Duplicate {
		t.Fatalf("expected a fresh accepted submission, got %+v", ack)
	}

	if err := c.RevealCurrent(host.ID); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	revealed := expectEvent(t, ch, app.EventAnswerRevealed)
	rp, ok := revealed.Payload.(app.AnswerRevealedPayload)
	if !ok {
		t.Fatalf("unexpected reveal payload %T", revealed.Payload)
	}
	if len(rp.Correct) != 1 || rp.Correct[0] != 1 {
		t.Fatalf("reveal must carry the correct set, got %v", rp.Correct)
	}
	if len(rp.Leaderboard.Entries) == 0 || rp.Leaderboard.Entries[0].ParticipantID != player.ID {
		t.Fatalf("player should lead after a correct answer: %+v", rp.Leaderboard.Entries)
	}
	if rp.Leaderboard.Entries[0].Score != 950 {
		t.Fatalf("expected 950 for a correct answer at 2s/20s, got %d", rp.Leaderboard.Entries[0].Score)
	}
	var hostRow bool
	for _, res := range rp.Results {
		if res.ParticipantID == host.ID {
			hostRow = true
		}
	}
	if hostRow {
		t.Fatalf("per-question results must not include the host")
	}

	if err := c.Advance(host.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	advanced := expectEvent(t, ch, app.EventAdvanced)
	if ap := advanced.Payload.(app.AdvancedPayload); ap.NewIndex != 1 {
		t.Fatalf("expected to advance to question 1, got %d", ap.NewIndex)
	}
	expectEvent(t, ch, app.EventQuestion)

	if _, err := c.SubmitAnswer(player.ID, 1, []int{3, 1}, 5); err != nil {
		t.Fatalf("submit question 1: %v", err)
	}
	if err := c.RevealCurrent(host.ID); err != nil {
		t.Fatalf("reveal question 1: %v", err)
	}
	expectEvent(t, ch, app.EventAnswerRevealed)

	if err := c.Advance(host.ID); err != nil {
		t.Fatalf("final advance: %v", err)
	}
	completed := expectEvent(t, ch, app.EventSessionCompleted)
	cp, ok := completed.Payload.(app.SessionCompletedPayload)
	if !ok {
		t.Fatalf("unexpected completion payload %T", completed.Payload)
	}
	if cp.FinalLeaderboard.Entries[0].ParticipantID != player.ID {
		t.Fatalf("final leaderboard should rank the player first: %+v", cp.FinalLeaderboard.Entries)
	}
	if len(cp.Race) != len(cp.FinalLeaderboard.Entries) {
		t.Fatalf("race projection must cover every entry")
	}

	expectClosed(t, ch)

	sessionID, final, calls := results.snapshot()
	if calls != 1 {
		t.Fatalf("final results must be written exactly once, got %d", calls)
	}
	if sessionID != "sess-1" || len(final.Entries) == 0 {
		t.Fatalf("unexpected final results: session=%q entries=%d", sessionID, len(final.Entries))
	}

	if _, err := c.SubmitAnswer(player.ID, 1, []int{0}, 1); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("commands after completion must fail with ErrSessionEnded, got %v", err)
	}
}

func TestJoinClosedAfterStart(t *testing.T) {
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, false, nil)
	host, _ := c.Join("Host", true)
	if _, err := c.Join("Early", false); err != nil {
		t.Fatalf("lobby join: %v", err)
	}
	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Join("Late", false); !errors.Is(err, domain.ErrJoinClosed) {
		t.Fatalf("expected ErrJoinClosed after start, got %v", err)
	}
}

func TestHostOnlyCommands(t *testing.T) {
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, false, nil)
	host, _ := c.Join("Host", true)
	player, _ := c.Join("Player", false)

	if err := c.Start(player.ID); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("player start must fail with ErrNotHost, got %v", err)
	}
	if err := c.Start("nobody"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("unknown participant must fail with ErrParticipantNotFound, got %v", err)
	}

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.RevealCurrent(player.ID); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("player reveal must fail with ErrNotHost, got %v", err)
	}
	if err := c.End(player.ID, "bored"); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("player end must fail with ErrNotHost, got %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, false, nil)
	host, _ := c.Join("Host", true)

	if err := c.MarkPresence(host.ID, false); err != nil {
		t.Fatalf("mark presence: %v", err)
	}
	if err := c.Start(host.ID); !errors.Is(err, domain.ErrNoParticipants) {
		t.Fatalf("starting with nobody present must fail, got %v", err)
	}

	if err := c.MarkPresence(host.ID, true); err != nil {
		t.Fatalf("mark presence: %v", err)
	}
	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(host.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double start must fail with ErrInvalidState, got %v", err)
	}
}

func TestSubmitWindow(t *testing.T) {
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, false, nil)
	host, _ := c.Join("Host", true)
	player, _ := c.Join("Player", false)

	if _, err := c.SubmitAnswer(player.ID, 0, []int{1}, 1); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("submitting in the lobby must fail, got %v", err)
	}

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := c.SubmitAnswer(player.ID, 1, []int{1}, 1); !errors.Is(err, domain.ErrQuestionMismatch) {
		t.Fatalf("submitting for the wrong question must fail, got %v", err)
	}
	if _, err := c.SubmitAnswer("ghost", 0, []int{1}, 1); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("unknown participant must fail, got %v", err)
	}

	if err := c.RevealCurrent(host.ID); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if _, err := c.SubmitAnswer(player.ID, 0, []int{1}, 3); !errors.Is(err, domain.ErrWindowClosed) {
		t.Fatalf("submitting after reveal must fail with ErrWindowClosed, got %v", err)
	}
}

func TestDuplicateSubmissionKeepsFirst(t *testing.T) {
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, false, nil)
	host, _ := c.Join("Host", true)
	player, _ := c.Join("Player", false)
	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	first, err := c.SubmitAnswer(player.ID, 0, []int{1}, 2)
	if err != nil || !first.Accepted {
		t.Fatalf("first submission should be accepted: ack=%+v err=%v", first, err)
	}

	second, err := c.SubmitAnswer(player.ID, 0, []int{0}, 10)
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
	if !second.Duplicate || second.Accepted {
		t.Fatalf("duplicate ack must report the earlier submission stands: %+v", second)
	}

	lb, err := c.Leaderboard()
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	for _, e := range lb.Entries {
		if e.ParticipantID == player.ID && e.Score != 950 {
			t.Fatalf("duplicate must not rescore: got %d", e.Score)
		}
	}
}

func TestEndFreezesLeaderboard(t *testing.T) {
	results := &capturedResults{}
	c := newTestCoordinator(t, memory.NewCheckpointStore(), results, false, nil)
	host, _ := c.Join("Host", true)
	player, _ := c.Join("Player", false)

	ch, cancel, err := c.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	expectEvent(t, ch, app.EventSessionStarted)
	expectEvent(t, ch, app.EventQuestion)

	if _, err := c.SubmitAnswer(player.ID, 0, []int{1}, 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.End(host.ID, "host left"); err != nil {
		t.Fatalf("end: %v", err)
	}

	ended := expectEvent(t, ch, app.EventSessionEnded)
	ep, ok := ended.Payload.(app.SessionEndedPayload)
	if !ok {
		t.Fatalf("unexpected end payload %T", ended.Payload)
	}
	if ep.Reason != "host left" {
		t.Fatalf("expected the end reason to carry through, got %q", ep.Reason)
	}
	var playerScore int
	for _, e := range ep.Leaderboard.Entries {
		if e.ParticipantID == player.ID {
			playerScore = e.Score
		}
	}
	if playerScore != 950 {
		t.Fatalf("ending must freeze accepted scores as-is, got %d", playerScore)
	}

	expectClosed(t, ch)

	if _, _, calls := results.snapshot(); calls != 0 {
		t.Fatalf("an ended session must not write final results, wrote %d times", calls)
	}
	if err := c.End(host.ID, "again"); !errors.Is(err, domain.ErrSessionEnded) {
		t.Fatalf("double end must fail with ErrSessionEnded, got %v", err)
	}
}

func TestResumeReturnsSnapshot(t *testing.T) {
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, false, nil)
	host, _ := c.Join("Host", true)
	player, _ := c.Join("Player", false)

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.SubmitAnswer(player.ID, 0, []int{1}, 2); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := c.MarkPresence(player.ID, false); err != nil {
		t.Fatalf("mark presence: %v", err)
	}

	resumed, snap, err := c.Resume(player.ReconnectToken)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ID != player.ID {
		t.Fatalf("token must map back to the same participant: %q vs %q", resumed.ID, player.ID)
	}
	if !resumed.Connected {
		t.Fatalf("resuming must mark the participant connected")
	}
	if snap.State != domain.StateActive || snap.QuestionIndex != 0 {
		t.Fatalf("snapshot should show the live question: %+v", snap)
	}
	if snap.Question == nil {
		t.Fatalf("snapshot during an active question must include the question view")
	}
	if !snap.AnsweredByMe {
		t.Fatalf("snapshot must tell the resuming client it already answered")
	}

	if _, _, err := c.Resume("bogus-token"); !errors.Is(err, domain.ErrTokenNotFound) {
		t.Fatalf("unknown token must fail with ErrTokenNotFound, got %v", err)
	}
}

func TestAutoRevealOnCountdownExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, true, clock)
	host, _ := c.Join("Host", true)
	player, _ := c.Join("Player", false)

	ch, cancel, err := c.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	expectEvent(t, ch, app.EventSessionStarted)
	expectEvent(t, ch, app.EventQuestion)

	if _, err := c.SubmitAnswer(player.ID, 0, []int{0}, 5); err != nil {
		t.Fatalf("submit: %v", err)
	}

	clock.Advance(21 * time.Second)

	revealed := expectEvent(t, ch, app.EventAnswerRevealed)
	if rp := revealed.Payload.(app.AnswerRevealedPayload); rp.QuestionIndex != 0 {
		t.Fatalf("auto-reveal should close question 0, got %d", rp.QuestionIndex)
	}

	if _, err := c.SubmitAnswer(player.ID, 0, []int{1}, 25); !errors.Is(err, domain.ErrWindowClosed) {
		t.Fatalf("window must be closed after auto-reveal, got %v", err)
	}
}

func TestHostRevealBeatsCountdown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, true, clock)
	host, _ := c.Join("Host", true)
	if _, err := c.Join("Player", false); err != nil {
		t.Fatalf("join: %v", err)
	}

	ch, cancel, err := c.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	expectEvent(t, ch, app.EventSessionStarted)
	expectEvent(t, ch, app.EventQuestion)

	if err := c.RevealCurrent(host.ID); err != nil {
		t.Fatalf("manual reveal: %v", err)
	}
	expectEvent(t, ch, app.EventAnswerRevealed)

	// The countdown was cancelled by the manual reveal; advancing the clock
	// must not produce a second reveal.
	clock.Advance(30 * time.Second)
	if err := c.Advance(host.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	expectEvent(t, ch, app.EventAdvanced)
	expectEvent(t, ch, app.EventQuestion)
}

func TestCheckpointRestore(t *testing.T) {
	store := memory.NewCheckpointStore()
	c := newTestCoordinator(t, store, nil, false, nil)
	host, _ := c.Join("Host", true)
	player, _ := c.Join("Player", false)
	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.SubmitAnswer(player.ID, 0, []int{1}, 2); err != nil {
		t.Fatalf("submit: %v", err)
	}

	cp, ok, err := store.Load(context.Background(), "sess-1")
	if err != nil || !ok {
		t.Fatalf("checkpoint must exist after accepted commands: ok=%v err=%v", ok, err)
	}
	c.Close()

	restored := app.RestoreCoordinator(cp, testQuiz(), store, nil, app.CoordinatorOptions{
		Logger: zerolog.Nop(),
	})
	defer restored.Close()

	resumed, snap, err := restored.Resume(player.ReconnectToken)
	if err != nil {
		t.Fatalf("resume after restore: %v", err)
	}
	if resumed.ID != player.ID {
		t.Fatalf("restored registry must keep participant ids: %q vs %q", resumed.ID, player.ID)
	}
	if snap.State != domain.StateActive || snap.QuestionIndex != 0 {
		t.Fatalf("restored session must resume mid-question: %+v", snap)
	}
	if !snap.AnsweredByMe {
		t.Fatalf("restored session must remember accepted submissions")
	}
	var score int
	for _, e := range snap.Leaderboard.Entries {
		if e.ParticipantID == player.ID {
			score = e.Score
		}
	}
	if score != 950 {
		t.Fatalf("restored leaderboard must keep scores, got %d", score)
	}

	// The host has not resumed yet, so only the player counts as present.
	if _, _, err := restored.Resume(host.ReconnectToken); err != nil {
		t.Fatalf("host resume after restore: %v", err)
	}
	if err := restored.RevealCurrent(host.ID); err != nil {
		t.Fatalf("host commands must work after restore: %v", err)
	}
}

func TestSubscribeThenSnapshotLeavesNoGap(t *testing.T) {
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, false, nil)
	host, _ := c.Join("Host", true)
	player, _ := c.Join("Player", false)

	// A connecting client subscribes first and takes its snapshot second.
	// Broadcasts landing in between are covered by the snapshot and also
	// buffered on the subscription, where seq filtering discards them.
	ch, cancel, err := c.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	snap, err := c.SnapshotFor(player.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != domain.StateActive || snap.Question == nil {
		t.Fatalf("snapshot must already reflect the started session: %+v", snap)
	}

	if err := c.RevealCurrent(host.ID); err != nil {
		t.Fatalf("reveal: %v", err)
	}

	var applied []app.Event
	for len(applied) == 0 {
		ev := nextEvent(t, ch)
		if ev.Seq <= snap.Seq {
			continue
		}
		applied = append(applied, ev)
	}
	if applied[0].Type != app.EventAnswerRevealed {
		t.Fatalf("first event past the snapshot should be the reveal, got %q", applied[0].Type)
	}
	if applied[0].Seq != snap.Seq+1 {
		t.Fatalf("snapshot plus stream must be gapless: snapshot seq %d, next event seq %d", snap.Seq, applied[0].Seq)
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	c := newTestCoordinator(t, memory.NewCheckpointStore(), nil, false, nil)
	host, _ := c.Join("Host", true)
	if _, err := c.Join("Player", false); err != nil {
		t.Fatalf("join: %v", err)
	}

	ch, cancel, err := c.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := c.Start(host.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.RevealCurrent(host.ID); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if err := c.Advance(host.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		ev := nextEvent(t, ch)
		if ev.Seq <= last {
			t.Fatalf("event %q has seq %d, not greater than %d", ev.Type, ev.Seq, last)
		}
		last = ev.Seq
	}
}
