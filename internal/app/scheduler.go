package app

import (
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// scheduler owns the server-authoritative countdown for the current question.
// Client-side countdowns are advisory; the true answer window is
// [question broadcast, reveal], and both ends of it are decided here or by a
// host command. The scheduler is owned by the coordinator and armed/stopped
// from its command loop only.
type scheduler struct {
	clock  clockwork.Clock
	rnd    *rand.Rand
	timer  clockwork.Timer
	cancel chan struct{}
}

func newScheduler(clock clockwork.Clock, seed int64) *scheduler {
	return &scheduler{
		clock: clock,
		rnd:   rand.New(rand.NewSource(seed)),
	}
}

// arm starts a one-shot countdown and calls fire when it expires. fire runs
// on its own goroutine, so callers must route it back through the command
// queue. A previous countdown, if any, is stopped first.
func (s *scheduler) arm(d time.Duration, fire func()) {
	s.stop()

	if d <= 0 {
		// Window already elapsed (e.g. restored from a checkpoint taken
		// mid-question): reveal immediately.
		go fire()
		return
	}

	timer := s.clock.NewTimer(d)
	cancel := make(chan struct{})
	s.timer = timer
	s.cancel = cancel

	go func() {
		select {
		case <-timer.Chan():
			fire()
		case <-cancel:
		}
	}()
}

// stop cancels the active countdown, draining the timer so the waiting
// goroutine can exit.
func (s *scheduler) stop() {
	if s.cancel != nil {
		close(s.cancel)
		s.cancel = nil
	}
	if s.timer != nil {
		if !s.timer.Stop() {
			select {
			case <-s.timer.Chan():
			default:
			}
		}
		s.timer = nil
	}
}

// permutation returns the option display order for one question broadcast:
// a single random permutation shared by all clients when shuffling is on,
// identity order otherwise. Canonical option indices are untouched either
// way.
func (s *scheduler) permutation(optionCount int, shuffle bool) []int {
	if shuffle {
		return s.rnd.Perm(optionCount)
	}
	order := make([]int, optionCount)
	for i := range order {
		order[i] = i
	}
	return order
}
