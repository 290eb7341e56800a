package app

import (
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
)

// avatarPalette is the fixed set of avatar tags assigned at join time. Picks
// are random and collision-tolerant: two participants may share an avatar.
var avatarPalette = []string{
	"fox", "owl", "panda", "koala", "tiger", "penguin",
	"otter", "raccoon", "hedgehog", "llama", "toucan", "axolotl",
}

// registry tracks identity, presence and reconnect tokens for one session.
// It is owned by the session coordinator and only touched from the command
// loop, so it carries no locking of its own.
type registry struct {
	participants map[string]*domain.Participant
	tokens       map[string]string // reconnect token -> participant id
	nextOrder    int
	rnd          *rand.Rand
}

func newRegistry(seed int64) *registry {
	return &registry{
		participants: make(map[string]*domain.Participant),
		tokens:       make(map[string]string),
		rnd:          rand.New(rand.NewSource(seed)),
	}
}

// join creates a participant with a fresh id, reconnect token and avatar.
func (r *registry) join(displayName string, host bool, now time.Time) domain.Participant {
	p := &domain.Participant{
		ID:             uuid.NewString(),
		DisplayName:    displayName,
		Avatar:         avatarPalette[r.rnd.Intn(len(avatarPalette))],
		ReconnectToken: uuid.NewString(),
		Host:           host,
		Connected:      true,
		JoinOrder:      r.nextOrder,
		JoinedAt:       now,
	}
	r.nextOrder++
	r.participants[p.ID] = p
	r.tokens[p.ReconnectToken] = p.ID
	return *p
}

// resume maps a reconnect token back to its participant and marks them
// connected again.
func (r *registry) resume(token string) (domain.Participant, error) {
	id, ok := r.tokens[token]
	if !ok {
		return domain.Participant{}, domain.ErrTokenNotFound
	}
	p := r.participants[id]
	p.Connected = true
	return *p, nil
}

// markPresence flips the connected flag. Disconnecting never touches the
// participant's accepted submissions.
func (r *registry) markPresence(id string, connected bool) error {
	p, ok := r.participants[id]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	p.Connected = connected
	return nil
}

func (r *registry) get(id string) (*domain.Participant, bool) {
	p, ok := r.participants[id]
	return p, ok
}

// list returns all participants in join order.
func (r *registry) list() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

func (r *registry) presentCount() int {
	n := 0
	for _, p := range r.participants {
		if p.Connected {
			n++
		}
	}
	return n
}

// restore rebuilds the registry from a checkpoint, preserving ids, tokens and
// join order. Everyone starts disconnected until their client resumes.
func (r *registry) restore(participants []domain.Participant, tokens map[string]string) {
	ids := make(map[string]string, len(tokens)) // participant id -> token
	for token, id := range tokens {
		ids[id] = token
	}
	for i := range participants {
		p := participants[i]
		p.Connected = false
		p.ReconnectToken = ids[p.ID]
		r.participants[p.ID] = &p
		if p.ReconnectToken != "" {
			r.tokens[p.ReconnectToken] = p.ID
		}
		if p.JoinOrder >= r.nextOrder {
			r.nextOrder = p.JoinOrder + 1
		}
	}
}
