// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"llmready/internal/models"
	"llmready/internal/store"
)

type state struct {
	users         map[int64]models.User
	subscriptions map[int64]models.Subscription
	events        map[string]models.BillingEvent
	generations   []models.GenerationRecord
	nextID        int64
}

func (s *state) clone() *state {
	c := &state{
		users:         make(map[int64]models.User, len(s.users)),
		subscriptions: make(map[int64]models.Subscription, len(s.subscriptions)),
		events:        make(map[string]models.BillingEvent, len(s.events)),
		generations:   append([]models.GenerationRecord(nil), s.generations...),
		nextID:        s.nextID,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.subscriptions {
		if v.StripeSubscriptionID != nil {
			ref := *v.StripeSubscriptionID
			v.StripeSubscriptionID = &ref
		}
		if v.PastDueSince != nil {
			since := *v.PastDueSince
			v.PastDueSince = &since
		}
		c.subscriptions[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	return c
}

// Memory serializes transactions behind one lock and applies a
// transaction's writes only when it commits.
type Memory struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		state: &state{
			users:         make(map[int64]models.User),
			subscriptions: make(map[int64]models.Subscription),
			events:        make(map[string]models.BillingEvent),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{s: work, now: m.now}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// The helpers below seed and inspect state outside any transaction.

func (m *Memory) AddUser(u models.User) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextID++
	if u.ID == 0 {
		u.ID = m.state.nextID
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
		u.UpdatedAt = u.CreatedAt
	}
	m.state.users[u.ID] = u
	return u
}

func (m *Memory) PutSubscription(sub models.Subscription) models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == 0 {
		m.state.nextID++
		sub.ID = m.state.nextID
	}
	m.state.subscriptions[sub.ID] = sub
	return sub
}

func (m *Memory) Subscription(userID int64) (models.Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.state.subscriptions {
		if s.UserID == userID {
			return s, true
		}
	}
	return models.Subscription{}, false
}

func (m *Memory) AddGeneration(userID int64, status string, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextID++
	m.state.generations = append(m.state.generations, models.GenerationRecord{
		ID: m.state.nextID, UserID: userID, Status: status, CreatedAt: createdAt,
	})
}

func (m *Memory) Generation(id int64) (models.GenerationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.state.generations {
		if g.ID == id {
			return g, true
		}
	}
	return models.GenerationRecord{}, false
}

func (m *Memory) Event(eventID string) (models.BillingEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.state.events[eventID]
	return ev, ok
}

func (m *Memory) Events() []models.BillingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.BillingEvent, 0, len(m.state.events))
	for _, ev := range m.state.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

type memTx struct {
	s   *state
	now func() time.Time
}

func (t *memTx) CreateUser(_ context.Context, user models.User) (models.User, error) {
	for _, u := range t.s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return models.User{}, store.ErrConflict
		}
	}
	t.s.nextID++
	user.ID = t.s.nextID
	user.CreatedAt = t.now()
	user.UpdatedAt = user.CreatedAt
	t.s.users[user.ID] = user
	return user, nil
}

func (t *memTx) GetUser(_ context.Context, id int64) (models.User, error) {
	u, ok := t.s.users[id]
	if !ok {
		return models.User{}, store.ErrNotFound
	}
	return u, nil
}

func (t *memTx) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	for _, u := range t.s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return models.User{}, store.ErrNotFound
}

func (t *memTx) DeleteUser(_ context.Context, id int64) error {
	if _, ok := t.s.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(t.s.users, id)
	for k, s := range t.s.subscriptions {
		if s.UserID == id {
			delete(t.s.subscriptions, k)
		}
	}
	kept := t.s.generations[:0]
	for _, g := range t.s.generations {
		if g.UserID != id {
			kept = append(kept, g)
		}
	}
	t.s.generations = kept
	return nil
}

func (t *memTx) find(match func(models.Subscription) bool) (models.Subscription, error) {
	var found *models.Subscription
	for _, s := range t.s.subscriptions {
		if !match(s) {
			continue
		}
		if found == nil || s.UpdatedAt.After(found.UpdatedAt) {
			found = &s
		}
	}
	if found == nil {
		return models.Subscription{}, store.ErrNotFound
	}
	return *found, nil
}

func (t *memTx) SubscriptionByUser(_ context.Context, userID int64) (models.Subscription, error) {
	return t.find(func(s models.Subscription) bool { return s.UserID == userID })
}

func (t *memTx) SubscriptionByStripeID(_ context.Context, ref string) (models.Subscription, error) {
	if ref == "" {
		return models.Subscription{}, store.ErrNotFound
	}
	return t.find(func(s models.Subscription) bool { return s.StripeSubscriptionRef() == ref })
}

func (t *memTx) SubscriptionByCustomer(_ context.Context, ref string) (models.Subscription, error) {
	if ref == "" {
		return models.Subscription{}, store.ErrNotFound
	}
	return t.find(func(s models.Subscription) bool { return s.StripeCustomerID == ref })
}

func (t *memTx) InsertSubscription(_ context.Context, sub models.Subscription) (models.Subscription, error) {
	for _, s := range t.s.subscriptions {
		if s.UserID == sub.UserID {
			return models.Subscription{}, store.ErrConflict
		}
		if sub.HasStripeSubscription() && s.StripeSubscriptionRef() == sub.StripeSubscriptionRef() {
			return models.Subscription{}, store.ErrConflict
		}
	}
	if _, ok := t.s.users[sub.UserID]; !ok {
		return models.Subscription{}, store.ErrNotFound
	}
	t.s.nextID++
	sub.ID = t.s.nextID
	sub.CreatedAt = t.now()
	sub.UpdatedAt = sub.CreatedAt
	t.s.subscriptions[sub.ID] = sub
	return sub, nil
}

func (t *memTx) UpdateSubscription(_ context.Context, sub models.Subscription) error {
	if _, ok := t.s.subscriptions[sub.ID]; !ok {
		return store.ErrNotFound
	}
	if sub.HasStripeSubscription() {
		for id, s := range t.s.subscriptions {
			if id != sub.ID && s.StripeSubscriptionRef() == sub.StripeSubscriptionRef() {
				return store.ErrConflict
			}
		}
	}
	t.s.subscriptions[sub.ID] = sub
	return nil
}

func (t *memTx) ListUnsettledSubscriptions(context.Context) ([]models.Subscription, error) {
	var out []models.Subscription
	for _, s := range t.s.subscriptions {
		if !s.HasStripeSubscription() {
			continue
		}
		switch s.Status {
		case models.SubscriptionActive, models.SubscriptionTrialing, models.SubscriptionCanceled:
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ResetGenerationsUsed(context.Context) (int64, error) {
	var n int64
	for id, s := range t.s.subscriptions {
		if s.GenerationsUsed != 0 {
			s.GenerationsUsed = 0
			t.s.subscriptions[id] = s
			n++
		}
	}
	return n, nil
}

func (t *memTx) EventExists(_ context.Context, eventID string) (bool, error) {
	_, ok := t.s.events[eventID]
	return ok, nil
}

func (t *memTx) LatestProcessedEventTime(_ context.Context, eventType string) (int64, bool, error) {
	var latest int64
	found := false
	for _, ev := range t.s.events {
		if ev.EventType != eventType || ev.Status != models.EventStatusProcessed {
			continue
		}
		if !found || ev.EventCreated > latest {
			latest = ev.EventCreated
			found = true
		}
	}
	return latest, found, nil
}

func (t *memTx) InsertEvent(_ context.Context, event models.BillingEvent) error {
	if _, ok := t.s.events[event.EventID]; ok {
		return store.ErrDuplicateEvent
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = t.now()
	}
	t.s.events[event.EventID] = event
	return nil
}

func (t *memTx) InsertGeneration(_ context.Context, gen models.GenerationRecord) (models.GenerationRecord, error) {
	if _, ok := t.s.users[gen.UserID]; !ok {
		return models.GenerationRecord{}, store.ErrNotFound
	}
	t.s.nextID++
	gen.ID = t.s.nextID
	if gen.Status == "" {
		gen.Status = models.GenerationPending
	}
	gen.CreatedAt = t.now()
	t.s.generations = append(t.s.generations, gen)
	return gen, nil
}

func (t *memTx) GetGeneration(_ context.Context, id int64) (models.GenerationRecord, error) {
	for _, g := range t.s.generations {
		if g.ID == id {
			return g, nil
		}
	}
	return models.GenerationRecord{}, store.ErrNotFound
}

func (t *memTx) UpdateGeneration(_ context.Context, gen models.GenerationRecord) error {
	for i, g := range t.s.generations {
		if g.ID == gen.ID {
			t.s.generations[i] = gen
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *memTx) CountCompletedGenerations(_ context.Context, userID int64, since time.Time) (int, error) {
	n := 0
	for _, g := range t.s.generations {
		if g.UserID == userID && g.Status == models.GenerationCompleted && !g.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
