package notifications

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/workout-notify/internal/domain"
)

type subKey struct {
	userID  string
	channel domain.ChannelKind
}

// fakeRepository is an in-memory Repository.
type fakeRepository struct {
	mu        sync.Mutex
	subs      map[subKey]domain.DeviceSubscription
	members   map[string]domain.MemberType
	staff     []string
	languages map[string]domain.Language
	nextID    int

	membersErr error
	staffErr   error
	upsertErr  error
	staffCalls int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		subs:      make(map[subKey]domain.DeviceSubscription),
		members:   make(map[string]domain.MemberType),
		languages: make(map[string]domain.Language),
	}
}

func (f *fakeRepository) addMember(id string, memberType domain.MemberType) {
	f.members[id] = memberType
}

func (f *fakeRepository) UpsertSubscription(_ context.Context, sub *domain.DeviceSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	key := subKey{sub.UserID, sub.Channel}
	now := time.Now()
	if existing, ok := f.subs[key]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		f.nextID++
		sub.ID = fmt.Sprintf("sub-%d", f.nextID)
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	f.subs[key] = *sub
	return nil
}

func (f *fakeRepository) GetSubscription(_ context.Context, userID string, channel domain.ChannelKind) (*domain.DeviceSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[subKey{userID, channel}]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (f *fakeRepository) ListUserSubscriptions(_ context.Context, userID string) ([]domain.DeviceSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var subs []domain.DeviceSubscription
	for _, kind := range domain.AllChannels() {
		if sub, ok := f.subs[subKey{userID, kind}]; ok {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (f *fakeRepository) ListSubscriptionsForUsers(_ context.Context, channel domain.ChannelKind, userIDs []string) ([]domain.DeviceSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var subs []domain.DeviceSubscription
	for _, id := range userIDs {
		if sub, ok := f.subs[subKey{id, channel}]; ok {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (f *fakeRepository) DeleteSubscription(_ context.Context, userID string, channel domain.ChannelKind) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subKey{userID, channel}
	_, ok := f.subs[key]
	delete(f.subs, key)
	return ok, nil
}

func (f *fakeRepository) DeleteSubscriptionByEndpoint(_ context.Context, channel domain.ChannelKind, endpoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, sub := range f.subs {
		if key.channel == channel && sub.Endpoint == endpoint {
			delete(f.subs, key)
		}
	}
	return nil
}

func (f *fakeRepository) ListMemberIDs(_ context.Context, priorityOnly bool) ([]string, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	var ids []string
	for id, t := range f.members {
		if !priorityOnly || t.IsPriority() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeRepository) ListApprovedStaffIDs(_ context.Context) ([]string, error) {
	f.staffCalls++
	if f.staffErr != nil {
		return nil, f.staffErr
	}
	return append([]string(nil), f.staff...), nil
}

func (f *fakeRepository) GetLanguages(_ context.Context, userIDs []string) (map[string]domain.Language, error) {
	result := make(map[string]domain.Language)
	for _, id := range userIDs {
		if lang, ok := f.languages[id]; ok {
			result[id] = lang
		}
	}
	return result, nil
}

// fakeChannel records deliveries and returns a configured result.
type fakeChannel struct {
	kind      domain.ChannelKind
	configErr error
	report    Report
	err       error
	panicWith any
	delay     time.Duration

	mu         sync.Mutex
	deliveries []Delivery
}

func (c *fakeChannel) Kind() domain.ChannelKind { return c.kind }

func (c *fakeChannel) CheckConfig() error { return c.configErr }

func (c *fakeChannel) Deliver(ctx context.Context, d Delivery) (Report, error) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()

	if c.panicWith != nil {
		panic(c.panicWith)
	}
	if c.configErr != nil {
		return Report{}, c.configErr
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return Report{Failed: len(d.Recipients)}, NewRetryableError(c.kind, 0, ctx.Err().Error())
		}
	}
	return c.report, c.err
}

func (c *fakeChannel) calls() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.deliveries...)
}

// fakeGuard is an in-memory Guard.
type fakeGuard struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{keys: make(map[string]bool)}
}

func (g *fakeGuard) Acquire(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return false, g.err
	}
	if g.keys[key] {
		return false, nil
	}
	g.keys[key] = true
	return true, nil
}

func (g *fakeGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}
