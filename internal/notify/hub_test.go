package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/disposable/internal/domain"
	"tempmail/disposable/internal/pool"
)

type fakeSink struct {
	id      string
	fail    bool
	block   bool
	mu      sync.Mutex
	got     [][]byte
	arrived chan struct{}
}

func newFakeSink(id string) *fakeSink {
	return &fakeSink{id: id, arrived: make(chan struct{}, 16)}
}

func (s *fakeSink) ID() string { return s.id }

func (s *fakeSink) Send(ctx context.Context, payload []byte) error {
	defer func() { s.arrived <- struct{}{} }()
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.fail {
		return errors.New("connection reset")
	}
	s.mu.Lock()
	s.got = append(s.got, payload)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.arrived:
	case <-time.After(time.Second):
		t.Fatalf("sink %s 未收到推送", s.id)
	}
}

func (s *fakeSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func newTestHub(t *testing.T, now time.Time) *Hub {
	workers := pool.NewWorkerPool(4, 16, nil)
	workers.Start(context.Background())
	t.Cleanup(workers.Stop)
	return NewHub(workers, 50*time.Millisecond, WithClock(func() time.Time { return now }))
}

func testEvent() Event {
	entity := &domain.Entity{ID: "e1", Address: "a@temp.mail", Messages: []domain.Message{{ID: "m1"}}}
	return NewMailEvent(entity, domain.Message{ID: "m1", Subject: "hi", BodyText: "hello there"})
}

func TestHub_PublishToAllSubscribers(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	hub := newTestHub(t, now)
	key := Key{OwnerID: "owner-1", Address: "a@temp.mail"}

	tab1, tab2 := newFakeSink("tab-1"), newFakeSink("tab-2")
	hub.Subscribe(key, tab1, now.Add(time.Minute))
	hub.Subscribe(key, tab2, now.Add(time.Minute))
	hub.Subscribe(Key{OwnerID: "owner-2", Address: "a@temp.mail"}, newFakeSink("other"), now.Add(time.Minute))

	assert.Equal(t, 2, hub.Publish(key, testEvent()))
	tab1.wait(t)
	tab2.wait(t)

	var got Event
	require.NoError(t, json.Unmarshal(tab1.got[0], &got))
	assert.Equal(t, EventNewMail, got.Type)
	assert.Equal(t, "hi", got.Message.Subject)
	assert.Equal(t, "hello there", got.Message.Preview)
	assert.Equal(t, 1, got.MessageCount)
}

func TestHub_FailedSinkDoesNotAffectOthers(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	hub := newTestHub(t, now)
	key := Key{OwnerID: "owner-1", Address: "a@temp.mail"}

	broken := newFakeSink("broken")
	broken.fail = true
	slow := newFakeSink("slow")
	slow.block = true
	healthy := newFakeSink("healthy")

	hub.Subscribe(key, broken, now.Add(time.Minute))
	hub.Subscribe(key, slow, now.Add(time.Minute))
	hub.Subscribe(key, healthy, now.Add(time.Minute))

	start := time.Now()
	assert.Equal(t, 3, hub.Publish(key, testEvent()))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "Publish 不等待发送完成")

	healthy.wait(t)
	broken.wait(t)
	slow.wait(t)
	assert.Equal(t, 1, healthy.received())
	assert.Equal(t, 3, hub.Count(), "失败不会移除订阅")
}

func TestHub_ExpiredSubscriptionsSkipped(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	hub := newTestHub(t, now)
	key := Key{OwnerID: "owner-1", Address: "a@temp.mail"}

	hub.Subscribe(key, newFakeSink("dead"), now)
	assert.Equal(t, 0, hub.Publish(key, testEvent()))

	assert.Equal(t, 1, hub.Prune(now))
	assert.Equal(t, 0, hub.Count())
}

func TestHub_Unsubscribe(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	hub := newTestHub(t, now)
	k1 := Key{OwnerID: "owner-1", Address: "a@temp.mail"}
	k2 := Key{OwnerID: "owner-1", Address: "b@temp.mail"}
	sink := newFakeSink("tab")

	hub.Subscribe(k1, sink, now.Add(time.Hour))
	hub.Subscribe(k1, sink, now.Add(time.Hour))
	hub.Subscribe(k2, sink, now.Add(time.Hour))
	assert.Equal(t, 2, hub.Count(), "重复订阅只保留一份")

	assert.True(t, hub.Unsubscribe(k1, "tab"))
	assert.False(t, hub.Unsubscribe(k1, "tab"))

	hub.Subscribe(k1, newFakeSink("other"), now.Add(time.Hour))
	assert.Equal(t, 1, hub.UnsubscribeAll("tab"))
	assert.Equal(t, 1, hub.DropKey(k1))
	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, hub.Publish(k1, testEvent()))
}
