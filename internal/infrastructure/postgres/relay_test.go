package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memOutbox struct {
	mu      sync.Mutex
	nextID  int64
	entries []*OutboxEntry
}

func (m *memOutbox) Append(_ context.Context, e *OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memOutbox) claim(match func(*OutboxEntry) bool, limit int) []*OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OutboxEntry
	for _, e := range m.entries {
		if e.ProcessedAt == nil && match(e) && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memOutbox) ClaimPending(_ context.Context, maxRetries, limit int, _ time.Duration) ([]*OutboxEntry, error) {
	return m.claim(func(e *OutboxEntry) bool { return e.RetryCount < maxRetries }, limit), nil
}

func (m *memOutbox) ClaimExhausted(_ context.Context, maxRetries, limit int, _ time.Duration) ([]*OutboxEntry, error) {
	return m.claim(func(e *OutboxEntry) bool { return e.RetryCount >= maxRetries }, limit), nil
}

func (m *memOutbox) find(id int64) *OutboxEntry {
	for _, e := range m.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *memOutbox) MarkProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.find(id).ProcessedAt = &now
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	e.RetryCount++
	e.LastError = &errMsg
	return nil
}

func (m *memOutbox) CountPending(_ context.Context, maxRetries int) (int64, error) {
	return int64(len(m.claim(func(e *OutboxEntry) bool { return e.RetryCount < maxRetries }, 1<<30))), nil
}

func (m *memOutbox) DeleteProcessed(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*OutboxEntry
	var n int64
	for _, e := range m.entries {
		if e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}

type message struct {
	topic, key string
	value      []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []message
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[topic] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, message{topic, key, value})
	return nil
}

type gauge struct{ v float64 }

func (g *gauge) Set(v float64) { g.v = v }

func TestRelayPublishesPending(t *testing.T) {
	store := &memOutbox{}
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &OutboxEntry{
		AggregateID: "p1", EventType: "SafetySignalsDetected",
		Payload: json.RawMessage(`{"a":1}`), KafkaTopic: "medication.safety-signals", KafkaKey: "p1",
	}))
	require.NoError(t, store.Append(ctx, &OutboxEntry{
		AggregateID: "p2", EventType: "SafetySignalsDetected",
		Payload: json.RawMessage(`{"a":2}`), KafkaTopic: "medication.safety-signals", KafkaKey: "p2",
	}))

	pub := &fakePublisher{}
	g := &gauge{v: -1}
	relay := NewRelay(store, pub, DefaultRelayConfig(), g, nil)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, "p1", pub.sent[0].key)
	assert.Equal(t, 0.0, g.v)

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.sent, 2)
}

func TestRelayDeadLettersExhaustedEntries(t *testing.T) {
	store := &memOutbox{}
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &OutboxEntry{
		AggregateID: "p1", EventType: "SafetySignalsDetected",
		Payload: json.RawMessage(`{}`), KafkaTopic: "medication.safety-signals", KafkaKey: "p1",
	}))

	pub := &fakePublisher{fail: map[string]bool{"medication.safety-signals": true}}
	cfg := DefaultRelayConfig()
	cfg.MaxRetries = 2
	g := &gauge{}
	relay := NewRelay(store, pub, cfg, g, nil)

	_, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, g.v)
	assert.Equal(t, 1, store.entries[0].RetryCount)

	_, err = relay.RunOnce(ctx)
	require.NoError(t, err)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "dead.letter", pub.sent[0].topic)
	var dl map[string]any
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &dl))
	assert.Equal(t, "medication.safety-signals", dl["original_topic"])
	assert.Equal(t, "broker unavailable", dl["last_error"])
	assert.NotNil(t, store.entries[0].ProcessedAt)
	assert.Equal(t, 0.0, g.v)
}

func TestRelayCleanup(t *testing.T) {
	store := &memOutbox{}
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &OutboxEntry{KafkaTopic: "t"}))
	require.NoError(t, store.MarkProcessed(ctx, 1))

	relay := NewRelay(store, &fakePublisher{}, DefaultRelayConfig(), nil, nil)
	relay.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	n, err := relay.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, store.entries)
}

func TestRelayStartStop(t *testing.T) {
	store := &memOutbox{}
	pub := &fakePublisher{}
	cfg := DefaultRelayConfig()
	cfg.PollInterval = 5 * time.Millisecond
	relay := NewRelay(store, pub, cfg, nil, nil)

	require.NoError(t, store.Append(context.Background(), &OutboxEntry{KafkaTopic: "t", KafkaKey: "k"}))
	relay.Start()
	assert.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.sent) == 1
	}, time.Second, 5*time.Millisecond)
	relay.Stop()
}
