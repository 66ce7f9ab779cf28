package idempotency

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

type memStore struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
	now     func() time.Time
	getErr  error
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{entries: map[string]*InboxEntry{}, now: now}
}

func (m *memStore) Get(_ context.Context, key string) (*InboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) Start(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = m.now()
		return nil
	}
	m.entries[key] = &InboxEntry{
		IdempotencyKey: key, HandlerName: handler, Status: StatusStarted, Payload: payload,
		CreatedAt: m.now(), UpdatedAt: m.now(), ExpiresAt: &expiresAt,
	}
	return nil
}

func (m *memStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = m.now()
	return nil
}

func (m *memStore) DeleteExpired(_ context.Context, now, finishedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if (e.ExpiresAt != nil && e.ExpiresAt.Before(now)) || (e.Status == StatusFinished && e.UpdatedAt.Before(finishedBefore)) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) RecoverStale(_ context.Context, startedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Status == StatusStarted && e.UpdatedAt.Before(startedBefore) {
			e.Status = StatusRecoverable
			n++
		}
	}
	return n, nil
}

func (m *memStore) Stats(context.Context) (*InboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &InboxStats{TotalEntries: int64(len(m.entries))}
	for _, e := range m.entries {
		switch e.Status {
		case StatusStarted:
			s.Started++
		case StatusFinished:
			s.Finished++
		case StatusRecoverable:
			s.Recoverable++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newInbox() (*Inbox, *memStore, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore(c.now)
	inbox := NewInbox(store, DefaultInboxConfig(), nil)
	inbox.now = c.now
	return inbox, store, c
}

func ok(result string) ProcessFunc {
	return func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(result), nil
	}
}

func TestProcessRunsOnce(t *testing.T) {
	inbox, store, _ := newInbox()
	ctx := context.Background()

	calls := 0
	fn := func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"warnings":1}`), nil
	}

	first, err := inbox.Process(ctx, "k1", "safety", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(ctx, "k1", "safety", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"warnings":1}`, string(second.Result))
	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusFinished, store.entries["k1"].Status)
}

func TestProcessRetryableErrorAllowsRetry(t *testing.T) {
	inbox, store, _ := newInbox()
	ctx := context.Background()
	transient := errors.New("connection reset")

	_, err := inbox.Process(ctx, "k1", "safety", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, transient
	})
	require.ErrorIs(t, err, transient)
	assert.Equal(t, StatusRecoverable, store.entries["k1"].Status)

	res, err := inbox.Process(ctx, "k1", "safety", nil, ok(`{}`))
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.False(t, res.IsNew)
}

func TestProcessPermanentErrorIsNotRetried(t *testing.T) {
	inbox, store, _ := newInbox()
	ctx := context.Background()
	notFound := errors.New("patient not found")

	_, err := inbox.Process(ctx, "k1", "safety", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Permanent(notFound)
	})
	require.ErrorIs(t, err, notFound)
	assert.Equal(t, StatusFailed, store.entries["k1"].Status)

	_, err = inbox.Process(ctx, "k1", "safety", nil, ok(`{}`))
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestProcessInProgressAndStaleRecovery(t *testing.T) {
	inbox, store, c := newInbox()
	ctx := context.Background()
	require.NoError(t, store.Start(ctx, "k1", "safety", nil, c.t.Add(time.Hour)))

	_, err := inbox.Process(ctx, "k1", "safety", nil, ok(`{}`))
	assert.ErrorIs(t, err, ErrMessageInProgress)

	c.t = c.t.Add(10 * time.Minute)
	res, err := inbox.Process(ctx, "k1", "safety", nil, ok(`{}`))
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.Equal(t, StatusFinished, store.entries["k1"].Status)
}

func TestProcessStoreError(t *testing.T) {
	inbox, store, _ := newInbox()
	store.getErr = errors.New("db down")

	_, err := inbox.Process(context.Background(), "k1", "safety", nil, ok(`{}`))
	assert.ErrorContains(t, err, "failed to check inbox")
}

func TestCleanupAndRecover(t *testing.T) {
	inbox, store, c := newInbox()
	ctx := context.Background()

	_, err := inbox.Process(ctx, "old", "safety", nil, ok(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.Start(ctx, "stuck", "safety", nil, c.t.Add(30*24*time.Hour)))

	c.t = c.t.Add(8 * 24 * time.Hour)

	recovered, err := inbox.RecoverStaleEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	deleted, err := inbox.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	stats, err := inbox.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)
	assert.Equal(t, int64(1), stats.Recoverable)
}

func TestGenerateKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 10, 0, time.UTC)

	k1 := GenerateKey("p1", "v1", at)
	k2 := GenerateKey("p1", "v1", at.Add(40*time.Second))
	k3 := GenerateKey("p1", "v2", at)

	assert.Len(t, k1, 64)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, k1, GenerateKey("p1", "v1", at.In(time.FixedZone("AST", 3*3600))))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("x")
	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(errors.Join(errors.New("ctx"), Permanent(base))))
	assert.False(t, IsPermanent(base))
}
