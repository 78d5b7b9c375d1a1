package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hrauth/internal/lib/logger/handlers/slogdiscard"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Name)
	}
	return out
}

func TestDispatcher_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(slogdiscard.NewDiscardLogger(), DispatcherConfig{BufferSize: 16}, sink)

	d.Publish(context.Background(), Event{Name: UserLoggedIn})
	d.Publish(context.Background(), Event{Name: RefreshTokenReuseDetected})
	d.Publish(context.Background(), Event{Name: UserLoggedOut})
	d.Close()

	assert.Equal(t, []string{UserLoggedIn, RefreshTokenReuseDetected, UserLoggedOut}, sink.names())

	// Publishing after close is a silent no-op.
	d.Publish(context.Background(), Event{Name: UserLoggedIn})
	assert.Len(t, sink.names(), 3)
}

func TestDispatcher_StampsOccurredAt(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(slogdiscard.NewDiscardLogger(), DispatcherConfig{BufferSize: 1}, sink)

	d.Publish(context.Background(), Event{Name: UserLoggedIn})
	d.Close()

	require.Len(t, sink.events, 1)
	assert.False(t, sink.events[0].OccurredAt.IsZero())
}

func TestDispatcher_DropIfFullNeverBlocks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		once sync.Once
		mu   sync.Mutex
		got  []string
	)

	sink := SinkFunc(func(_ context.Context, e Event) error {
		once.Do(func() { close(started) })
		<-release
		mu.Lock()
		got = append(got, e.Name)
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(slogdiscard.NewDiscardLogger(), DispatcherConfig{BufferSize: 1, DropIfFull: true}, sink)

	d.Publish(context.Background(), Event{Name: "first"})
	<-started

	d.Publish(context.Background(), Event{Name: "second"})

	publishDone := make(chan struct{})
	go func() {
		d.Publish(context.Background(), Event{Name: "third"})
		close(publishDone)
	}()

	select {
	case <-publishDone:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full buffer")
	}

	assert.Equal(t, uint64(1), d.Dropped())

	close(release)
	d.Close()

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestDispatcher_BlockingPublishIsBounded(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	sink := SinkFunc(func(_ context.Context, _ Event) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	d := NewDispatcher(slogdiscard.NewDiscardLogger(), DispatcherConfig{
		BufferSize:     1,
		DropIfFull:     false,
		EnqueueTimeout: 20 * time.Millisecond,
	}, sink)

	d.Publish(context.Background(), Event{Name: "first"})
	<-started
	d.Publish(context.Background(), Event{Name: "second"})

	publishDone := make(chan struct{})
	go func() {
		d.Publish(context.Background(), Event{Name: "third"})
		close(publishDone)
	}()

	select {
	case <-publishDone:
	case <-time.After(time.Second):
		t.Fatal("publish waited past the enqueue timeout")
	}

	assert.Equal(t, uint64(1), d.Dropped())

	close(release)
	d.Close()
}

func TestDispatcher_SinkFailureIsContained(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	sink := SinkFunc(func(context.Context, Event) error {
		return errors.New("subscriber down")
	})

	d := NewDispatcher(logger, DispatcherConfig{BufferSize: 4}, sink)
	d.Publish(context.Background(), Event{Name: UserLoggedIn})
	d.Close()

	assert.Contains(t, buf.String(), "failed to deliver event")
	assert.Contains(t, buf.String(), "subscriber down")
}

func TestDispatcher_NilIsSafe(t *testing.T) {
	var d *Dispatcher
	d.Publish(context.Background(), Event{Name: UserLoggedIn})
	d.Close()
	assert.Zero(t, d.Dropped())
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	first := &recordingSink{}
	boom := errors.New("boom")

	m := MultiSink{
		first,
		nil,
		SinkFunc(func(context.Context, Event) error { return boom }),
	}

	err := m.Emit(context.Background(), Event{Name: UserLoggedOut})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{UserLoggedOut}, first.names())
}

func TestEvent_IsSecurityIncident(t *testing.T) {
	assert.True(t, Event{Name: RefreshTokenReuseDetected}.IsSecurityIncident())
	assert.True(t, Event{Name: ExpiredRefreshTokenAttemptDetected}.IsSecurityIncident())
	assert.False(t, Event{Name: UserLoggedIn}.IsSecurityIncident())
}

func TestLogSink_LevelByKind(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, s.Emit(context.Background(), Event{
		Name:    RefreshTokenReuseDetected,
		Payload: map[string]any{"user_id": "u-1"},
	}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, RefreshTokenReuseDetected, line["msg"])
	assert.Equal(t, "u-1", line["user_id"])
}

func TestRedisSink_Publishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "test.events")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "test.events")
	err = sink.Emit(ctx, Event{
		Name:       ExpiredRefreshTokenAttemptDetected,
		OccurredAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:    map[string]any{"user_id": "u-7", "all_revoked": true},
	})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, ExpiredRefreshTokenAttemptDetected, got.Name)
	assert.Equal(t, "u-7", got.Payload["user_id"])
	assert.Equal(t, true, got.Payload["all_revoked"])
}

func TestRedisSink_DefaultChannelAndFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	sink := NewRedisSink(client, "")
	assert.Equal(t, DefaultRedisChannel, sink.channel)

	mr.Close()
	err := sink.Emit(context.Background(), Event{Name: UserLoggedIn})
	require.Error(t, err)
}
