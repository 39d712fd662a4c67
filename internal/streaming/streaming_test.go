package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_PreservesChunkOrder(t *testing.T) {
	ctx := context.Background()
	s := NewSession(ctx, "u1", "a1", Config{ChunkDelay: time.Millisecond, HeartbeatInterval: time.Hour})
	defer s.Close()

	go func() {
		for i := 0; i < 5; i++ {
			_ = s.Emit(ctx, 0, string(rune('a'+i)))
		}
	}()

	var got []string
	for i := 0; i < 5; i++ {
		evt := <-s.Events
		got = append(got, evt.Content)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestEmit_AdaptiveDelayGrowsUnderPressureAndShrinksAfter(t *testing.T) {
	ctx := context.Background()
	s := NewSession(ctx, "u1", "a1", Config{ChunkDelay: time.Millisecond, WindowSize: 1, HeartbeatInterval: time.Hour})
	defer s.Close()

	// Two chunks left unacknowledged push outstanding above WindowSize and
	// grow the delay.
	require.NoError(t, s.Emit(ctx, 0, "x"))
	require.NoError(t, s.Emit(ctx, 0, "x"))
	<-s.Events
	<-s.Events

	s.mu.Lock()
	grown := s.delay
	s.mu.Unlock()
	assert.Greater(t, grown, s.cfg.ChunkDelay)

	// Acknowledging both drops outstanding back under the window, so the
	// next Emit shrinks the delay back to the floor.
	s.Ack(1)
	s.Ack(1)
	require.NoError(t, s.Emit(ctx, 0, "x"))
	<-s.Events
	s.Ack(1)

	s.mu.Lock()
	shrunk := s.delay
	s.mu.Unlock()
	assert.Equal(t, s.cfg.ChunkDelay, shrunk)
}

func TestEmit_BlocksUntilAckWhenBufferBytesExceeded(t *testing.T) {
	ctx := context.Background()
	s := NewSession(ctx, "u1", "a1", Config{ChunkDelay: time.Millisecond, MaxBufferBytes: 3, HeartbeatInterval: time.Hour})
	defer s.Close()

	require.NoError(t, s.Emit(ctx, 0, "abc"))
	<-s.Events

	done := make(chan error, 1)
	go func() { done <- s.Emit(ctx, 0, "xyz") }()

	select {
	case <-done:
		t.Fatal("Emit returned before the first chunk was acknowledged")
	case <-time.After(20 * time.Millisecond):
	}

	s.Ack(3)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Emit did not unblock after Ack freed buffer space")
	}
	<-s.Events
	s.Ack(3)
}

func TestCancel_ClosesDoneExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := NewSession(ctx, "u1", "a1", Config{HeartbeatInterval: time.Hour})
	go func() {
		for range s.Events {
		}
	}()
	s.Cancel()
	assert.Equal(t, StatusCompleted, s.Status())
	select {
	case <-s.Done:
	default:
		t.Fatal("expected Done to be closed")
	}
}

func TestRegistry_SweepIdleRemovesAndClosesIdleSessions(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	s := NewSession(ctx, "u1", "a1", Config{MaxIdle: time.Millisecond, HeartbeatInterval: time.Hour})
	reg.Add(s)
	go func() {
		for range s.Events {
		}
	}()

	time.Sleep(5 * time.Millisecond)
	reg.SweepIdle()

	_, ok := reg.Get(s.SessionID)
	assert.False(t, ok)
	assert.Equal(t, StatusCompleted, s.Status())
}

func TestRegistry_DrainAllAbortsAndEmptiesSessions(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	s := NewSession(ctx, "u1", "a1", Config{HeartbeatInterval: time.Hour})
	reg.Add(s)
	go func() {
		for range s.Events {
		}
	}()

	reg.DrainAll("server_shutdown")

	_, ok := reg.Get(s.SessionID)
	assert.False(t, ok)
	assert.Equal(t, StatusError, s.Status())
	select {
	case <-s.Done:
	default:
		t.Fatal("expected Done to be closed")
	}
}
