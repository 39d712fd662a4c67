// Package streaming implements the Streaming Engine (C10): carrying partial
// provider output to a client over a long-lived per-session channel with
// ordering, backpressure, and heartbeat guarantees.
package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is one of Session.status's fixed values.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// EventType is one of the fixed client-visible event kinds.
type EventType string

const (
	EventStatus   EventType = "status"
	EventThinking EventType = "thinking"
	EventText     EventType = "text"
	EventFinal    EventType = "final"
	EventError    EventType = "error"
)

// Event is one item delivered to a client subscriber. ChunkID is unique
// within a session and is the idempotency key for at-least-once delivery.
type Event struct {
	ChunkID    string
	Type       EventType
	TurnIndex  int
	Content    string
	Reason     string // set on status/error events
	TokensIn   int
	TokensOut  int
	TotalCost  float64
	DurationMs int64
	CreatedAt  time.Time
}

// Config carries the backpressure/heartbeat knobs from StreamConfig.
type Config struct {
	HeartbeatInterval time.Duration
	MaxBufferBytes    int
	WindowSize        int
	ChunkDelay        time.Duration
	MaxChunkDelay     time.Duration
	MaxIdle           time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = 1 << 20
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.ChunkDelay <= 0 {
		c.ChunkDelay = 10 * time.Millisecond
	}
	if c.MaxChunkDelay <= 0 {
		c.MaxChunkDelay = 2 * time.Second
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 15 * time.Minute
	}
	return c
}

// Session is the lifecycle state of one stream; Events is the ordered,
// at-least-once delivery channel to the consumer.
type Session struct {
	SessionID    string
	UserID       string
	AgentID      string
	StartTime    time.Time
	lastActivity atomic.Int64 // unix nanos

	mu           sync.Mutex
	status       Status
	messageCount int

	Events chan Event

	cfg         Config
	bufBytes    int
	outstanding int
	delay       time.Duration
	drainCh     chan struct{} // closed and replaced by Ack to wake Emit calls waiting on backpressure

	cancel context.CancelFunc
	// Done is closed exactly once, by whichever of Cancel/Close/Abort runs first;
	// the Events channel is never closed, since concurrent producers
	// (turn processing and the heartbeat loop) could race a send against a
	// close. Consumers select on both Events and Done.
	Done chan struct{}
	once sync.Once
}

// NewSession constructs an active Session and starts its heartbeat
// goroutine, supervised by ctx.
func NewSession(ctx context.Context, userID, agentID string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		AgentID:   agentID,
		StartTime: time.Now().UTC(),
		status:    StatusActive,
		Events:    make(chan Event, 256),
		cfg:       cfg,
		delay:     cfg.ChunkDelay,
		drainCh:   make(chan struct{}),
		cancel:    cancel,
		Done:      make(chan struct{}),
	}
	s.touch()
	go s.heartbeatLoop(sessCtx)
	return s
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UTC().UnixNano())
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Idle reports whether the session has exceeded MaxIdle since last activity.
func (s *Session) Idle() bool {
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last) > s.cfg.MaxIdle
}

// Emit delivers one chunk of content, preserving order within the session
// and applying adaptive backpressure: the window of chunks sent but not
// yet acknowledged by the consumer (via Ack) beyond WindowSize doubles the
// inter-chunk delay (capped); falling back under the window halves it.
// Emit blocks under genuine buffer pressure (MaxBufferBytes of
// unacknowledged content) rather than dropping a chunk, since delivery is
// at-least-once.
func (s *Session) Emit(ctx context.Context, turnIndex int, content string) error {
	n := len(content)

	s.mu.Lock()
	for s.bufBytes+n > s.cfg.MaxBufferBytes {
		wait := s.drainCh
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	s.bufBytes += n
	s.outstanding++
	if s.outstanding > s.cfg.WindowSize {
		s.delay *= 2
		if s.delay > s.cfg.MaxChunkDelay {
			s.delay = s.cfg.MaxChunkDelay
		}
	} else {
		s.delay /= 2
		if s.delay < s.cfg.ChunkDelay {
			s.delay = s.cfg.ChunkDelay
		}
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.Ack(n)
			return ctx.Err()
		}
	}

	evt := Event{
		ChunkID:   uuid.NewString(),
		Type:      EventText,
		TurnIndex: turnIndex,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case s.Events <- evt:
	case <-ctx.Done():
		s.Ack(n)
		return ctx.Err()
	}
	s.touch()

	s.mu.Lock()
	s.messageCount++
	s.mu.Unlock()
	return nil
}

// Ack releases the backpressure credit for one chunk of n content bytes,
// called by the consumer once it has processed an Event read from Events.
// Until Ack is called, that chunk still counts as outstanding for both the
// window and buffer-byte checks in Emit, so a stalled consumer actually
// throttles and eventually blocks the producer instead of the 256-slot
// Events buffer silently absorbing the backlog.
func (s *Session) Ack(n int) {
	s.mu.Lock()
	s.bufBytes -= n
	if s.bufBytes < 0 {
		s.bufBytes = 0
	}
	if s.outstanding > 0 {
		s.outstanding--
	}
	close(s.drainCh)
	s.drainCh = make(chan struct{})
	s.mu.Unlock()
}

// EmitStatus sends a status/thinking/final/error event immediately, without
// the content backpressure path (these are small, infrequent signals).
func (s *Session) EmitStatus(ctx context.Context, typ EventType, reason string) {
	evt := Event{ChunkID: uuid.NewString(), Type: typ, Reason: reason, CreatedAt: time.Now().UTC()}
	select {
	case s.Events <- evt:
	case <-ctx.Done():
	}
	s.touch()
}

// EmitFinal sends the end-of-turn aggregated-metrics event.
func (s *Session) EmitFinal(ctx context.Context, turnIndex, tokensIn, tokensOut int, totalCost float64, durationMs int64) {
	evt := Event{
		ChunkID: uuid.NewString(), Type: EventFinal, TurnIndex: turnIndex,
		TokensIn: tokensIn, TokensOut: tokensOut, TotalCost: totalCost,
		DurationMs: durationMs, CreatedAt: time.Now().UTC(),
	}
	select {
	case s.Events <- evt:
	case <-ctx.Done():
	}
	s.touch()
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) >= s.cfg.HeartbeatInterval {
				s.EmitStatus(ctx, EventStatus, "heartbeat")
			}
		}
	}
}

// Cancel transitions the session to completed with client_gone and stops
// its background goroutines promptly.
func (s *Session) Cancel() {
	s.setStatus(StatusCompleted)
	s.EmitStatus(context.Background(), EventStatus, "client_gone")
	s.cancel()
	s.once.Do(func() { close(s.Done) })
}

// Close transitions the session to completed normally.
func (s *Session) Close() {
	s.setStatus(StatusCompleted)
	s.EmitStatus(context.Background(), EventStatus, "session_closed")
	s.cancel()
	s.once.Do(func() { close(s.Done) })
}

// Abort transitions the session to error state with the given reason,
// used by the composition root to mark open sessions aborted on shutdown.
func (s *Session) Abort(reason string) {
	s.setStatus(StatusError)
	s.EmitStatus(context.Background(), EventError, reason)
	s.cancel()
	s.once.Do(func() { close(s.Done) })
}

// Registry tracks live sessions for the inactivity sweep and lookup by ID.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.SessionID] = s
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// SweepIdle closes and removes every session idle beyond its MaxIdle.
// Intended to be run periodically by the composition root.
func (r *Registry) SweepIdle() {
	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.Idle() {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, s := range idle {
		s.Close()
	}
}

// DrainAll aborts every tracked session with reason, for use during graceful
// shutdown, and empties the registry.
func (r *Registry) DrainAll(reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Abort(reason)
	}
}
