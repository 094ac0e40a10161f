// Package session tracks one capability execution: its lifecycle state
// machine, sequenced output frames per stream, and cooperative
// cancellation observed at yield boundaries.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

var (
	ErrIllegalTransition = errors.New("session: illegal state transition")
	// ErrClosed is returned by operations on a session in a terminal state.
	ErrClosed = errors.New("session: already terminated")
	// ErrCancelled is returned by Yield when a pending cancellation was
	// honored.
	ErrCancelled = errors.New("session: cancelled")
	ErrNoStream  = errors.New("session: stream name required")
)

// Frame is one sequenced unit of streamed output.
type Frame struct {
	SessionID string    `json:"session_id"`
	Stream    string    `json:"stream"`
	Seq       uint64    `json:"seq"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Transition records one lifecycle change. Running/Yielding round trips
// are not recorded; Frames carries that history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Session is single-writer; Snapshot, Frames and Done may be called
// concurrently by monitors, and RequestCancel from anywhere.
type Session struct {
	id           string
	capabilityID string
	clock        func() time.Time

	mu        sync.RWMutex
	state     State
	seq       map[string]uint64
	frames    []Frame
	history   []Transition
	err       *errorir.Error
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	subs      []*Subscription

	cancelRequested atomic.Bool
	done            chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

// WithID fixes the session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// New creates a session in Created state.
func New(capabilityID string, opts ...Option) *Session {
	s := &Session{
		capabilityID: capabilityID,
		clock:        time.Now,
		seq:          make(map[string]uint64),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.createdAt = s.now()
	return s
}

func (s *Session) now() time.Time { return s.clock().UTC() }

func (s *Session) ID() string           { return s.id }
func (s *Session) CapabilityID() string { return s.capabilityID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// must hold s.mu
func (s *Session) moveLocked(to State, record bool) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrClosed, s.state, to)
	}
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, to)
	}
	at := s.now()
	if record {
		s.history = append(s.history, Transition{From: s.state, To: to, At: at})
	}
	s.state = to
	if to == Running && s.startedAt.IsZero() {
		s.startedAt = at
	}
	if to.Terminal() {
		s.endedAt = at
		if s.startedAt.IsZero() {
			s.startedAt = at
		}
		for _, sub := range s.subs {
			sub.close()
		}
		s.subs = nil
		close(s.done)
	}
	return nil
}

// Start moves Created -> Running. A cancellation requested before start
// is honored here.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Created && s.cancelRequested.Load() {
		s.err = errorir.New(errorir.KindCancelled, "cancelled before start").WithCapability(s.capabilityID)
		if err := s.moveLocked(Cancelled, true); err != nil {
			return err
		}
		return ErrCancelled
	}
	return s.moveLocked(Running, true)
}

// Yield emits the next frame on stream. The session passes through
// Yielding; a pending cancellation is honored there, in which case no
// frame is emitted and ErrCancelled is returned.
func (s *Session) Yield(stream string, payload any) (Frame, error) {
	if stream == "" {
		return Frame{}, ErrNoStream
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.moveLocked(Yielding, false); err != nil {
		return Frame{}, err
	}
	if s.cancelRequested.Load() {
		s.err = errorir.New(errorir.KindCancelled, "cancelled at yield on %q", stream).WithCapability(s.capabilityID)
		if err := s.moveLocked(Cancelled, true); err != nil {
			return Frame{}, err
		}
		return Frame{}, ErrCancelled
	}

	f := Frame{
		SessionID: s.id,
		Stream:    stream,
		Seq:       s.seq[stream],
		Payload:   payload,
		Timestamp: s.now(),
	}
	s.seq[stream]++
	s.frames = append(s.frames, f)
	for _, sub := range s.subs {
		sub.deliver(f)
	}
	if err := s.moveLocked(Running, false); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Complete moves Running -> Completed.
func (s *Session) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocked(Completed, true)
}

// Fail moves the session to Failed carrying the classified form of err.
// Only the first terminal transition wins; later calls return ErrClosed.
func (s *Session) Fail(err error) error {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrClosed, s.state, Failed)
	}
	e := errorir.From(err)
	if e.CapabilityID == "" {
		e.CapabilityID = s.capabilityID
	}
	s.err = e
	return s.moveLocked(Failed, true)
}

// RequestCancel asks the session to stop at its next yield boundary.
// It is safe to call from any goroutine and idempotent.
func (s *Session) RequestCancel() {
	s.cancelRequested.Store(true)
}

// Cancel moves the session to Cancelled immediately instead of at the
// next yield boundary. It is used when the caller abandons the execution.
func (s *Session) Cancel(reason string) error {
	s.cancelRequested.Store(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrClosed, s.state, Cancelled)
	}
	s.err = errorir.New(errorir.KindCancelled, "%s", reason).WithCapability(s.capabilityID)
	return s.moveLocked(Cancelled, true)
}

// CancelRequested reports whether cancellation is pending or honored.
func (s *Session) CancelRequested() bool { return s.cancelRequested.Load() }

// Err returns the classified error of a Failed or Cancelled session.
func (s *Session) Err() *errorir.Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Frames returns a copy of every emitted frame in emission order.
func (s *Session) Frames() []Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Frame(nil), s.frames...)
}

// History returns recorded lifecycle transitions.
func (s *Session) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transition(nil), s.history...)
}

// View is a consistent read-only picture of a session.
type View struct {
	ID              string            `json:"id"`
	CapabilityID    string            `json:"capability_id"`
	State           State             `json:"state"`
	Counters        map[string]uint64 `json:"counters"`
	FrameCount      int               `json:"frame_count"`
	CancelRequested bool              `json:"cancel_requested"`
	Err             *errorir.Error    `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         time.Time         `json:"ended_at"`
}

// Duration is EndedAt - StartedAt, or zero while running.
func (v View) Duration() time.Duration {
	if v.EndedAt.IsZero() || v.StartedAt.IsZero() {
		return 0
	}
	return v.EndedAt.Sub(v.StartedAt)
}

// Snapshot returns a View of the session.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counters := make(map[string]uint64, len(s.seq))
	for k, v := range s.seq {
		counters[k] = v
	}
	return View{
		ID:              s.id,
		CapabilityID:    s.capabilityID,
		State:           s.state,
		Counters:        counters,
		FrameCount:      len(s.frames),
		CancelRequested: s.cancelRequested.Load(),
		Err:             s.err,
		CreatedAt:       s.createdAt,
		StartedAt:       s.startedAt,
		EndedAt:         s.endedAt,
	}
}
