package session

import (
	"sync"
	"sync/atomic"
)

// Subscription receives frames as they are emitted. A subscriber that
// falls behind loses frames rather than blocking the session; Dropped
// counts them. C is closed when the session terminates or Close is called.
type Subscription struct {
	C <-chan Frame

	ch      chan Frame
	dropped atomic.Uint64
	once    sync.Once
	session *Session
}

// Subscribe registers a monitor with a buffer of buf frames. Subscribing
// to a terminated session returns an already-closed subscription.
func (s *Session) Subscribe(buf int) *Subscription {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan Frame, buf)
	sub := &Subscription{C: ch, ch: ch, session: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		sub.close()
		return sub
	}
	s.subs = append(s.subs, sub)
	return sub
}

// must hold session mu
func (sub *Subscription) deliver(f Frame) {
	select {
	case sub.ch <- f:
	default:
		sub.dropped.Add(1)
	}
}

func (sub *Subscription) close() {
	sub.once.Do(func() { close(sub.ch) })
}

// Dropped returns the number of frames this subscriber missed.
func (sub *Subscription) Dropped() uint64 { return sub.dropped.Load() }

// Close detaches the subscription.
func (sub *Subscription) Close() {
	s := sub.session
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.subs {
		if other == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	sub.close()
}
