package supervisor

import (
	"time"

	"github.com/kelindar/event"
)

// Event type identifiers for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
)

// StateChanged is published on every state transition.
type StateChanged struct {
	Name   string    `json:"name"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Type returns the event type identifier for StateChanged.
func (e StateChanged) Type() uint32 { return TypeStateChanged }

// Subscribe registers fn for state changes. Delivery is asynchronous and in
// order. The returned function unsubscribes. Subscribing after Run has
// returned is a no-op.
func (s *Supervisor) Subscribe(fn func(StateChanged)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.busClosed {
		return func() {}
	}
	cancel := event.Subscribe(s.bus, fn)
	s.subs = append(s.subs, cancel)
	return func() { cancel() }
}

// SubscribeChan bridges state changes to ch, dropping events when ch is full.
func (s *Supervisor) SubscribeChan(ch chan<- StateChanged) func() {
	return s.Subscribe(func(e StateChanged) {
		select {
		case ch <- e:
		default:
		}
	})
}

// busDrain lets unsubscribed consumers flush queued events before the
// dispatcher stops waking them.
const busDrain = 50 * time.Millisecond

// closeBus ends every subscription and then closes the dispatcher.
func (s *Supervisor) closeBus() {
	s.subMu.Lock()
	if s.busClosed {
		s.subMu.Unlock()
		return
	}
	s.busClosed = true
	subs := s.subs
	s.subs = nil
	s.subMu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	time.AfterFunc(busDrain, func() { _ = s.bus.Close() })
}
