package session

import (
	"sync"
	"time"
)

// State is an immutable snapshot of a session.
type State struct {
	ID             string
	Status         Status
	Connected      bool
	Transcript     string
	Question       string
	ResponseText   string
	LastError      string
	Speaking       bool
	Recording      bool
	AudioSupported bool
	MediaID        string
	MediaMIME      string
	VideoURL       string
}

// Busy reports whether input is currently refused.
func (s State) Busy() bool { return s.Status.IsBusy() }

// StateChange is delivered to listeners after every published mutation.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// StatusChanged reports whether the transition touched the status.
func (c StateChange) StatusChanged() bool { return c.From.Status != c.To.Status }

// StateListener observes session state changes. Listeners run on the
// session's control goroutine and must not call back into the session's
// blocking methods.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(ev StateChange) { f(ev) }

type listenerSet struct {
	mu     sync.Mutex
	nextID int
	items  map[int]StateListener
}

func (l *listenerSet) add(listener StateListener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.items == nil {
		l.items = make(map[int]StateListener)
	}
	id := l.nextID
	l.nextID++
	l.items[id] = listener
	return func() {
		l.mu.Lock()
		delete(l.items, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) notify(ev StateChange) {
	l.mu.Lock()
	listeners := make([]StateListener, 0, len(l.items))
	for i := 0; i < l.nextID; i++ {
		if item, ok := l.items[i]; ok {
			listeners = append(listeners, item)
		}
	}
	l.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(ev)
	}
}
