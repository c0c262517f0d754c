package session

import "sync"

// listeners fan out session lifecycle events to registered consumers.
// Callbacks run synchronously on the goroutine that caused the event.
type listeners struct {
	mu               sync.Mutex
	sessionAdded     []func(Session)
	sessionRemoved   []func(Session)
	authStateChanged []func(bool)
}

// OnSessionAdded registers a callback fired when a session is created.
func (e *Engine) OnSessionAdded(fn func(Session)) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.sessionAdded = append(e.listeners.sessionAdded, fn)
}

// OnSessionRemoved registers a callback fired when a session is removed.
func (e *Engine) OnSessionRemoved(fn func(Session)) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.sessionRemoved = append(e.listeners.sessionRemoved, fn)
}

// OnAuthStateChanged registers a callback fired when the engine transitions
// between authenticated and unauthenticated.
func (e *Engine) OnAuthStateChanged(fn func(bool)) {
	e.listeners.mu.Lock()
	defer e.listeners.mu.Unlock()
	e.listeners.authStateChanged = append(e.listeners.authStateChanged, fn)
}

func (l *listeners) emitSessionAdded(session Session) {
	for _, fn := range l.snapshotAdded() {
		fn(session)
	}
}

func (l *listeners) emitSessionRemoved(session Session) {
	for _, fn := range l.snapshotRemoved() {
		fn(session)
	}
}

func (l *listeners) emitAuthStateChanged(authenticated bool) {
	for _, fn := range l.snapshotAuthState() {
		fn(authenticated)
	}
}

func (l *listeners) snapshotAdded() []func(Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]func(Session){}, l.sessionAdded...)
}

func (l *listeners) snapshotRemoved() []func(Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]func(Session){}, l.sessionRemoved...)
}

func (l *listeners) snapshotAuthState() []func(bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]func(bool){}, l.authStateChanged...)
}
