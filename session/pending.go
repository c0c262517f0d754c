package session

import "sync"

// callbackResult is what an authorization callback delivers to the flow that
// is waiting for it: either the authorization code or the provider's error.
type callbackResult struct {
	code string
	err  error
}

// pendingRegistry is the correlation table between in-flight CreateSession
// calls and asynchronously delivered callback URIs. Each waiter is keyed by
// the flow's state value; the browser redirect carries the same state back,
// which routes the result to exactly one waiter. Channels are buffered so a
// resolve never blocks on a waiter that already gave up.
type pendingRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan callbackResult
}

func newPendingRegistry() *pendingRegistry {
	return &pendingRegistry{
		waiters: make(map[string]chan callbackResult),
	}
}

// register adds a waiter for the given state. At most one waiter may exist
// per state; registering again replaces the previous channel.
func (p *pendingRegistry) register(state string) <-chan callbackResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	waiter := make(chan callbackResult, 1)
	p.waiters[state] = waiter
	return waiter
}

// resolve delivers a result to the waiter registered for state and removes
// the entry. It reports whether a waiter was found - an unmatched state
// means the callback is orphaned (e.g. its flow already timed out).
func (p *pendingRegistry) resolve(state string, result callbackResult) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	waiter, ok := p.waiters[state]
	if !ok {
		return false
	}
	delete(p.waiters, state)
	waiter <- result
	return true
}

// remove drops the waiter for state without delivering anything. Used when
// the waiting side stops listening (timeout or cancelled context).
func (p *pendingRegistry) remove(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, state)
}

// rejectAll resolves every outstanding waiter with err and empties the
// registry. Returns how many waiters were rejected.
func (p *pendingRegistry) rejectAll(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	rejected := len(p.waiters)
	for state, waiter := range p.waiters {
		waiter <- callbackResult{err: err}
		delete(p.waiters, state)
	}
	return rejected
}

func (p *pendingRegistry) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
