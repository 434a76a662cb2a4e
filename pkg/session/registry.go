// Package session implements the process-wide AI session registry:
// opaque conversation handles, cloneable with history filtering, torn
// down at run end or on process signals.
package session

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Message is one turn of an AI conversation. The Scaffolding flag marks
// internal bookkeeping messages that Clone strips out.
type Message struct {
	Role        string
	Content     string
	Scaffolding bool
}

// Handle is an opaque AI conversation handle. The engine never inspects
// its contents beyond Clone/teardown; talking to a real AI vendor is
// the provider's business, not this registry's.
type Handle struct {
	ID      string
	History []Message
}

// CloneOptions controls how a cloned session's history is filtered.
type CloneOptions struct {
	// DropScaffolding removes messages flagged Scaffolding from the
	// clone's history.
	DropScaffolding bool
}

// Registry owns every live session handle in the process, keyed by
// session id.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
	teardown sync.Once
	stopSig  chan struct{}
}

// NewRegistry creates an empty session registry and installs signal
// handlers that tear it down on SIGINT/SIGTERM.
func NewRegistry() *Registry {
	r := &Registry{
		handles: make(map[string]*Handle),
		stopSig: make(chan struct{}),
	}
	r.installSignalHandler()
	return r
}

func (r *Registry) installSignalHandler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			r.TearDown()
		case <-r.stopSig:
			signal.Stop(sigCh)
		}
	}()
}

// Register stores a new session handle, created on first use.
func (r *Registry) Register(id string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[id]; exists {
		return fmt.Errorf("session %q already registered", id)
	}
	r.handles[id] = h
	return nil
}

// Get retrieves a session handle by id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Clone produces a fresh session whose history is a filtered deep copy
// of the source session. The source is left untouched.
func (r *Registry) Clone(sourceID, newID string, opts CloneOptions) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	source, ok := r.handles[sourceID]
	if !ok {
		return nil, fmt.Errorf("source session %q not found", sourceID)
	}
	if _, exists := r.handles[newID]; exists {
		return nil, fmt.Errorf("session %q already registered", newID)
	}

	history := make([]Message, 0, len(source.History))
	for _, msg := range source.History {
		if opts.DropScaffolding && msg.Scaffolding {
			continue
		}
		history = append(history, msg)
	}

	clone := &Handle{ID: newID, History: history}
	r.handles[newID] = clone
	return clone, nil
}

// Unregister removes a session handle.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// TearDown removes every session handle. Safe to call more than once and
// from the installed signal handler or normal run-end cleanup.
func (r *Registry) TearDown() {
	r.teardown.Do(func() {
		r.mu.Lock()
		r.handles = make(map[string]*Handle)
		r.mu.Unlock()
		close(r.stopSig)
	})
}

// ResolveReuseSource picks which dependency's session a check reuses.
// An explicit name short-circuits; otherwise the first-by-declared-order
// dependency that reached success is used, so the choice stays
// deterministic even when an OR group offers several candidates. When no
// dependency has succeeded, the first declared dependency is returned.
func ResolveReuseSource(reuseAISession string, orderedGroup []string, succeeded func(name string) bool) string {
	if reuseAISession != "" && reuseAISession != "true" {
		return reuseAISession
	}
	for _, name := range orderedGroup {
		if succeeded(name) {
			return name
		}
	}
	if len(orderedGroup) > 0 {
		return orderedGroup[0]
	}
	return ""
}
