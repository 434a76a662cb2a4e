// Package human implements the human-input coordinator: the
// suspend/resume protocol that lets a running check wait for an external
// frontend to supply a value.
package human

import (
	"context"
	"sync"
	"time"

	"github.com/probelabs/visor/pkg/visor"
)

// Request describes one outstanding human-input request.
type Request struct {
	CheckID     string
	Prompt      string
	Placeholder string
	Multiline   bool
	Default     *string
	AllowEmpty  bool
	Timeout     time.Duration
}

// pending tracks one in-flight request's first-response-wins race.
type pending struct {
	once     sync.Once
	resultCh chan Response
}

// Response is what a frontend supplies to satisfy a request.
type Response struct {
	Value     string
	Cancelled bool
}

// Coordinator implements the suspend/resume protocol. One Coordinator is
// created per run.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{pending: make(map[string]*pending)}
}

// Await suspends the calling worker until a frontend responds via
// Respond, the request's timeout elapses, or ctx is cancelled. The
// caller must have already released its parallelism slot and published
// HumanInputRequested before calling Await, since Await only performs
// the wait itself.
func (c *Coordinator) Await(ctx context.Context, requestID string, req Request) (string, *visor.Error) {
	p := &pending{resultCh: make(chan Response, 1)}

	c.mu.Lock()
	c.pending[requestID] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	var timeoutCh <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-p.resultCh:
		if resp.Cancelled {
			return "", visor.NewError(visor.KindHumanInputCancelled, requestID)
		}
		return resp.Value, nil
	case <-timeoutCh:
		if req.Default != nil {
			return *req.Default, nil
		}
		return "", visor.NewError(visor.KindHumanInputTimeout, requestID)
	case <-ctx.Done():
		return "", visor.NewError(visor.KindHumanInputCancelled, requestID)
	}
}

// Respond delivers a value for an outstanding request. The first
// responder wins; later responses are silently dropped.
func (c *Coordinator) Respond(requestID string, value string) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	delivered := false
	p.once.Do(func() {
		p.resultCh <- Response{Value: value}
		delivered = true
	})
	return delivered
}

// Cancel resolves an outstanding request as cancelled, used when the run
// is being torn down while a check is Waiting.
func (c *Coordinator) Cancel(requestID string) {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return
	}
	p.once.Do(func() {
		p.resultCh <- Response{Cancelled: true}
	})
}
