package bus

import (
	"fmt"

	"github.com/probelabs/visor/internal/runlog"
	"github.com/probelabs/visor/pkg/visor"
)

// RunDescriptor identifies the run a Frontend is observing.
type RunDescriptor struct {
	RunID   string
	Trigger visor.TriggerContext
}

// FrontendContext is handed to a Frontend on Start.
type FrontendContext struct {
	Bus    *Bus
	Logger *runlog.Logger
	Config map[string]any
	Run    RunDescriptor
}

// Frontend is an outbound subscriber that renders or records engine
// events. Host only calls Start and Stop; a Frontend either subscribes
// to ctx.Bus during Start or is registered on the bus by its caller
// (as cmd/visor-engine does for the NDJSON sink). It must tolerate
// being stopped mid-delivery.
type Frontend interface {
	Name() string
	Start(ctx FrontendContext) error
	Stop() error
}

// Host loads, starts, and stops a fixed list of frontends for one run.
type Host struct {
	logger    *runlog.Logger
	frontends []Frontend
	started   []Frontend
}

// NewHost creates a Host that will start the given frontends.
func NewHost(logger *runlog.Logger, frontends ...Frontend) *Host {
	return &Host{logger: logger, frontends: frontends}
}

// Start starts every frontend. A failing frontend is logged and skipped;
// it never aborts the engine.
func (h *Host) Start(ctx FrontendContext) {
	for _, f := range h.frontends {
		if err := h.startOne(f, ctx); err != nil {
			if h.logger != nil {
				h.logger.Error("frontend failed to start", "frontend", f.Name(), "error", err)
			}
			continue
		}
		h.started = append(h.started, f)
	}
}

func (h *Host) startOne(f Frontend, ctx FrontendContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("frontend %s panicked on start: %v", f.Name(), r)
		}
	}()
	return f.Start(ctx)
}

// Stop stops every frontend that started successfully.
func (h *Host) Stop() {
	for _, f := range h.started {
		h.stopOne(f)
	}
	h.started = nil
}

func (h *Host) stopOne(f Frontend) {
	defer func() {
		if r := recover(); r != nil {
			if h.logger != nil {
				h.logger.Error("frontend panicked on stop", "frontend", f.Name(), "panic", r)
			}
		}
	}()
	if err := f.Stop(); err != nil && h.logger != nil {
		h.logger.Error("frontend failed to stop", "frontend", f.Name(), "error", err)
	}
}
