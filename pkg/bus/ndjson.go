package bus

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// NDJSONFrontend writes one JSON object per line to an io.Writer
// (typically a file sink), one line per event received.
type NDJSONFrontend struct {
	name string
	w    io.Writer
	mu   sync.Mutex
}

// NewNDJSONFrontend creates a frontend that writes every event it
// receives to w as one NDJSON line.
func NewNDJSONFrontend(name string, w io.Writer) *NDJSONFrontend {
	return &NDJSONFrontend{name: name, w: w}
}

func (f *NDJSONFrontend) Name() string { return f.name }

// Filter subscribes to every event kind; the sink records everything.
func (f *NDJSONFrontend) Filter(Kind) bool { return true }

func (f *NDJSONFrontend) OnEvent(_ context.Context, env Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.w.Write(line)
	return err
}

// Start/Stop satisfy the Frontend lifecycle interface; the NDJSON sink
// has no external resources to acquire or release beyond its writer.
func (f *NDJSONFrontend) Start(FrontendContext) error { return nil }
func (f *NDJSONFrontend) Stop() error                 { return nil }
