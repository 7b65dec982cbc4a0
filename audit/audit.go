// Package audit records privileged actions and authorization denials.
// Recording never blocks or fails the request that produced the event.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Result values for an audit event.
const (
	ResultSuccess = "success"
	ResultDenied  = "denied"
	ResultFailure = "failure"
)

// Event is a single audit record: who did what to which target, and how it
// went.
type Event struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Actor   string    `json:"actor"`
	Method  string    `json:"auth_method,omitempty"`
	Action  string    `json:"action"`
	Target  string    `json:"target"`
	Result  string    `json:"result"`
	Details string    `json:"details,omitempty"`
}

// Recorder is the audit sink contract. Implementations must not return
// control-flow errors: audit failures are their own problem to log.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) {}

// LogRecorder writes events as structured log lines.
type LogRecorder struct {
	log zerolog.Logger
}

func NewLogRecorder(log zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: log.With().Str("component", "audit").Logger()}
}

func (r *LogRecorder) Record(_ context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	r.log.Info().
		Str("audit_id", event.ID).
		Time("at", event.Time).
		Str("actor", event.Actor).
		Str("auth_method", event.Method).
		Str("action", event.Action).
		Str("target", event.Target).
		Str("result", event.Result).
		Str("details", event.Details).
		Msg("audit event")
}

// Fanout forwards each event to every backend.
type Fanout struct {
	backends []Recorder
}

func NewFanout(backends ...Recorder) *Fanout {
	return &Fanout{backends: backends}
}

func (f *Fanout) Record(ctx context.Context, event Event) {
	for _, b := range f.backends {
		b.Record(ctx, event)
	}
}

var (
	_ Recorder = NopRecorder{}
	_ Recorder = (*LogRecorder)(nil)
	_ Recorder = (*Fanout)(nil)
)
