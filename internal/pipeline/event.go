package pipeline

import (
	"fmt"
	"time"

	"github.com/tiroq/neuralscribe/internal/statemachine"
)

// User-visible status strings.
const (
	MsgLoading      = "Cargando audio..."
	MsgTranscribing = "Transcribiendo..."
	FallbackText    = "No se pudo transcribir el audio."
	criticalPrefix  = "Error crítico en el worker: "
)

// ProgressMessage is the status line for the chunk being processed.
func ProgressMessage(current, total int) string {
	return fmt.Sprintf("PROCESANDO SEGMENTO %d DE %d", current, total)
}

// CriticalMessage is the status line for a failed run.
func CriticalMessage(err error) string {
	return criticalPrefix + err.Error()
}

// EventKind classifies an Event.
type EventKind string

const (
	KindLoading   EventKind = "loading"
	KindProgress  EventKind = "progress"
	KindFinalized EventKind = "finalized"
	KindFailed    EventKind = "failed"
)

// Event is one state change of a run, as seen by the presentation side.
type Event struct {
	RunID   string             `json:"run_id"`
	Kind    EventKind          `json:"kind"`
	State   statemachine.State `json:"state"`
	Current int                `json:"current"`
	Total   int                `json:"total"`
	Message string             `json:"message"`
	Status  string             `json:"status,omitempty"` // MsgTranscribing while chunks are processed
	Text    string             `json:"text,omitempty"`
	Time    time.Time          `json:"time"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.Kind == KindFinalized || e.Kind == KindFailed
}

// Publisher receives events from the worker goroutine. Implementations must
// not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f.
func (f PublisherFunc) Publish(e Event) { f(e) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
