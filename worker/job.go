package worker

import (
	"sync/atomic"
	"time"

	"github.com/norfablabs/norfab/protocol"
)

// Job is the handle injected into every task invocation. Task code uses it
// to emit progress events and to check for cancellation between steps.
type Job struct {
	UUID       string
	Task       string
	ClientAddr string

	worker    *Worker
	cancelled atomic.Bool
}

func (j *Job) Cancel() {
	j.cancelled.Store(true)
}

// Cancelled reports whether the job was cancelled by a broker disconnect,
// a client DELETE or worker shutdown. Tasks should check it before each
// user-visible step and abandon cleanly when set.
func (j *Job) Cancelled() bool {
	return j.cancelled.Load()
}

// Event emits a progress event for this job. Events are best effort: they
// are queued for the broker and mirrored into the local job log, loss is
// not fatal.
func (j *Job) Event(message string, opts ...EventOption) {
	ev := protocol.Event{
		JUUID:     j.UUID,
		Worker:    j.worker.name,
		Service:   j.worker.service,
		Task:      j.Task,
		Message:   message,
		Severity:  protocol.SeverityInfo,
		Timestamp: time.Now().Format(protocol.TimestampFormat),
		Status:    "running",
		Resource:  []string{},
		Extras:    map[string]any{},
	}
	for _, opt := range opts {
		opt(&ev)
	}
	j.worker.emitEvent(j.ClientAddr, ev)
}

// EventOption customises an emitted event.
type EventOption func(*protocol.Event)

func WithSeverity(severity protocol.Severity) EventOption {
	return func(ev *protocol.Event) { ev.Severity = severity }
}

func WithStatus(status string) EventOption {
	return func(ev *protocol.Event) { ev.Status = status }
}

func WithResource(resource ...string) EventOption {
	return func(ev *protocol.Event) { ev.Resource = resource }
}

func WithExtras(extras map[string]any) EventOption {
	return func(ev *protocol.Event) { ev.Extras = extras }
}
