// Package storage defines the assist-event recording boundary. Recording
// is operational audit logging; core session state never touches storage.
package storage

import (
	"context"
	"time"
)

// Event kinds recorded by the session controller.
const (
	EventGenerated  = "generated"
	EventRedirected = "redirected"
	EventErrored    = "errored"
	EventAccepted   = "accepted"
	EventExamples   = "examples"
)

// Event is one recorded assist interaction.
type Event struct {
	ID         string
	SessionID  string
	FieldName  string
	Kind       string
	Model      string
	TokensUsed int
	Duration   time.Duration
	Error      string
	CreatedAt  time.Time
}

// Recorder persists assist events. Implementations must be safe for
// concurrent use. A nil Recorder means recording is disabled.
type Recorder interface {
	Record(ctx context.Context, ev *Event) error
	Close() error
}
