package trading

import (
	"context"
	"io"
	"time"
)

// BlobStore writes downloaded artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes pipeline events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reports wall-clock time in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// LoadCompleted is published after a successful load run.
type LoadCompleted struct {
	RunID       string    `json:"run_id"`
	Inserted    int       `json:"inserted"`
	Skipped     int       `json:"skipped"`
	Batches     int       `json:"batches"`
	CompletedAt time.Time `json:"completed_at"`
}
