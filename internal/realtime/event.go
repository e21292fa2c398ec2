// Package realtime subscribes to the hosted store's change feed and turns
// its loose JSON frames into typed events at the boundary. The merge
// handler is the only consumer; transport detail stays here.
package realtime

import (
	"context"

	"github.com/tmarotta/quill/internal/remote"
)

// Event is a change-feed event scoped to one chat. Exactly one of the
// concrete types below is produced per frame; each carries only the fields
// its kind guarantees.
type Event interface {
	eventKind() string
}

// InsertEvent is a newly inserted message row.
type InsertEvent struct {
	Message remote.Message
}

// UpdateEvent carries a partial update to an existing row. Only fields
// present in the frame are set; absent fields are nil.
type UpdateEvent struct {
	ID     string
	Fields remote.UpdateFields
}

// DeleteEvent is a removed row. Terminal: consumers tombstone the id.
type DeleteEvent struct {
	ID string
}

func (InsertEvent) eventKind() string { return "insert" }
func (UpdateEvent) eventKind() string { return "update" }
func (DeleteEvent) eventKind() string { return "delete" }

// Subscription yields the change events of one chat. The sequence is lazy,
// unbounded and restartable: transport drops are reconnected internally and
// delivery is at-least-once. Events() is closed only by Close or context
// cancellation.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Channel creates per-chat subscriptions.
type Channel interface {
	Subscribe(ctx context.Context, chatID string) (Subscription, error)
}
