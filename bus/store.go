package bus

import (
	"context"

	"github.com/petal-labs/flowrun/runtime"
)

// EventStore persists session events for replay. Events are stored under
// their session id and ordered by Seq.
type EventStore interface {
	Append(ctx context.Context, event runtime.Event) error

	// List returns events of a session with Seq > afterSeq, at most limit
	// (0 means no limit).
	List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq of a session, 0 if it has none.
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)
}
