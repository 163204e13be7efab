// Package messagequeue defines the port workflow events are published on
// and remote checkpoint commands arrive through.
package messagequeue

import "context"

// Handler processes one delivered message. A non-nil error asks the queue
// to redeliver it.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue publishes events and consumes commands.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers messages matching subject to handler until the
	// returned cancel is called.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain lets in-flight handlers finish, then closes the connection.
	Drain() error
	Close() error
	IsConnected() bool
}

// Subjects used by crewflow. Workflow events are published on
// "<prefix>.<task_id>.<event type>".
const (
	SubjectPrefix         = "crewflow"
	SubjectEvents         = SubjectPrefix + ".*.workflow.>" // every workflow event
	SubjectCommandDecide  = SubjectPrefix + ".commands.decide"
	SubjectCommandRestart = SubjectPrefix + ".commands.restart"
)
