package bus

import "context"

// Role names one of the two logical connections the adapter keeps open
// against the backplane.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Handler receives one payload published on a channel.
type Handler func(payload string)

// Subscription is an active channel subscription on a Conn.
type Subscription interface {
	Unsubscribe() error
}

// Conn is a single link to the backplane. Done is closed when the link is
// lost or closed; after that every call fails.
type Conn interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	Done() <-chan struct{}
	Close() error
}

// Dialer opens links to a backplane. Implementations live in the driver
// packages (natsbus, redisbus, membus).
type Dialer interface {
	Dial(ctx context.Context, role Role) (Conn, error)
}
