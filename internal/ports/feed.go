package ports

import "context"

// EventFeed is the persistent streaming connection to the marketplace.
// Implementations deliver every raw message to the handler given at
// construction time and own their reconnect policy; Start returns once the
// connection loop is running, Stop tears it down synchronously.
type EventFeed interface {
	Start(ctx context.Context) error
	Stop()
}
