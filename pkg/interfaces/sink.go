package interfaces

import (
	"context"

	"rendezvous/pkg/types"
)

// NotificationSink receives every coalesced notification write.
type NotificationSink interface {
	Name() string
	Deliver(ctx context.Context, event types.NotificationEvent) error
}
