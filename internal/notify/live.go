package notify

import (
	"context"

	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

var _ interfaces.NotificationSink = (*LiveSink)(nil)

// LiveSink pushes notifications straight to the recipient's open tabs.
type LiveSink struct {
	pusher Pusher
}

// NewLiveSink creates the in-process sink.
func NewLiveSink(pusher Pusher) *LiveSink {
	return &LiveSink{pusher: pusher}
}

func (s *LiveSink) Name() string { return "live" }

// Deliver never fails; an offline recipient simply gets nothing.
func (s *LiveSink) Deliver(ctx context.Context, event types.NotificationEvent) error {
	recipient := event.Notification.UserID
	if !s.pusher.SendTo(recipient, types.NewNotificationFrame(Payload(event))) {
		return nil
	}
	if event.NewlyUnread {
		s.pusher.SendTo(recipient, types.NotificationCountFrame(types.CountIncrement, 1))
	}
	return nil
}
