// Package notify delivers user notifications as a fire-and-forget side
// effect. Events are published on an in-process pub/sub; delivery failures
// are logged and never surfaced to the operation that triggered them.
package notify

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// Topic carries every notification event.
const Topic = "notifications"

const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityOrder   = "order"
)

// Event is the wire form of one user notification.
type Event struct {
	UserID   int64  `json:"user_id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Link     string `json:"link,omitempty"`
}

// NewBus returns the in-process pub/sub both sides of the notification flow
// attach to.
func NewBus(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	// Persistent delivery means a sink that attaches late still receives
	// events published before its subscription landed.
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, logger)
}

// Notifier publishes notification events.
type Notifier struct {
	pub    message.Publisher
	logger watermill.LoggerAdapter
}

func NewNotifier(pub message.Publisher, logger watermill.LoggerAdapter) *Notifier {
	return &Notifier{pub: pub, logger: logger}
}

// Notify publishes one event. It never returns an error: a notification that
// cannot be delivered must not fail the operation that produced it.
func (n *Notifier) Notify(userID int64, title, msg, severity, link string) {
	event := Event{
		UserID:   userID,
		Title:    title,
		Message:  msg,
		Severity: severity,
		Link:     link,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("marshal notification", err, watermill.LogFields{"user_id": userID})
		return
	}

	if err := n.pub.Publish(Topic, message.NewMessage(uuid.NewString(), payload)); err != nil {
		n.logger.Error("publish notification", err, watermill.LogFields{"user_id": userID})
	}
}

// RunSink consumes notification events and hands each to persist, until ctx
// is cancelled. Persist failures are logged and the message is acked anyway;
// notifications are best-effort and must not back up the bus.
func RunSink(ctx context.Context, sub message.Subscriber, logger watermill.LoggerAdapter, persist func(context.Context, Event) error) error {
	messages, err := sub.Subscribe(ctx, Topic)
	if err != nil {
		return err
	}

	for msg := range messages {
		var event Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			logger.Error("decode notification", err, watermill.LogFields{"message_id": msg.UUID})
			msg.Ack()
			continue
		}

		if err := persist(ctx, event); err != nil {
			logger.Error("persist notification", err, watermill.LogFields{
				"message_id": msg.UUID,
				"user_id":    event.UserID,
			})
		}
		msg.Ack()
	}

	return nil
}
