// Package consumer turns check-in domain events into host notifications.
package consumer

import (
	"context"
	"fmt"

	"github.com/diagnosis/eventcheckin/pkg/events"
	"github.com/diagnosis/eventcheckin/pkg/logger"
)

// QueueGroup lets several notify instances share the event stream so each
// event is handled once.
const QueueGroup = "notify"

// Notification is one message for an event's host.
type Notification struct {
	EventID string
	Kind    string
	Text    string
}

// Sink delivers notifications.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Send(ctx context.Context, n Notification) error {
	logger.InfoContext(logger.WithEvent(ctx, n.EventID), "Notification", "kind", n.Kind, "text", n.Text)
	return nil
}

type Consumer struct {
	bus  events.Subscriber
	sink Sink
	subs []events.Subscription
}

func New(bus events.Subscriber, sink Sink) *Consumer {
	return &Consumer{bus: bus, sink: sink}
}

// Start subscribes to check-in and display events.
func (c *Consumer) Start(ctx context.Context) error {
	handlers := map[string]func(*events.Message) (Notification, error){
		events.CheckInRecorded: checkInNotification,
		events.DisplayOpened:   displayNotification("display_opened", "Check-in display opened"),
		events.DisplayClosed:   displayNotification("display_closed", "Check-in display closed"),
	}
	for subject, build := range handlers {
		build := build
		sub, err := c.bus.QueueSubscribe(subject, QueueGroup, func(msg *events.Message) {
			n, err := build(msg)
			if err != nil {
				logger.ErrorContext(ctx, "Dropping undecodable event", "error", err, "subject", msg.Subject)
				return
			}
			if err := c.sink.Send(ctx, n); err != nil {
				logger.ErrorContext(ctx, "Failed to send notification", "error", err, "subject", msg.Subject)
			}
		})
		if err != nil {
			c.Stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

func (c *Consumer) Stop() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("Unsubscribe failed", "error", err)
		}
	}
	c.subs = nil
}

func checkInNotification(msg *events.Message) (Notification, error) {
	var evt events.CheckInRecordedEvent
	if err := msg.Decode(&evt); err != nil {
		return Notification{}, err
	}
	name := evt.UserName
	if name == "" {
		name = evt.UserID
	}
	return Notification{
		EventID: evt.EventID,
		Kind:    "checked_in",
		Text:    fmt.Sprintf("%s checked in (%d total)", name, evt.Count),
	}, nil
}

func displayNotification(kind, text string) func(*events.Message) (Notification, error) {
	return func(msg *events.Message) (Notification, error) {
		var evt events.DisplayEvent
		if err := msg.Decode(&evt); err != nil {
			return Notification{}, err
		}
		return Notification{EventID: evt.EventID, Kind: kind, Text: text}, nil
	}
}
