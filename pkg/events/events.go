package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/eventcheckin/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) (Subscription, error)
	QueueSubscribe(subject, queue string, handler func(msg *Message)) (Subscription, error)
	Close() error
}

type EventBus interface {
	Publisher
	Subscriber
}

// Subscription is the handle returned by Subscribe; Unsubscribe detaches the handler.
type Subscription interface {
	Unsubscribe() error
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	ID        string
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", m.Subject, err)
	}
	return nil
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("eventcheckin"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) (Subscription, error) {
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(toMessage(msg))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (n *NATSEventBus) QueueSubscribe(subject, queue string, handler func(msg *Message)) (Subscription, error) {
	sub, err := n.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(toMessage(msg))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (n *NATSEventBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

func toMessage(msg *nats.Msg) *Message {
	return &Message{
		Subject:   msg.Subject,
		Data:      msg.Data,
		Timestamp: time.Now(),
		ID:        fmt.Sprintf("%d", time.Now().UnixNano()),
	}
}

var _ EventBus = (*NATSEventBus)(nil)

// Event types and subjects
const (
	CheckInRecorded = "checkin.recorded"
	DisplayOpened   = "checkin.display.opened"
	DisplayClosed   = "checkin.display.closed"
)

// Event payloads
type CheckInRecordedEvent struct {
	RecordID   string    `json:"record_id"`
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	Count      int64     `json:"count"`
	RecordedAt time.Time `json:"recorded_at"`
}

type DisplayEvent struct {
	EventID string    `json:"event_id"`
	HostID  string    `json:"host_id"`
	At      time.Time `json:"at"`
}
