package events

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

// DefaultTopic is the topic engine events are published on.
const DefaultTopic = "codechat.events"

// Sink receives engine events.
type Sink interface {
	Publish(e Event) error
}

// NullSink discards all events.
type NullSink struct{}

func (NullSink) Publish(Event) error { return nil }

// ChannelSink delivers events on a buffered channel. Publish blocks once the
// buffer is full.
type ChannelSink struct {
	C chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, buffer)}
}

func (c *ChannelSink) Publish(e Event) error {
	c.C <- e
	return nil
}

// WatermillSink publishes events to a watermill Publisher as JSON.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
}

func NewWatermillSink(publisher message.Publisher, topic string, logger *slog.Logger) *WatermillSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermillSink{publisher: publisher, topic: topic, logger: logger}
}

func (w *WatermillSink) Publish(e Event) error {
	payload, err := Encode(e)
	if err != nil {
		w.logger.Error("failed to encode event", "type", e.Type(), "error", err)
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := w.publisher.Publish(w.topic, msg); err != nil {
		w.logger.Error("failed to publish event", "topic", w.topic, "type", e.Type(), "error", err)
		return errors.Wrap(err, "failed to publish event")
	}
	return nil
}

// Consume decodes messages from a watermill subscription and hands them to
// handle until ctx is done or the subscription closes.
func Consume(ctx context.Context, subscriber message.Subscriber, topic string, logger *slog.Logger, handle func(Event)) error {
	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe")
	}
	return Drain(ctx, messages, logger, handle)
}

// Drain is Consume for a subscription the caller already holds, so nothing
// published after Subscribe returns is missed. Every message is acked,
// including ones that fail to decode.
func Drain(ctx context.Context, messages <-chan *message.Message, logger *slog.Logger, handle func(Event)) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			e, err := Decode(msg.Payload)
			if err != nil {
				logger.Warn("dropping undecodable event", "message_uuid", msg.UUID, "error", err)
			} else {
				handle(e)
			}
			msg.Ack()
		}
	}
}

var (
	_ Sink = NullSink{}
	_ Sink = (*ChannelSink)(nil)
	_ Sink = (*WatermillSink)(nil)
)
