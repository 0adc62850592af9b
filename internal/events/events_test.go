package events

import (
	"context"
	"testing"
	"time"

	"CodeChat/internal/codeblock"
	"CodeChat/internal/session"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
)

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"nope","payload":{}}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestWatermillSink_DeliversThroughGoChannel(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 4)
	messages, err := pubSub.Subscribe(ctx, DefaultTopic)
	require.NoError(t, err)

	go func() {
		for msg := range messages {
			e, err := Decode(msg.Payload)
			if err == nil {
				received <- e
			}
			msg.Ack()
		}
	}()

	sink := NewWatermillSink(pubSub, DefaultTopic, nil)
	reply := &Reply{
		SessionID: "chat_1",
		RequestID: "r1",
		Message:   session.Message{Role: session.RoleAssistant, Content: "```py\nprint(1)\n```"},
		Blocks:    []codeblock.Block{{Language: "py", Code: "print(1)"}},
	}
	require.NoError(t, sink.Publish(reply))
	require.NoError(t, sink.Publish(&Error{SessionID: "chat_1", Kind: KindBackendUnavailable, Message: "refused"}))

	select {
	case e := <-received:
		require.Equal(t, reply, e)
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}
	select {
	case e := <-received:
		got, ok := e.(*Error)
		require.True(t, ok)
		require.Equal(t, KindBackendUnavailable, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("error not delivered")
	}
}

func TestConsume_StopsOnCancel(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- Consume(ctx, pubSub, DefaultTopic, nil, func(e Event) { got <- e })
	}()

	// publishing before the subscription exists would be dropped
	require.Eventually(t, func() bool {
		_ = NewWatermillSink(pubSub, DefaultTopic, nil).Publish(&Warning{SessionID: "chat_1", Kind: KindCorruptRecord})
		select {
		case e := <-got:
			return e.Type() == TypeWarning
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(1)
	require.NoError(t, sink.Publish(&SessionChanged{SessionID: "chat_2"}))
	e := <-sink.C
	require.Equal(t, "chat_2", e.Session())
}
