package outbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBroker_FanOut(t *testing.T) {
	b := newBroker(t, "news")
	require.False(t, b.CreateChannel("news"))

	s1, c1, err := b.Subscribe("news", 1)
	require.NoError(t, err)
	defer c1()
	s2, c2, err := b.Subscribe("news", 1)
	require.NoError(t, err)
	defer c2()

	require.NoError(t, b.Publish(context.Background(), Message{Channel: "news", Payload: []byte("x")}))
	require.Equal(t, "x", string((<-s1).Payload))
	require.Equal(t, "x", string((<-s2).Payload))
}

func TestBroker_DropsForFullSubscriber(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := NewBroker(zap.New(core))
	b.CreateChannel("news")
	sub, cancel, err := b.Subscribe("news", 1)
	require.NoError(t, err)
	defer cancel()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, Message{Channel: "news", Payload: []byte("1")}))
	require.NoError(t, b.Publish(ctx, Message{Channel: "news", Payload: []byte("2")}))
	require.Len(t, sub, 1)
	require.Equal(t, 1, logs.FilterMessage("subscriber full, message dropped").Len())
}

func TestBroker_UnknownChannel(t *testing.T) {
	b := newBroker(t)
	require.False(t, b.HasChannel(context.Background(), "x"))
	_, _, err := b.Subscribe("x", 1)
	require.ErrorIs(t, err, ErrUnknownChannel)
	require.ErrorIs(t, b.Publish(context.Background(), Message{Channel: "x"}), ErrUnknownChannel)
}

func TestBroker_CloseChannelEndsSubscriptions(t *testing.T) {
	b := newBroker(t, "news")
	sub, cancel, err := b.Subscribe("news", 1)
	require.NoError(t, err)
	b.CloseChannel("news")
	_, open := <-sub
	require.False(t, open)
	cancel()
	require.False(t, b.HasChannel(context.Background(), "news"))
}
