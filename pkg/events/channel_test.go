package events

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(t string) Message {
	return Message{Type: t}
}

func TestChannel_DropOldest(t *testing.T) {
	ch := NewChannel(2, DropOldest)

	require.NoError(t, ch.Publish(msg("a")))
	require.NoError(t, ch.Publish(msg("b")))
	require.NoError(t, ch.Publish(msg("c")))

	assert.Equal(t, 2, ch.Len())
	assert.Equal(t, uint64(1), ch.Dropped())

	got := ch.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Type)
	assert.Equal(t, "c", got[1].Type)
}

func TestChannel_RejectNew(t *testing.T) {
	ch := NewChannel(1, RejectNew)

	require.NoError(t, ch.Publish(msg("a")))
	assert.ErrorIs(t, ch.Publish(msg("b")), ErrChannelFull)

	m, ok := ch.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "a", m.Type)
	assert.Equal(t, uint64(1), ch.Dropped())
}

func TestChannel_ReceiveWaits(t *testing.T) {
	ch := NewChannel(4, DropOldest)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = ch.Publish(Message{Type: "late", Payload: map[string]interface{}{"n": 1}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m, err := ch.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", m.Type)
	assert.False(t, m.Timestamp.IsZero())
}

func TestChannel_ReceiveHonorsContext(t *testing.T) {
	ch := NewChannel(1, DropOldest)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_Close(t *testing.T) {
	ch := NewChannel(2, DropOldest)
	require.NoError(t, ch.Publish(msg("queued")))
	ch.Close()
	ch.Close()

	assert.ErrorIs(t, ch.Publish(msg("x")), ErrChannelClosed)

	m, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "queued", m.Type)

	_, err = ch.Receive(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("reject-new")
	require.NoError(t, err)
	assert.Equal(t, RejectNew, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	_, err = ParsePolicy("block")
	assert.Error(t, err)
}

func TestBroker_FanOut(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	b := NewBroker(logger)

	fast := b.Subscribe("fast", 10, DropOldest)
	slow := b.Subscribe("slow", 1, RejectNew)
	assert.Equal(t, 2, b.Subscribers())

	assert.Equal(t, Delivery{Delivered: 2}, b.Publish(msg("one")))
	d := b.Publish(msg("two"))
	assert.Equal(t, Delivery{Delivered: 1, Rejected: 1}, d)
	assert.Equal(t, 1, d.Lost())

	assert.Equal(t, 2, fast.Len())
	assert.Equal(t, 1, slow.Len())

	b.Unsubscribe(slow)
	assert.Equal(t, 1, b.Subscribers())
	assert.ErrorIs(t, slow.Publish(msg("x")), ErrChannelClosed)

	b.Close()
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroker_TypeFilter(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	b := NewBroker(logger)

	published := b.Subscribe("installs", 2, DropOldest, "submission.published")
	everything := b.Subscribe("audit", 2, DropOldest)

	require.Equal(t, Delivery{Delivered: 2}, b.Publish(msg("submission.published")))
	for i := 0; i < 100; i++ {
		b.Publish(msg("plugin.state_changed"))
	}

	require.Equal(t, 1, published.Len())
	got, ok := published.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "submission.published", got.Type)
	assert.Zero(t, published.Dropped())

	assert.Equal(t, 2, everything.Len())
	assert.Equal(t, uint64(99), everything.Dropped())
}

func TestBroker_ReportsEvictions(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	b := NewBroker(logger)
	b.Subscribe("small", 1, DropOldest)

	assert.Equal(t, Delivery{Delivered: 1}, b.Publish(msg("one")))
	d := b.Publish(msg("two"))
	assert.Equal(t, Delivery{Delivered: 1, Evicted: 1}, d)
	assert.Equal(t, 1, d.Lost())
}
