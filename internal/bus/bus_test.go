package bus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, bufferSize int) *Bus {
	t.Helper()
	b, err := New(Config{Logger: slog.Default(), BufferSize: bufferSize})
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestBus_Publish_DeliversInOrder(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 16)
	sub := b.Subscribe(DeviceTopic(1))

	for i := 0; i < 10; i++ {
		b.Publish(DeviceTopic(1), KindPosition, i)
	}
	for i := 0; i < 10; i++ {
		select {
		case msg := <-sub.C():
			require.Equal(t, i, msg.Payload)
			require.Equal(t, KindPosition, msg.Kind)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestBus_Publish_OnlyMatchingTopic(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 16)
	sub := b.Subscribe(DeviceTopic(1))

	b.Publish(DeviceTopic(2), KindPosition, "other")
	b.Publish(DeviceTopic(1), KindAlert, "mine")

	msg := <-sub.C()
	require.Equal(t, "mine", msg.Payload)
	require.Equal(t, KindAlert, msg.Kind)
	require.Empty(t, sub.C())
}

func TestBus_Subscribe_MultipleTopics(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 16)
	sub := b.Subscribe(DeviceTopic(1), DeviceTopic(2))

	b.Publish(DeviceTopic(1), KindPosition, "a")
	b.Publish(DeviceTopic(2), KindPosition, "b")

	require.Equal(t, "a", (<-sub.C()).Payload)
	require.Equal(t, "b", (<-sub.C()).Payload)
}

func TestBus_Publish_DropsSlowSubscriberInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 2)
	slow := b.Subscribe(DeviceTopic(1))
	fast := b.Subscribe(DeviceTopic(1))

	// Fill the slow subscriber's buffer without draining it; the third
	// publish must complete immediately and evict it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			b.Publish(DeviceTopic(1), KindPosition, i)
			// Keep fast actually fast.
			<-fast.C()
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	require.Equal(t, 1, b.SubscriberCount(DeviceTopic(1)))

	// The dropped subscriber's channel ends after its buffered backlog.
	var received int
	for range slow.C() {
		received++
	}
	require.Equal(t, 2, received)
}

func TestBus_SubscriberClose_Unregisters(t *testing.T) {
	t.Parallel()

	b := newTestBus(t, 4)
	sub := b.Subscribe(DeviceTopic(7))
	require.Equal(t, 1, b.SubscriberCount(DeviceTopic(7)))

	sub.Close()
	require.Zero(t, b.SubscriberCount(DeviceTopic(7)))

	_, open := <-sub.C()
	require.False(t, open)
}

func TestBus_Close_EndsAllSubscribers(t *testing.T) {
	t.Parallel()

	b, err := New(Config{Logger: slog.Default(), BufferSize: 4})
	require.NoError(t, err)
	s1 := b.Subscribe(DeviceTopic(1))
	s2 := b.Subscribe(DeviceTopic(1), DeviceTopic(2))

	b.Close()
	_, open := <-s1.C()
	require.False(t, open)
	_, open = <-s2.C()
	require.False(t, open)

	// Subscribing after close yields an already-closed channel.
	s3 := b.Subscribe(DeviceTopic(3))
	_, open = <-s3.C()
	require.False(t, open)
}

func TestBus_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{Logger: slog.Default()}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 64, cfg.BufferSize)

	require.Error(t, (&Config{}).Validate())
	require.Error(t, (&Config{Logger: slog.Default(), BufferSize: -1}).Validate())
}
