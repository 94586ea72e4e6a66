package ws

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubClientManagement(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	client1 := NewClient(nil)
	client2 := NewClient(nil)
	assert.NotEqual(t, client1.ID(), client2.ID())

	hub.Register(client1)
	hub.Register(client2)
	assert.Equal(t, 2, hub.ClientCount())

	hub.Unregister(client1)
	assert.Equal(t, 1, hub.ClientCount())
	assert.True(t, client1.IsClosed())
	assert.False(t, client2.IsClosed())

	hub.Close()
	assert.Zero(t, hub.ClientCount())
	assert.True(t, client2.IsClosed())
	assert.ErrorIs(t, client2.Send([]byte("late")), ErrClientGone)
}

func TestClientBinding(t *testing.T) {
	c := NewClient(nil)
	_, _, ok := c.Binding()
	assert.False(t, ok)

	first := &binding{sessionID: "s1"}
	c.bind(first, "c1")
	sessionID, clientID, ok := c.Binding()
	require.True(t, ok)
	assert.Equal(t, "s1", sessionID)
	assert.Equal(t, "c1", clientID)

	// A stale release from an earlier binding leaves the current one.
	second := &binding{sessionID: "s2"}
	c.bind(second, "c2")
	c.release(first)
	sessionID, _, ok = c.Binding()
	require.True(t, ok)
	assert.Equal(t, "s2", sessionID)

	assert.Same(t, second, c.take())
	assert.Nil(t, c.take())
}

func TestClientSendWait(t *testing.T) {
	c := NewClient(nil)
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, c.Send([]byte("x")))
	}

	// Room freed by the write side lets the waiting send through.
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-c.SendChan()
		c.signalSpace()
	}()
	require.NoError(t, c.SendWait([]byte("y"), time.Second))
	assert.False(t, c.IsClosed())

	// Nobody drains the queue: the wait gives up and closes the client.
	assert.ErrorIs(t, c.SendWait([]byte("z"), 20*time.Millisecond), ErrClientGone)
	assert.True(t, c.IsClosed())
}

func TestClientSendWaitWakesOnClose(t *testing.T) {
	c := NewClient(nil)
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, c.Send([]byte("x")))
	}

	done := make(chan error, 1)
	go func() { done <- c.SendWait([]byte("y"), 5*time.Second) }()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientGone)
	case <-time.After(time.Second):
		t.Fatal("SendWait did not return after Close")
	}
}

// A client accepts exactly sendQueueSize unread frames; the next one closes
// it and every later send fails.
func TestClientSendQueueProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("overflow closes the client", prop.ForAll(
		func(n int) bool {
			c := NewClient(nil)
			for i := 0; i < n; i++ {
				err := c.Send([]byte("x"))
				if i < sendQueueSize && err != nil {
					return false
				}
				if i >= sendQueueSize && !errors.Is(err, ErrClientGone) {
					return false
				}
			}
			return c.IsClosed() == (n > sendQueueSize)
		},
		gen.IntRange(0, 2*sendQueueSize),
	))

	properties.TestingRun(t)
}
