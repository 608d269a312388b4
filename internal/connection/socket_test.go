package connection

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newQueueOnlySocket builds a WSSocket without pumps, for exercising the
// queueing and close-listener logic in isolation.
func newQueueOnlySocket(buffer int) *WSSocket {
	return &WSSocket{
		id:     "sock-test",
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
		log:    logrus.WithField("socket", "sock-test"),
	}
}

func TestSocketCloseListenerAfterCloseRunsImmediately(t *testing.T) {
	s := newQueueOnlySocket(1)
	s.Close()

	fired := false
	s.OnClose(func() { fired = true })

	assert.True(t, fired, "listeners registered on a closed socket must still run")
}

func TestSocketCloseFiresListenersOnce(t *testing.T) {
	s := newQueueOnlySocket(1)

	count := 0
	s.OnClose(func() { count++ })

	s.Close()
	s.Close()

	assert.Equal(t, 1, count)
}

func TestSocketEnqueueEvictsOldestWhenFull(t *testing.T) {
	s := newQueueOnlySocket(2)

	s.enqueue("first", []byte("first"))
	s.enqueue("second", []byte("second"))
	s.enqueue("terminal", []byte("terminal"))

	// The oldest frame makes room for the newest one.
	require.Len(t, s.send, 2)
	assert.Equal(t, "second", string(<-s.send))
	assert.Equal(t, "terminal", string(<-s.send))
}

func TestSocketEnqueueKeepsOrderWithRoom(t *testing.T) {
	s := newQueueOnlySocket(4)

	s.enqueue("a", []byte("a"))
	s.enqueue("b", []byte("b"))

	require.Len(t, s.send, 2)
	assert.Equal(t, "a", string(<-s.send))
	assert.Equal(t, "b", string(<-s.send))
}
