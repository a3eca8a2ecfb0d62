package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"occusense/occupancy/internal/realtime"
)

func newInertConn(id string) *conn {
	return &conn{id: id, send: make(chan Envelope, sendQueueSize)}
}

func addConn(h *Hub, c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func TestEmitToUnknownConnection(t *testing.T) {
	h := NewHub(nil)
	assert.Error(t, h.Emit("nope", realtime.EventUpdate, "x"))
}

func TestEmitAfterCloseReturnsError(t *testing.T) {
	h := NewHub(nil)
	c := newInertConn("c1")
	addConn(h, c)

	h.CloseConnection("c1")
	// The connection record is gone from the hub.
	assert.Error(t, h.Emit("c1", realtime.EventUpdate, "x"))
	// Enqueueing directly on the closed conn is refused, never a panic.
	assert.Error(t, c.enqueue(Envelope{Event: realtime.EventUpdate}))
}

func TestEmitRacesCloseWithoutPanic(t *testing.T) {
	h := NewHub(nil)
	c := newInertConn("c1")
	addConn(h, c)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = h.Emit("c1", realtime.EventUpdate, i)
		}
	}()
	go func() {
		defer wg.Done()
		h.CloseConnection("c1")
	}()
	wg.Wait()

	// Once closed, every further emit fails cleanly.
	assert.Error(t, c.enqueue(Envelope{Event: realtime.EventUpdate}))
}

func TestFullQueueIsEmitError(t *testing.T) {
	h := NewHub(nil)
	c := newInertConn("c1")
	addConn(h, c)

	for i := 0; i < sendQueueSize; i++ {
		assert.NoError(t, h.Emit("c1", realtime.EventUpdate, i))
	}
	assert.Error(t, h.Emit("c1", realtime.EventUpdate, "overflow"))
}
