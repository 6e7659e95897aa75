package dispatch

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

// fakeConn records written messages. Writes fail once failWrites is set.
type fakeConn struct {
	id string

	mtx        sync.Mutex
	written    []*wire.Message
	failWrites bool
	closed     bool
	closeCalls int
}

var _ transport.Conn = (*fakeConn)(nil)

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.NewString()}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 4711}
}

func (c *fakeConn) ReadMessage() (*wire.Message, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) WriteMessage(msg *wire.Message) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return transport.ErrConnClosed
	}
	if c.failWrites {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, msg)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) IsOpen() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return !c.closed
}

func (c *fakeConn) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.closed = true
	c.closeCalls++
	return nil
}

func (c *fakeConn) fail() {
	c.mtx.Lock()
	c.failWrites = true
	c.mtx.Unlock()
}

func (c *fakeConn) messages() []*wire.Message {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*wire.Message(nil), c.written...)
}

func (c *fakeConn) closeCount() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.closeCalls
}

// inline runs handlers on the dispatching goroutine.
var inline = SpawnerFunc(func(_ context.Context, task func()) bool {
	task()
	return true
})
