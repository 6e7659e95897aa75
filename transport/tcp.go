package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/digineo/dispatchd/wire"
)

// tcpListener accepts plain TCP connections carrying wire frames.
type tcpListener struct {
	ln   net.Listener
	opts Options
}

func listenTCP(address string, opts Options) (Listener, error) {
	ln, err := listenStream(address, opts)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln, opts: opts}, nil
}

func listenStream(address string, opts Options) (net.Listener, error) {
	lc := net.ListenConfig{}
	if opts.ReusePort {
		lc.Control = reusePortControl
	}

	ln, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to listen on %s", address)
	}
	return ln, nil
}

func (l *tcpListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newStreamConn(c, l.opts), nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func dialTCP(ctx context.Context, address string, opts Options) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to dial %s", address)
	}
	return newStreamConn(c, opts), nil
}

// streamConn frames messages directly on a byte stream.
type streamConn struct {
	id       string
	conn     net.Conn
	maxFrame uint32
	writeMtx sync.Mutex
	closed   atomic.Bool
	broken   atomic.Bool
}

func newStreamConn(c net.Conn, opts Options) *streamConn {
	return &streamConn{
		id:       uuid.NewString(),
		conn:     c,
		maxFrame: opts.maxFrameSize(),
	}
}

func (c *streamConn) ID() string {
	return c.id
}

func (c *streamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *streamConn) ReadMessage() (*wire.Message, error) {
	if !c.IsOpen() {
		return nil, ErrConnClosed
	}

	msg, err := wire.ReadMessage(c.conn, c.maxFrame)
	if err != nil {
		// the stream position is lost after any failure
		c.broken.Store(true)
		return nil, err
	}
	return msg, nil
}

func (c *streamConn) WriteMessage(msg *wire.Message) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if !c.IsOpen() {
		return ErrConnClosed
	}
	if err := wire.WriteMessage(c.conn, msg); err != nil {
		c.broken.Store(true)
		return err
	}
	return nil
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *streamConn) IsOpen() bool {
	return !c.closed.Load() && !c.broken.Load()
}

func (c *streamConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
