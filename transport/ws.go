package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/digineo/dispatchd/wire"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsCloseWait        = time.Second
)

// wsListener serves a websocket endpoint and hands upgraded connections
// to Accept. Each binary websocket message carries one wire frame.
type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	opts     Options

	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

func listenWS(address string, opts Options) (Listener, error) {
	ln, err := listenStream(address, opts)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:   ln,
		opts: opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsHandshakeTimeout,
			// peers are not browsers, origin checks do not apply
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.path(), l.upgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: wsHandshakeTimeout,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("websocket listener failed")
		}
	}()

	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the peer
		log.WithFields(logrus.Fields{
			logrus.ErrorKey: err,
			"remote":        r.RemoteAddr,
		}).Warn("websocket upgrade failed")
		return
	}

	conn := newWSConn(ws, l.opts)
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, errors.Wrap(net.ErrClosed, "websocket accept")
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *wsListener) Close() (err error) {
	err = net.ErrClosed
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return
}

func dialWS(ctx context.Context, address string, opts Options) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}

	url := "ws://" + address + opts.path()
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "unable to dial %s", url)
	}
	return newWSConn(ws, opts), nil
}

type wsConn struct {
	id       string
	ws       *websocket.Conn
	writeMtx sync.Mutex
	closed   atomic.Bool
	broken   atomic.Bool
}

func newWSConn(ws *websocket.Conn, opts Options) *wsConn {
	ws.SetReadLimit(int64(opts.maxFrameSize()) + wire.HeaderSize)
	return &wsConn{
		id: uuid.NewString(),
		ws: ws,
	}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) ReadMessage() (*wire.Message, error) {
	if !c.IsOpen() {
		return nil, ErrConnClosed
	}

	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		c.broken.Store(true)
		return nil, err
	}
	if typ != websocket.BinaryMessage {
		return nil, errors.Wrapf(wire.ErrMalformed, "unexpected websocket message type %d", typ)
	}
	return wire.Unmarshal(data)
}

func (c *wsConn) WriteMessage(msg *wire.Message) error {
	if msg == nil {
		return errors.New("transport: nil message")
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	if !c.IsOpen() {
		return ErrConnClosed
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg.Marshal()); err != nil {
		c.broken.Store(true)
		return err
	}
	return nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) IsOpen() bool {
	return !c.closed.Load() && !c.broken.Load()
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// best effort, the peer may already be gone
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseWait))
	return c.ws.Close()
}
