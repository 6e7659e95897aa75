// Package transport provides the connection and listener implementations
// a dispatchd server can run on. Every implementation moves exactly one
// wire frame per ReadMessage/WriteMessage call.
package transport

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/digineo/dispatchd/wire"
)

var (
	ErrConnClosed        = errors.New("transport: connection closed")
	ErrUnknownTransport  = errors.New("transport: unknown implementation")
	ErrReuseNotSupported = errors.New("transport: reuse_port not supported on this platform")
)

// Conn is a live bidirectional handle to a peer.
type Conn interface {
	// ID is unique per accepted or dialed connection.
	ID() string
	RemoteAddr() net.Addr

	// ReadMessage blocks until one message was read.
	ReadMessage() (*wire.Message, error)

	// WriteMessage blocks until msg was written. It is safe for
	// concurrent use.
	WriteMessage(msg *wire.Message) error

	SetReadDeadline(t time.Time) error

	// IsOpen returns false after Close or after any I/O failure.
	IsOpen() bool
	Close() error
}

// Listener accepts connections. After Close, Accept returns an error
// matching net.ErrClosed.
type Listener interface {
	Accept() (Conn, error)
	Addr() net.Addr
	Close() error
}

// Options tune listeners and dialers.
type Options struct {
	// MaxFrameSize limits incoming frames, 0 means wire.DefaultMaxFrameSize.
	MaxFrameSize uint32

	// ReusePort sets SO_REUSEADDR and SO_REUSEPORT on listening sockets.
	ReusePort bool

	// Path is the HTTP path of the websocket endpoint.
	Path string
}

func (o Options) maxFrameSize() uint32 {
	if o.MaxFrameSize == 0 {
		return wire.DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

func (o Options) path() string {
	if o.Path == "" {
		return "/"
	}
	return o.Path
}

// Transport bundles the listen and dial functions of one implementation.
type Transport struct {
	Listen func(address string, opts Options) (Listener, error)
	Dial   func(ctx context.Context, address string, opts Options) (Conn, error)
}

var implementations = map[string]Transport{
	"tcp": {Listen: listenTCP, Dial: dialTCP},
	"ws":  {Listen: listenWS, Dial: dialWS},
}

// Lookup returns the named implementation.
func Lookup(name string) (Transport, error) {
	impl, ok := implementations[name]
	if !ok {
		return Transport{}, errors.Wrapf(ErrUnknownTransport, "%q (available: %v)", name, Names())
	}
	return impl, nil
}

// Names lists the available implementations.
func Names() []string {
	names := make([]string, 0, len(implementations))
	for name := range implementations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Listen binds the named implementation on address.
func Listen(name, address string, opts Options) (Listener, error) {
	impl, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return impl.Listen(address, opts)
}

// Dial connects to address using the named implementation.
func Dial(ctx context.Context, name, address string, opts Options) (Conn, error) {
	impl, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	return impl.Dial(ctx, address, opts)
}

var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger updates the logger this package uses. If l is nil, the
// logrus standard logger is used.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		log = logrus.StandardLogger()
	} else {
		log = l
	}
}
