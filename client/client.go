// Package client implements the peer side of a dispatchd server: one-shot
// messages, request/reply exchanges and LOGIN sessions.
package client

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

// LoginIdentifier registers the sending connection as a broadcast client.
const LoginIdentifier = "LOGIN"

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

// Dialer connects to a dispatchd server.
type Dialer struct {
	// Transport defaults to "tcp".
	Transport string
	Options   transport.Options
}

func (d *Dialer) transport() string {
	if d.Transport == "" {
		return "tcp"
	}
	return d.Transport
}

func (d *Dialer) dial(ctx context.Context, address string) (transport.Conn, error) {
	conn, err := transport.Dial(ctx, d.transport(), address, d.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to connect to %s", address)
	}

	log.WithFields(logrus.Fields{
		"conn":    conn.ID(),
		"address": address,
	}).Debug("connected")
	return conn, nil
}

// Send delivers msg and closes the connection.
func (d *Dialer) Send(ctx context.Context, address string, msg *wire.Message) error {
	conn, err := d.dial(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()

	return errors.Wrapf(conn.WriteMessage(msg), "unable to send %s", msg)
}

// Request sends msg and waits for a single reply. The wait is bounded by
// the deadline of ctx and aborted when ctx is cancelled.
func (d *Dialer) Request(ctx context.Context, address string, msg *wire.Message) (*wire.Message, error) {
	conn, err := d.dial(ctx, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err = conn.WriteMessage(msg); err != nil {
		return nil, errors.Wrapf(err, "unable to send %s", msg)
	}

	reply, err := Receive(ctx, conn)
	if err != nil {
		return nil, errors.Wrapf(err, "no reply to %s", msg)
	}
	return reply, nil
}

// Login sends LOGIN with the given payload and returns the open
// connection. Broadcasts arrive on it until either side closes it.
func (d *Dialer) Login(ctx context.Context, address string, payload interface{}) (transport.Conn, error) {
	msg, err := wire.New(LoginIdentifier, payload)
	if err != nil {
		return nil, err
	}

	conn, err := d.dial(ctx, address)
	if err != nil {
		return nil, err
	}
	if err = conn.WriteMessage(msg); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "unable to log in")
	}
	return conn, nil
}

// Receive reads the next message from conn. The read is bounded by the
// deadline of ctx, cancelling ctx closes conn.
func Receive(ctx context.Context, conn transport.Conn) (*wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	msg, err := conn.ReadMessage()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return msg, err
}
