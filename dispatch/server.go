// Package dispatch implements a server that accepts connections, reads one
// message from each and routes it to the handler registered for the
// message identifier. Connections that sent LOGIN are kept as clients and
// receive broadcasts.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/digineo/dispatchd/resolve"
	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

type Server struct {
	config   Config
	handlers handlerRegistry
	clients  clientRegistry
	verbose  atomic.Bool
	tasks    atomic.Uint64

	// guards the running state below
	mtx      sync.Mutex
	listener transport.Listener
	cancel   context.CancelFunc
	done     chan struct{}

	reaperTicker *time.Ticker
	reaperStop   chan struct{}
	wg           sync.WaitGroup
}

// NewServer creates a stopped server. A nil config selects DefaultConfig().
func NewServer(config *Config) *Server {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}

	srv := &Server{
		config: sanitizeConfig(cfg),
	}
	srv.verbose.Store(srv.config.Verbose)
	srv.handlers.set(LoginIdentifier, srv.handleLogin)
	return srv
}

// SetVerbose toggles diagnostic logging.
func (srv *Server) SetVerbose(verbose bool) {
	srv.verbose.Store(verbose)
}

// Start binds the configured transport on port and starts dispatching.
// A running server is stopped first. Bind errors are returned and leave
// the server stopped.
func (srv *Server) Start(port int) error {
	srv.mtx.Lock()
	defer srv.mtx.Unlock()

	if srv.listener != nil {
		srv.stopLocked()
	}

	address := net.JoinHostPort(srv.config.Address, strconv.Itoa(port))
	ln, err := transport.Listen(srv.config.Transport, address, srv.config.Options)
	if err != nil {
		return errors.Wrapf(err, "unable to start server on port %d", port)
	}

	log.WithFields(logrus.Fields{
		"transport": srv.config.Transport,
		"address":   ln.Addr().String(),
	}).Info("listening")

	srv.lookupPublicAddr(ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	srv.listener = ln
	srv.cancel = cancel
	srv.done = make(chan struct{})

	go srv.serve(ctx, ln, srv.done)
	srv.startReaper()

	return nil
}

// Stop closes the listener and waits for the dispatch loop to return.
// Running handlers are not interrupted. Stopping a stopped server is a
// no-op.
func (srv *Server) Stop() {
	srv.mtx.Lock()
	defer srv.mtx.Unlock()

	if srv.listener != nil {
		srv.stopLocked()
	}
}

func (srv *Server) stopLocked() {
	srv.cancel()
	if err := srv.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).Warn("closing listener failed")
	}
	<-srv.done
	srv.stopReaper()

	log.WithField("address", srv.listener.Addr().String()).Info("stopped")

	srv.listener = nil
	srv.cancel = nil
	srv.done = nil
}

// Addr returns the bound address, nil when stopped.
func (srv *Server) Addr() net.Addr {
	srv.mtx.Lock()
	defer srv.mtx.Unlock()

	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

func (srv *Server) lookupPublicAddr(local net.Addr) {
	if srv.config.LookupURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.config.LookupTimeout)
	defer cancel()

	ip, err := resolve.PublicIP(ctx, nil, srv.config.LookupURL)
	if err != nil {
		log.WithError(err).Warn("unable to resolve public address")
		return
	}

	port := ""
	if tcpAddr, ok := local.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcpAddr.Port)
	}
	log.WithField("address", net.JoinHostPort(ip.String(), port)).Info("bound to public address")
}

// serve is the dispatch loop. It returns once ln is closed.
func (srv *Server) serve(ctx context.Context, ln transport.Listener, done chan<- struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		srv.diagnostic(nil, "waiting for messages")

		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			// back off on persistent errors such as fd exhaustion
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			log.WithError(err).WithField("retry", delay).Error("accept failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		msg, err := srv.readMessage(ctx, conn)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			srv.readFailed(conn, err)
			continue
		}

		srv.dispatch(ctx, msg, conn)
	}
}

func (srv *Server) readMessage(ctx context.Context, conn transport.Conn) (*wire.Message, error) {
	// Stop must not hang on a peer that never sends
	unwatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer unwatch()

	if timeout := srv.config.ReadTimeout; timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	return conn.ReadMessage()
}

func (srv *Server) readFailed(conn transport.Conn, err error) {
	fields := connFields(conn)

	switch {
	case wire.IsMalformed(err):
		fields[logrus.ErrorKey] = err
		srv.diagnostic(fields, "dropping undecodable message")
	case errors.Is(err, io.EOF):
		srv.diagnostic(fields, "connection closed before sending a message")
	default:
		log.WithFields(fields).WithError(err).Warn("read failed")
	}
}

func (srv *Server) dispatch(ctx context.Context, msg *wire.Message, conn transport.Conn) {
	fields := connFields(conn)
	fields["id"] = msg.ID()
	if srv.verbose.Load() {
		srv.diagnostic(logrus.Fields{
			"conn":    fields["conn"],
			"records": msg.Records().String(),
		}, "message received")
	}

	handler, ok := srv.handlers.lookup(msg.ID())
	if !ok {
		srv.diagnostic(fields, "no handler registered, dropping message")
		conn.Close()
		return
	}

	task := fmt.Sprintf("dispatch-%d", srv.tasks.Add(1))
	fields["task"] = task
	srv.diagnostic(fields, "executing handler")

	accepted := srv.config.Spawner.Go(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(fields).WithField("panic", r).Error("handler panicked")
			}
		}()
		handler(msg, conn)
	})
	if !accepted {
		log.WithFields(fields).Warn("handler not started, dropping message")
		conn.Close()
	}
}
