package dispatch

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

// LoginIdentifier is reserved for the built-in client registration.
const LoginIdentifier = "LOGIN"

var (
	ErrReservedIdentifier = errors.New("dispatch: identifier is reserved")
	ErrNilHandler         = errors.New("dispatch: handler is nil")
)

// Handler processes one dispatched message. It owns conn from then on.
type Handler func(msg *wire.Message, conn transport.Conn)

// handlerRegistry maps normalized identifiers to handlers.
type handlerRegistry struct {
	mtx      sync.RWMutex
	handlers map[string]Handler
}

func normalizeIdentifier(id string) string {
	return strings.ToUpper(id)
}

// isReserved compares normalized keys so that every spelling stored under
// LOGIN is rejected.
func isReserved(id string) bool {
	return normalizeIdentifier(id) == LoginIdentifier
}

func (r *handlerRegistry) set(id string, h Handler) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	r.handlers[normalizeIdentifier(id)] = h
}

func (r *handlerRegistry) lookup(id string) (Handler, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	h, ok := r.handlers[normalizeIdentifier(id)]
	return h, ok
}

// RegisterHandler binds h to id. Identifiers match case-insensitively and
// a later registration replaces an earlier one. LOGIN cannot be bound.
func (srv *Server) RegisterHandler(id string, h Handler) error {
	if isReserved(id) {
		return errors.Wrapf(ErrReservedIdentifier,
			"%q: clients are registered automatically, use Config.OnClientRegistered to react on them", id)
	}
	if h == nil {
		return errors.Wrapf(ErrNilHandler, "%q", id)
	}

	srv.handlers.set(id, h)
	return nil
}

// handleLogin is bound to LoginIdentifier.
func (srv *Server) handleLogin(msg *wire.Message, conn transport.Conn) {
	count := srv.RegisterClient(conn)

	log.WithFields(connFields(conn)).WithFields(logrus.Fields{
		"clients": count,
	}).Info("client registered")

	if f := srv.config.OnClientRegistered; f != nil {
		f(msg, conn)
	}
	if f := srv.config.AfterClientRegistered; f != nil {
		f()
	}
}
