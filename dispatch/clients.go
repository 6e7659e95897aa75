package dispatch

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

// clientRegistry is an ordered list of registered connections. The same
// connection may appear more than once.
type clientRegistry struct {
	mtx     sync.Mutex
	clients []transport.Conn
}

func (r *clientRegistry) add(conn transport.Conn) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	r.clients = append(r.clients, conn)
	return len(r.clients)
}

// remove deletes the first occurrence of each given connection and returns
// the removed ones along with the remaining count.
func (r *clientRegistry) remove(conns ...transport.Conn) (removed []transport.Conn, count int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, conn := range conns {
		for i, c := range r.clients {
			if c == conn {
				r.clients = append(r.clients[:i], r.clients[i+1:]...)
				removed = append(removed, conn)
				break
			}
		}
	}
	return removed, len(r.clients)
}

func (r *clientRegistry) snapshot() []transport.Conn {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	res := make([]transport.Conn, len(r.clients))
	copy(res, r.clients)
	return res
}

func (r *clientRegistry) len() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.clients)
}

// RegisterClient appends conn to the clients receiving broadcasts and
// returns the new client count. No liveness or duplicate check is made.
func (srv *Server) RegisterClient(conn transport.Conn) int {
	return srv.clients.add(conn)
}

// ForgetClient removes one registration of conn without closing it.
func (srv *Server) ForgetClient(conn transport.Conn) bool {
	removed, _ := srv.clients.remove(conn)
	return len(removed) > 0
}

// ClientCount returns the number of registered clients.
func (srv *Server) ClientCount() int {
	return srv.clients.len()
}

// Send writes msg to conn. Failures are logged, never returned: a failing
// registered client is evicted right away. The result reports whether
// the message was written.
func (srv *Server) Send(msg *wire.Message, conn transport.Conn) bool {
	return srv.send(msg, conn, nil)
}

// Broadcast sends msg to every registered client in order on the calling
// goroutine. Clients that failed are evicted after the pass. It returns
// the number of clients left.
func (srv *Server) Broadcast(msg *wire.Message) int {
	clients := srv.clients.snapshot()
	srv.diagnostic(logrus.Fields{"id": messageID(msg), "clients": len(clients)}, "broadcasting")

	var failed []transport.Conn
	for _, conn := range clients {
		srv.send(msg, conn, &failed)
	}

	return srv.evict(failed...)
}

// send queues failing connections in pending when it is not nil.
func (srv *Server) send(msg *wire.Message, conn transport.Conn, pending *[]transport.Conn) bool {
	err := write(msg, conn)
	if err == nil {
		return true
	}

	log.WithFields(connFields(conn)).WithFields(logrus.Fields{
		logrus.ErrorKey: err,
		"id":            messageID(msg),
	}).Warn("send failed")

	if conn == nil {
		return false
	}
	if pending != nil {
		*pending = append(*pending, conn)
	} else {
		srv.evict(conn)
	}
	return false
}

func write(msg *wire.Message, conn transport.Conn) error {
	if msg == nil {
		return errors.New("no message")
	}
	if conn == nil {
		return errors.New("no connection")
	}
	if !conn.IsOpen() {
		return transport.ErrConnClosed
	}
	return conn.WriteMessage(msg)
}

// evict removes one registration per given connection, closes the
// removed connections and returns the remaining client count.
func (srv *Server) evict(conns ...transport.Conn) int {
	_, count := srv.evictClients(conns...)
	return count
}

func (srv *Server) evictClients(conns ...transport.Conn) (int, int) {
	if len(conns) == 0 {
		return 0, srv.clients.len()
	}

	removed, count := srv.clients.remove(conns...)

	// a connection registered twice fails twice but is evicted once
	seen := make(map[transport.Conn]struct{}, len(removed))
	for _, conn := range removed {
		if _, ok := seen[conn]; ok {
			continue
		}
		seen[conn] = struct{}{}
		conn.Close()

		log.WithFields(connFields(conn)).WithFields(logrus.Fields{
			"clients": count,
		}).Info("client evicted")

		if f := srv.config.OnClientEvicted; f != nil {
			f(conn)
		}
	}
	return len(removed), count
}

func messageID(msg *wire.Message) string {
	if msg == nil {
		return ""
	}
	return msg.ID()
}
