package dispatch

import (
	"time"

	"github.com/digineo/dispatchd/transport"
)

// startReaper must be called with srv.mtx held.
func (srv *Server) startReaper() {
	if srv.config.ReapInterval <= 0 {
		return
	}

	srv.reaperTicker = time.NewTicker(srv.config.ReapInterval)
	srv.reaperStop = make(chan struct{})
	srv.wg.Add(1)

	go func(ticker *time.Ticker, stop <-chan struct{}) {
		defer srv.wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				srv.reapClients()
			}
		}
	}(srv.reaperTicker, srv.reaperStop)
}

// stopReaper must be called with srv.mtx held.
func (srv *Server) stopReaper() {
	if srv.reaperTicker == nil {
		return
	}

	srv.reaperTicker.Stop()
	close(srv.reaperStop)
	srv.wg.Wait()

	srv.reaperTicker = nil
	srv.reaperStop = nil
}

// Evicts clients whose connection is no longer open and returns how many
// were removed.
func (srv *Server) reapClients() int {
	var dead []transport.Conn
	for _, conn := range srv.clients.snapshot() {
		if !conn.IsOpen() {
			dead = append(dead, conn)
		}
	}
	if len(dead) == 0 {
		return 0
	}

	removed, _ := srv.evictClients(dead...)
	return removed
}
