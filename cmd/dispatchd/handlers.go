package main

import (
	"github.com/digineo/dispatchd/dispatch"
	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

// registerHandlers installs the demo handlers. Every reply is written to
// the requesting connection, which is closed afterwards.
func registerHandlers(srv *dispatch.Server) error {
	handlers := map[string]dispatch.Handler{
		"PING": func(msg *wire.Message, conn transport.Conn) {
			reply(srv, conn, "PONG", payloadOf(msg))
		},
		"BROADCAST": func(msg *wire.Message, conn transport.Conn) {
			notice, err := wire.New("NOTICE", payloadOf(msg))
			if err != nil {
				conn.Close()
				return
			}
			reply(srv, conn, "BROADCAST", srv.Broadcast(notice))
		},
		"CLIENTS": func(msg *wire.Message, conn transport.Conn) {
			reply(srv, conn, "CLIENTS", srv.ClientCount())
		},
	}

	for id, h := range handlers {
		if err := srv.RegisterHandler(id, h); err != nil {
			return err
		}
	}
	return nil
}

func reply(srv *dispatch.Server, conn transport.Conn, id string, payload interface{}) {
	defer conn.Close()

	msg, err := wire.New(id, payload)
	if err != nil {
		return
	}
	srv.Send(msg, conn)
}

func payloadOf(msg *wire.Message) interface{} {
	if !msg.HasPayload() {
		return nil
	}
	return msg.Payload()
}
