package dispatch

import (
	"github.com/sirupsen/logrus"

	"github.com/digineo/dispatchd/transport"
)

var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger updates the logger dispatch and its transports use. If l is
// nil, we'll use the logrus standard logger.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		log = logrus.StandardLogger()
	} else {
		log = l
	}
	transport.SetLogger(l)
}

func connFields(conn transport.Conn) logrus.Fields {
	fields := logrus.Fields{}
	if conn == nil {
		return fields
	}
	fields["conn"] = conn.ID()
	if addr := conn.RemoteAddr(); addr != nil {
		fields["remote"] = addr.String()
	}
	return fields
}

// diagnostic logs only when the server is verbose
func (srv *Server) diagnostic(fields logrus.Fields, msg string) {
	if srv.verbose.Load() {
		log.WithFields(fields).Info(msg)
	}
}
