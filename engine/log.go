package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/qcore/qtransport/transport"
	"github.com/sirupsen/logrus"
)

// attachWireLogger wires a connection's trace events (transport.LogEvent,
// delivered through Conn.OnLogEvent) into the endpoint's logrus handle,
// one structured Debug entry per event rather than a separate writer.
func attachWireLogger(log *logrus.Logger, c *remoteConn) {
	if log.GetLevel() < logrus.DebugLevel {
		return
	}
	prefix := fmt.Sprintf("addr=%s scid=%x", c.addr, c.localCID)
	c.conn.OnLogEvent(func(e transport.LogEvent) {
		log.Debug(formatLogEvent(e, prefix))
	})
}

func detachWireLogger(c *remoteConn) {
	c.conn.OnLogEvent(nil)
}

func formatLogEvent(e transport.LogEvent, prefix string) string {
	var b strings.Builder
	b.WriteString(e.Time.Format(time.RFC3339Nano))
	b.WriteString(" ")
	b.WriteString(e.Type)
	if prefix != "" {
		b.WriteString(" ")
		b.WriteString(prefix)
	}
	for _, f := range e.Fields {
		b.WriteString(" ")
		b.WriteString(f.String())
	}
	return b.String()
}
