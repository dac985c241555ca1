// Package engine is the connection table and host-facing surface
// wrapped around package transport: it turns the single-connection
// state machine of transport.Conn into something a UDP event loop can
// drive, owning the ambient concerns a host runtime needs but a single
// connection shouldn't: structured logging, metrics, configuration.
package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/qcore/qtransport/transport"
)

// Datagram is one outgoing UDP payload plus where to send it, the unit
// Endpoint.Serve/Flush hand back to the host's socket loop.
type Datagram struct {
	To   net.Addr
	Data []byte
}

// remoteConn is the engine's bookkeeping around one transport.Conn:
// its current network address (for reply routing and NEW_TOKEN/address
// validation) and the connection-table keys it's registered under.
type remoteConn struct {
	conn *transport.Conn

	addr     net.Addr
	localCID []byte // our chosen scid, the primary table key
	traceID  uuid.UUID

	lastActivity time.Time
}

// Endpoint is a server-side QUIC listener's connection table: the host
// feeds it datagrams and timer ticks, it returns datagrams to send.
// Endpoint never touches a net.PacketConn itself; cmd/qserved owns that.
type Endpoint struct {
	cfg Config

	tlsConfig *transport.Config

	byCID  map[string]*remoteConn // keyed by the one locally-chosen CID each connection is accepted with
	byAddr map[string]*remoteConn // keyed by remote address string, for short-header routing

	tokenKey         []byte
	statelessResetKey []byte

	log     *logrus.Logger
	metrics *metrics
}

// NewEndpoint builds an Endpoint from cfg, loading its TLS certificate
// and address-validation keys. A missing token/reset key is replaced
// with a process-lifetime random one so the engine degrades gracefully
// rather than refusing to start.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	tokenKey, err := keyFromHexOrRandom(cfg.TokenKeyHex, 32)
	if err != nil {
		return nil, fmt.Errorf("token key: %w", err)
	}
	resetKey, err := keyFromHexOrRandom(cfg.StatelessResetKeyHex, 32)
	if err != nil {
		return nil, fmt.Errorf("stateless reset key: %w", err)
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	reg := cfg.Registerer
	if reg == nil {
		// A fresh registry per Endpoint, not the global default one:
		// two Endpoints in the same process must not collide
		// registering the same fixed collector names.
		reg = prometheus.NewRegistry()
	}

	e := &Endpoint{
		cfg:               cfg,
		byCID:             make(map[string]*remoteConn),
		byAddr:            make(map[string]*remoteConn),
		tokenKey:          tokenKey,
		statelessResetKey: resetKey,
		log:               log,
		metrics:           newMetrics(reg),
	}
	e.tlsConfig = &transport.Config{
		Params:            cfg.transportParams(),
		TLS:               tlsCfg,
		TokenKey:          tokenKey,
		RetryLifetime:     cfg.RetryTokenLifetime,
		StatelessResetKey: resetKey,
	}
	return e, nil
}

const defaultRetryTokenLifetime = 10 * time.Second

func (e *Endpoint) retryLifetime() time.Duration {
	if e.cfg.RetryTokenLifetime != 0 {
		return e.cfg.RetryTokenLifetime
	}
	return defaultRetryTokenLifetime
}

func keyFromHexOrRandom(h string, n int) ([]byte, error) {
	if h == "" {
		b := make([]byte, n)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	return hex.DecodeString(h)
}

// Serve is the single entry point a host's event loop calls per
// received UDP datagram. It routes the datagram to an existing
// connection by DCID, or admits a new one on an Initial packet, runs
// the connection's receive path, then drains whatever that connection
// now has to send.
func (e *Endpoint) Serve(now time.Time, from net.Addr, datagram []byte) ([]Datagram, error) {
	e.metrics.packetsReceived.Inc()

	dcid, scid, err := transport.PeekConnectionIDs(datagram, e.cfg.LocalCIDLength)
	if err != nil {
		e.metrics.packetsDropped.Inc()
		e.log.WithError(err).Debug("dropping unparseable datagram")
		return nil, nil
	}

	rc := e.byCID[string(dcid)]
	if rc == nil {
		if !transport.IsInitialPacket(datagram) {
			// Not how a connection may begin: likely a stray short-header
			// packet for a connection we've already forgotten. Silently
			// drop rather than reply with a stateless reset for every
			// unroutable short-header packet.
			e.metrics.packetsDropped.Inc()
			return nil, nil
		}
		if retry, ok := e.maybeIssueRetry(from, datagram, dcid, scid); ok {
			return retry, nil
		}
		rc, err = e.accept(from, datagram)
		if err != nil {
			e.metrics.packetsDropped.Inc()
			e.log.WithError(err).WithField("addr", from).Warn("rejecting new connection")
			return nil, nil
		}
		e.metrics.connectionsAccepted.Inc()
	}
	rc.lastActivity = now
	rc.addr = from

	if _, err := rc.conn.Write(datagram); err != nil {
		e.log.WithError(err).WithField("trace_id", rc.traceID).Debug("connection write error")
	}

	out := e.drain(rc)
	e.reapIfClosed(rc)
	return out, nil
}

// maybeIssueRetry implements the optional address-validation round
// trip: when cfg.RequireRetry is set, a connection attempt with no
// token (or one that fails to validate) gets a Retry packet back
// instead of being admitted; the original client dcid is embedded in
// the token so the follow-up Initial can be accepted statelessly.
func (e *Endpoint) maybeIssueRetry(from net.Addr, datagram, clientDCID, clientSCID []byte) (retry []Datagram, handled bool) {
	if !e.cfg.RequireRetry {
		return nil, false
	}
	token, err := transport.PeekInitialToken(datagram, e.cfg.LocalCIDLength)
	if err == nil && len(token) > 0 {
		if _, verr := transport.DecodeRetryToken(e.tokenKey, token, peerIPOf(from), time.Now(), e.retryLifetime()); verr == nil {
			return nil, false // already validated: let accept() proceed normally
		}
	}
	newSCID := make([]byte, e.cfg.LocalCIDLength)
	if _, err := rand.Read(newSCID); err != nil {
		return nil, true
	}
	newToken, err := transport.EncodeRetryToken(e.tokenKey, peerIPOf(from), clientDCID, time.Now())
	if err != nil {
		return nil, true
	}
	// The Retry's wire dcid echoes the client's scid; the integrity tag
	// is keyed by the client's original dcid (RFC 9001 section 5.8).
	data := transport.BuildRetryPacket(clientDCID, newSCID, clientSCID, newToken)
	return []Datagram{{To: from, Data: data}}, true
}

func peerIPOf(addr net.Addr) []byte {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP
	}
	return nil
}

// accept admits a new connection from the first Initial packet of its
// handshake, minting a fresh local connection id, building the Conn
// with transport.Accept and registering it in the table; Serve hands
// the datagram itself to the new Conn afterwards. odcid is
// non-empty only once a Retry token has validated the peer's address.
func (e *Endpoint) accept(from net.Addr, datagram []byte) (*remoteConn, error) {
	var odcid []byte
	if e.cfg.RequireRetry {
		if token, err := transport.PeekInitialToken(datagram, e.cfg.LocalCIDLength); err == nil && len(token) > 0 {
			odcid, _ = transport.DecodeRetryToken(e.tokenKey, token, peerIPOf(from), time.Now(), e.retryLifetime())
		}
	}
	localCID := make([]byte, e.cfg.LocalCIDLength)
	if _, err := rand.Read(localCID); err != nil {
		return nil, err
	}
	conn, err := transport.Accept(localCID, odcid, e.tlsConfig)
	if err != nil {
		return nil, err
	}

	rc := &remoteConn{
		conn:         conn,
		addr:         from,
		localCID:     localCID,
		traceID:      uuid.New(),
		lastActivity: time.Now(),
	}
	attachWireLogger(e.log, rc)

	addr := make([]byte, 0, 18)
	if udp, ok := from.(*net.UDPAddr); ok {
		addr = append(addr, udp.IP...)
	}
	conn.SetPeerAddress(addr)

	e.byCID[string(localCID)] = rc
	e.byAddr[from.String()] = rc
	return rc, nil
}

// Flush drains every connection with pending timer-driven work (PTO,
// loss detection, idle/draining timeout, delayed ACK), for the host's
// timer wheel to call once per connection's advertised Conn.Timeout().
func (e *Endpoint) Flush(now time.Time) []Datagram {
	var out []Datagram
	for _, rc := range e.byCID {
		timeout := rc.conn.Timeout()
		if timeout != 0 {
			continue // negative: nothing pending; positive: not due yet
		}
		// Write(nil) runs the same checkTimeout path Write(data) does,
		// without feeding any new bytes in, so a bare timer fire (PTO,
		// loss detection, idle/draining expiry) gets applied before we
		// drain whatever it queued to send.
		_, _ = rc.conn.Write(nil)
		out = append(out, e.drain(rc)...)
		e.reapIfClosed(rc)
	}
	return out
}

// drain pulls every datagram a connection currently has queued to
// send, addressed back to its last known remote address.
func (e *Endpoint) drain(rc *remoteConn) []Datagram {
	var out []Datagram
	buf := make([]byte, transport.MaxPacketSize)
	for {
		n, err := rc.conn.Read(buf)
		if err != nil || n == 0 {
			break
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		out = append(out, Datagram{To: rc.addr, Data: data})
		e.metrics.packetsSent.Inc()
	}
	e.metrics.observe(hex.EncodeToString(rc.localCID), rc.conn.Stats())
	return out
}

// reapIfClosed removes a fully-closed connection from every table it's
// registered under, once its own close/draining timers have expired.
func (e *Endpoint) reapIfClosed(rc *remoteConn) {
	if !rc.conn.IsClosed() {
		return
	}
	detachWireLogger(rc)
	delete(e.byCID, string(rc.localCID))
	if rc.addr != nil {
		delete(e.byAddr, rc.addr.String())
	}
	e.metrics.forget(hex.EncodeToString(rc.localCID))
	e.metrics.connectionsClosed.Inc()
}

// Events drains the posted stream/connection events for one
// connection, for a host's handler loop to react to.
func (e *Endpoint) Events(scid []byte) []transport.Event {
	rc := e.byCID[string(scid)]
	if rc == nil {
		return nil
	}
	return rc.conn.Events(nil)
}

// Conn returns the transport.Conn registered under a local connection
// id, for a host handler to read/write streams on.
func (e *Endpoint) Conn(scid []byte) *transport.Conn {
	rc := e.byCID[string(scid)]
	if rc == nil {
		return nil
	}
	return rc.conn
}

// ConnForAddr resolves the connection currently associated with a
// remote address, for a host whose event loop only has the UDP source
// address on hand after a Serve call (e.g. to react to the stream
// events it just posted).
func (e *Endpoint) ConnForAddr(addr net.Addr) *transport.Conn {
	rc := e.byAddr[addr.String()]
	if rc == nil {
		return nil
	}
	return rc.conn
}
