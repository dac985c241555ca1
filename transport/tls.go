package transport

import (
	"context"
	"crypto/tls"
)

// tlsHandshake wraps crypto/tls's native QUIC hooks (tls.QUICConn),
// the pluggable crypto provider this transport is built around. Go has
// shipped QUICConn/QUICConfig specifically so implementations don't
// vendor a TLS stack; this is the only viable choice for that role.
type tlsHandshake struct {
	tlsConfig *tls.Config
	conn      *tls.QUICConn
	isClient  bool

	localParams   *Parameters
	peerParamsSet bool
	peerParams    Parameters

	complete bool
}

func (h *tlsHandshake) init(isClient bool, cfg *tls.Config, local *Parameters) error {
	h.isClient = isClient
	h.tlsConfig = cfg
	h.localParams = local

	qcfg := &tls.QUICConfig{TLSConfig: cfg}
	if isClient {
		h.conn = tls.QUICClient(qcfg)
	} else {
		h.conn = tls.QUICServer(qcfg)
	}
	h.conn.SetTransportParameters(encodeTransportParameters(local))
	return h.conn.Start(context.Background())
}

// reset discards the in-progress handshake state, keeping the
// configuration so the caller can re-init (version negotiation and
// Retry both restart the handshake from scratch on the same Config).
func (h *tlsHandshake) reset() {
	if h.conn != nil {
		h.conn.Close()
	}
	isClient, cfg, local := h.isClient, h.tlsConfig, h.localParams
	*h = tlsHandshake{isClient: isClient, tlsConfig: cfg, localParams: local}
}

// feedCrypto hands received CRYPTO-frame bytes (already reassembled
// into order) at the given level to the TLS state machine.
func (h *tlsHandshake) feedCrypto(level tls.QUICEncryptionLevel, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return h.conn.HandleData(level, data)
}

// pump drains tls.QUICConn's event queue, applying key installs,
// outgoing CRYPTO data and completion/alert events to ps, up until the
// queue needs more input than is currently available.
type cryptoSink interface {
	pnSpaceFor(tls.QUICEncryptionLevel) *packetNumberSpace
}

func (h *tlsHandshake) pump(sink cryptoSink) error {
	for {
		ev := h.conn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			ps := sink.pnSpaceFor(ev.Level)
			if err := ps.setReadSecret(suiteFromTLS(uint16(ev.Suite)), ev.Data); err != nil {
				return err
			}
		case tls.QUICSetWriteSecret:
			ps := sink.pnSpaceFor(ev.Level)
			if err := ps.setWriteSecret(suiteFromTLS(uint16(ev.Suite)), ev.Data); err != nil {
				return err
			}
		case tls.QUICWriteData:
			ps := sink.pnSpaceFor(ev.Level)
			ps.cryptoSend.queue(ev.Data)
		case tls.QUICTransportParameters:
			params, err := decodeTransportParameters(ev.Data)
			if err != nil {
				return err
			}
			h.peerParams = params
			h.peerParamsSet = true
		case tls.QUICHandshakeDone:
			h.complete = true
		default:
			// QUICStoreSession and others: no handling needed for a
			// module that does not support 0-RTT resumption.
		}
	}
}

func (h *tlsHandshake) HandshakeComplete() bool                 { return h.complete }
func (h *tlsHandshake) PeerTransportParams() (Parameters, bool) { return h.peerParams, h.peerParamsSet }

func suiteFromTLS(id uint16) cipherSuite { return cipherSuite(id) }
