// Package transport implements a single QUIC v1 connection (RFC 9000,
// RFC 9001, RFC 9002): packet and frame encoding, header and packet
// protection, loss detection and congestion control, stream
// multiplexing with flow control, and connection-id/address-validation
// bookkeeping.
//
// A Conn is driven byte-wise rather than socket-wise: Write feeds it
// datagrams received off the wire, Read drains datagrams it has queued
// to send, and Timeout reports when the caller must next invoke Write
// with no new data to let a timer (PTO, loss detection, idle or
// draining expiry) fire. This leaves socket I/O, connection-table
// lookup by connection id, and multi-connection concerns to a host
// package such as qcore/qtransport/engine; Conn itself holds no
// goroutines, locks, or net.Conn.
//
// TLS 1.3 is delegated entirely to crypto/tls's QUICConn, which this
// package drives as the pluggable crypto provider behind a small sink
// interface rather than re-implementing the handshake state machine.
package transport
