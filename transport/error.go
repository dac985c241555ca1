package transport

import "fmt"

// ErrorCode is a QUIC transport or application error code.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-20
type ErrorCode uint64

// Transport error codes (RFC 9000 section 20.1).
const (
	NoError                  ErrorCode = 0x0
	InternalError            ErrorCode = 0x1
	ConnectionRefused        ErrorCode = 0x2
	FlowControlError         ErrorCode = 0x3
	StreamLimitError         ErrorCode = 0x4
	StreamStateError         ErrorCode = 0x5
	FinalSizeError           ErrorCode = 0x6
	FrameEncodingError       ErrorCode = 0x7
	TransportParameterError  ErrorCode = 0x8
	ConnectionIDLimitError   ErrorCode = 0x9
	ProtocolViolation        ErrorCode = 0xa
	InvalidToken             ErrorCode = 0xb
	ApplicationError         ErrorCode = 0xc
	CryptoBufferExceeded     ErrorCode = 0xd
	KeyUpdateError           ErrorCode = 0xe
	AEADLimitReached         ErrorCode = 0xf
	NoViablePath             ErrorCode = 0x10
	NoApplicationProtocol    ErrorCode = 0x178 // CRYPTO_ERROR for TLS alert no_application_protocol (120), named by errorCodeString
	CryptoErrorBase          ErrorCode = 0x100
)

// newTLSAlertError maps a TLS alert to the CRYPTO_ERROR range (0x100-0x1ff).
func newTLSAlertError(alert uint8) ErrorCode {
	return CryptoErrorBase + ErrorCode(alert)
}

func errorCodeString(code ErrorCode) string {
	if code == NoApplicationProtocol {
		return "no_application_protocol"
	}
	switch {
	case code >= CryptoErrorBase && code < CryptoErrorBase+0x100:
		return fmt.Sprintf("crypto_error_%d", code-CryptoErrorBase)
	}
	switch code {
	case NoError:
		return "no_error"
	case InternalError:
		return "internal_error"
	case ConnectionRefused:
		return "connection_refused"
	case FlowControlError:
		return "flow_control_error"
	case StreamLimitError:
		return "stream_limit_error"
	case StreamStateError:
		return "stream_state_error"
	case FinalSizeError:
		return "final_size_error"
	case FrameEncodingError:
		return "frame_encoding_error"
	case TransportParameterError:
		return "transport_parameter_error"
	case ConnectionIDLimitError:
		return "connection_id_limit_error"
	case ProtocolViolation:
		return "protocol_violation"
	case InvalidToken:
		return "invalid_token"
	case ApplicationError:
		return "application_error"
	case CryptoBufferExceeded:
		return "crypto_buffer_exceeded"
	case KeyUpdateError:
		return "key_update_error"
	case AEADLimitReached:
		return "aead_limit_reached"
	case NoViablePath:
		return "no_viable_path"
	default:
		return fmt.Sprintf("unknown_error_%#x", uint64(code))
	}
}

// Error is a QUIC connection-fatal error: it carries enough state to
// build a CONNECTION_CLOSE frame and to report why a connection died.
type Error struct {
	Code        ErrorCode
	Application bool // application-level (0x1d) vs transport-level (0x1c) close
	FrameType   uint64
	Reason      string
	Level       packetSpace
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return errorCodeString(e.Code)
	}
	return fmt.Sprintf("%s: %s", errorCodeString(e.Code), e.Reason)
}

// newError builds a transport-level *Error. It is the core's single
// constructor for fatal errors so every non-recoverable condition in
// the state machine goes through one place.
func newError(code ErrorCode, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func newAppError(code ErrorCode, reason string) *Error {
	return &Error{Code: code, Application: true, Reason: reason}
}

// asQUICError returns err as *Error, wrapping unknown errors as
// InternalError so callers always have a code to close with.
func asQUICError(err error) *Error {
	if err == nil {
		return nil
	}
	if qe, ok := err.(*Error); ok {
		return qe
	}
	return newError(InternalError, err.Error())
}
