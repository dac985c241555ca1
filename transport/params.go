package transport

import "time"

// Transport parameter identifiers (RFC 9000 section 18.2).
const (
	paramOriginalDestinationCID     uint64 = 0x00
	paramMaxIdleTimeout             uint64 = 0x01
	paramStatelessResetToken        uint64 = 0x02
	paramMaxUDPPayloadSize          uint64 = 0x03
	paramInitialMaxData             uint64 = 0x04
	paramInitialMaxStreamDataBidiLocal  uint64 = 0x05
	paramInitialMaxStreamDataBidiRemote uint64 = 0x06
	paramInitialMaxStreamDataUni    uint64 = 0x07
	paramInitialMaxStreamsBidi      uint64 = 0x08
	paramInitialMaxStreamsUni       uint64 = 0x09
	paramAckDelayExponent           uint64 = 0x0a
	paramMaxAckDelay                uint64 = 0x0b
	paramDisableActiveMigration     uint64 = 0x0c
	paramActiveConnectionIDLimit    uint64 = 0x0e
	paramInitialSourceCID           uint64 = 0x0f
	paramRetrySourceCID             uint64 = 0x10
)

// encodeTransportParameters serializes p as the TLV sequence RFC 9000
// section 18.2 defines, for delivery to the TLS provider's
// SetTransportParameters hook.
func encodeTransportParameters(p *Parameters) []byte {
	var b []byte
	putBytesParam := func(id uint64, v []byte) {
		if v == nil {
			return
		}
		b = appendVarint(b, id)
		b = appendVarint(b, uint64(len(v)))
		b = append(b, v...)
	}
	putIntParam := func(id uint64, v uint64) {
		b = appendVarint(b, id)
		b = appendVarint(b, uint64(varintLen(v)))
		b = appendVarint(b, v)
	}
	putFlagParam := func(id uint64) {
		b = appendVarint(b, id)
		b = appendVarint(b, 0)
	}

	putBytesParam(paramOriginalDestinationCID, p.OriginalDestinationCID)
	putBytesParam(paramInitialSourceCID, p.InitialSourceCID)
	putBytesParam(paramRetrySourceCID, p.RetrySourceCID)
	putBytesParam(paramStatelessResetToken, p.StatelessResetToken)

	if p.MaxIdleTimeout != 0 {
		putIntParam(paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	}
	if p.MaxUDPPayloadSize != 0 {
		putIntParam(paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	}
	putIntParam(paramInitialMaxData, p.InitialMaxData)
	putIntParam(paramInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	putIntParam(paramInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	putIntParam(paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	putIntParam(paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	putIntParam(paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	if p.AckDelayExponent != 0 {
		putIntParam(paramAckDelayExponent, p.AckDelayExponent)
	}
	if p.MaxAckDelay != 0 {
		putIntParam(paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	}
	if p.DisableActiveMigration {
		putFlagParam(paramDisableActiveMigration)
	}
	if p.ActiveConnectionIDLimit != 0 {
		putIntParam(paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	}
	return b
}

// decodeTransportParameters parses the peer's TLV sequence, per RFC
// 9000 section 18.2. Unknown parameter ids are skipped, not rejected
// (the RFC requires forward compatibility here).
func decodeTransportParameters(b []byte) (Parameters, error) {
	var p Parameters
	for len(b) > 0 {
		var id, length uint64
		n := getVarint(b, &id)
		if n == 0 {
			return p, newError(TransportParameterError, "truncated transport parameter id")
		}
		b = b[n:]
		n = getVarint(b, &length)
		if n == 0 {
			return p, newError(TransportParameterError, "truncated transport parameter length")
		}
		b = b[n:]
		if uint64(len(b)) < length {
			return p, newError(TransportParameterError, "transport parameter value truncated")
		}
		val := b[:length]
		b = b[length:]

		switch id {
		case paramOriginalDestinationCID:
			p.OriginalDestinationCID = append([]byte(nil), val...)
		case paramInitialSourceCID:
			p.InitialSourceCID = append([]byte(nil), val...)
		case paramRetrySourceCID:
			p.RetrySourceCID = append([]byte(nil), val...)
		case paramStatelessResetToken:
			if len(val) != 16 {
				return p, newError(TransportParameterError, "stateless_reset_token wrong length")
			}
			p.StatelessResetToken = append([]byte(nil), val...)
		case paramMaxIdleTimeout:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
		case paramMaxUDPPayloadSize:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.MaxUDPPayloadSize = v
		case paramInitialMaxData:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.InitialMaxData = v
		case paramInitialMaxStreamDataBidiLocal:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.InitialMaxStreamDataBidiLocal = v
		case paramInitialMaxStreamDataBidiRemote:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.InitialMaxStreamDataBidiRemote = v
		case paramInitialMaxStreamDataUni:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.InitialMaxStreamDataUni = v
		case paramInitialMaxStreamsBidi:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.InitialMaxStreamsBidi = v
		case paramInitialMaxStreamsUni:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.InitialMaxStreamsUni = v
		case paramAckDelayExponent:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.AckDelayExponent = v
		case paramMaxAckDelay:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.MaxAckDelay = time.Duration(v) * time.Millisecond
		case paramDisableActiveMigration:
			p.DisableActiveMigration = true
		case paramActiveConnectionIDLimit:
			v, err := decodeVarintParam(val)
			if err != nil {
				return p, err
			}
			p.ActiveConnectionIDLimit = v
		default:
			// unknown: ignored per spec
		}
	}
	return p, nil
}

func decodeVarintParam(val []byte) (uint64, error) {
	var v uint64
	n := getVarint(val, &v)
	if n == 0 || n != len(val) {
		return 0, newError(TransportParameterError, "malformed integer transport parameter")
	}
	return v, nil
}
