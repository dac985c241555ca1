package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"time"
)

// clientCID is one entry of the client-chosen connection-id set a
// server tracks for a connection.
type clientCID struct {
	sequenceNumber      uint64
	id                  []byte
	statelessResetToken [16]byte
}

// cidSet manages the set of peer-issued connection ids. A slice kept
// in arrival order stands in for the list/freelist pairing:
// entries are removed by value, not pooled, since CID churn is rare
// relative to packet rate.
type cidSet struct {
	entries   []clientCID
	maxRetired uint64
	preferred  []byte // current outgoing DCID: the highest-sequence entry seen
}

// onNewConnectionID applies one NEW_CONNECTION_ID frame (RFC 9000
// section 19.15). toRetire receives any sequence numbers that must now
// be retired (RETIRE_CONNECTION_ID emitted by the caller).
func (s *cidSet) onNewConnectionID(seq, retire uint64, id []byte, srt [16]byte, activeLimit uint64) (toRetire []uint64, err error) {
	if seq < s.maxRetired {
		return []uint64{seq}, nil
	}
	for _, e := range s.entries {
		if e.sequenceNumber == seq {
			if !bytes.Equal(e.id, id) || e.statelessResetToken != srt {
				return nil, newError(ProtocolViolation, "new_connection_id mismatch for known sequence")
			}
			return nil, nil
		}
	}
	adopt := len(s.preferred) == 0 || seq > s.highestSequence()
	s.entries = append(s.entries, clientCID{sequenceNumber: seq, id: id, statelessResetToken: srt})
	if adopt {
		s.preferred = id
	}
	if retire > s.maxRetired {
		s.maxRetired = retire
	}
	remaining := s.entries[:0]
	for _, e := range s.entries {
		if e.sequenceNumber < s.maxRetired {
			toRetire = append(toRetire, e.sequenceNumber)
			continue
		}
		remaining = append(remaining, e)
	}
	s.entries = remaining
	if uint64(len(s.entries)) > activeLimit {
		return toRetire, newError(ConnectionIDLimitError, "too many active connection ids")
	}
	return toRetire, nil
}

func (s *cidSet) highestSequence() uint64 {
	var max uint64
	for _, e := range s.entries {
		if e.sequenceNumber > max {
			max = e.sequenceNumber
		}
	}
	return max
}

// matchesResetToken does a constant-time comparison against every
// tracked CID's stateless-reset token.
func (s *cidSet) matchesResetToken(token []byte) bool {
	if len(token) != 16 {
		return false
	}
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(e.statelessResetToken[:], token) == 1 {
			return true
		}
	}
	return false
}

// deriveStatelessResetToken computes the per-CID token advertised in
// transport parameters / NEW_CONNECTION_ID frames: an HMAC over the
// DCID bytes under a configured key.
func deriveStatelessResetToken(key, cid []byte) [16]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(cid)
	sum := mac.Sum(nil)
	var tok [16]byte
	copy(tok[:], sum)
	return tok
}

// --- Retry / NEW_TOKEN address-validation tokens ---

const retryTokenIVLen = 16

// encodeToken builds an address-validation token: a fresh IV followed
// by AES-256-CBC(iv, key, peerIP || millisecond-timestamp).
func encodeToken(key []byte, peerIP []byte, now time.Time) ([]byte, error) {
	plain := make([]byte, len(peerIP)+8)
	copy(plain, peerIP)
	binary.BigEndian.PutUint64(plain[len(peerIP):], uint64(now.UnixMilli()))
	return sealToken(key, plain)
}

// decodeToken reverses encodeToken and validates it against the
// current peer address and retryLifetime.
func decodeToken(key, token, peerIP []byte, now time.Time, retryLifetime time.Duration) error {
	plain, err := openToken(key, token)
	if err != nil {
		return errInvalidToken
	}
	if len(plain) < 8 {
		return errInvalidToken
	}
	gotIP := plain[:len(plain)-8]
	ts := binary.BigEndian.Uint64(plain[len(plain)-8:])
	if !bytes.Equal(gotIP, peerIP) {
		return errInvalidToken
	}
	created := time.UnixMilli(int64(ts))
	if now.Sub(created) > retryLifetime {
		return errInvalidToken
	}
	return nil
}

// EncodeRetryToken builds a Retry token: like encodeToken, but with
// the client's original destination connection id embedded ahead of
// the address/timestamp so the server can recover it, statelessly,
// once the client retries its Initial with the token attached (RFC
// 9000 section 8.1.2 requires the odcid be recoverable from the token
// alone since the server keeps no per-attempt state across a Retry).
func EncodeRetryToken(key, peerIP, odcid []byte, now time.Time) ([]byte, error) {
	plain := make([]byte, 0, 1+len(odcid)+len(peerIP)+8)
	plain = append(plain, byte(len(odcid)))
	plain = append(plain, odcid...)
	plain = append(plain, peerIP...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixMilli()))
	plain = append(plain, ts[:]...)
	return sealToken(key, plain)
}

// DecodeRetryToken reverses EncodeRetryToken, validating the embedded
// address and age, and returns the original destination cid.
func DecodeRetryToken(key, token, peerIP []byte, now time.Time, retryLifetime time.Duration) (odcid []byte, err error) {
	plain, err := openToken(key, token)
	if err != nil {
		return nil, err
	}
	if len(plain) < 1+8 {
		return nil, errInvalidToken
	}
	odcidLen := int(plain[0])
	if len(plain) < 1+odcidLen+8 {
		return nil, errInvalidToken
	}
	odcid = plain[1 : 1+odcidLen]
	rest := plain[1+odcidLen:]
	gotIP := rest[:len(rest)-8]
	ts := binary.BigEndian.Uint64(rest[len(rest)-8:])
	if !bytes.Equal(gotIP, peerIP) {
		return nil, errInvalidToken
	}
	created := time.UnixMilli(int64(ts))
	if now.Sub(created) > retryLifetime {
		return nil, errInvalidToken
	}
	return odcid, nil
}

// sealToken/openToken hold the AES-256-CBC envelope shared by
// encodeToken/decodeToken and EncodeRetryToken/DecodeRetryToken.
func sealToken(key, plain []byte) ([]byte, error) {
	padded := padPKCS7(plain, aes.BlockSize)
	iv := make([]byte, retryTokenIVLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:aes.BlockSize]).CryptBlocks(ciphertext, padded)
	out := make([]byte, 0, len(iv)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

func openToken(key, token []byte) ([]byte, error) {
	if len(token) < retryTokenIVLen+aes.BlockSize {
		return nil, errInvalidToken
	}
	iv := token[:retryTokenIVLen]
	ciphertext := token[retryTokenIVLen:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errInvalidToken
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errInvalidToken
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:aes.BlockSize]).CryptBlocks(plain, ciphertext)
	return unpadPKCS7(plain)
}

func padPKCS7(b []byte, blockSize int) []byte {
	pad := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+pad)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func unpadPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errInvalidToken
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > len(b) {
		return nil, errInvalidToken
	}
	return b[:len(b)-pad], nil
}

// verifyRetryIntegrity recomputes and compares a Retry packet's
// integrity tag (RFC 9001 section 5.8), keyed by the fixed AES-128-GCM
// "retry integrity" key/nonce, using the original DCID the client sent
// as associated data.
func verifyRetryIntegrity(datagram []byte, odcid []byte) bool {
	if len(datagram) < 16 {
		return false
	}
	body := datagram[:len(datagram)-16]
	gotTag := datagram[len(datagram)-16:]
	aad := make([]byte, 0, 1+len(odcid)+len(body))
	aad = append(aad, byte(len(odcid)))
	aad = append(aad, odcid...)
	aad = append(aad, body...)

	block, err := aes.NewCipher(retryIntegrityKey[:])
	if err != nil {
		return false
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return false
	}
	tag := aead.Seal(nil, retryIntegrityNonce[:], nil, aad)
	return subtle.ConstantTimeCompare(tag, gotTag) == 1
}

func computeRetryIntegrityTag(datagram []byte, odcid []byte) [16]byte {
	aad := make([]byte, 0, 1+len(odcid)+len(datagram))
	aad = append(aad, byte(len(odcid)))
	aad = append(aad, odcid...)
	aad = append(aad, datagram...)
	block, _ := aes.NewCipher(retryIntegrityKey[:])
	aead, _ := cipher.NewGCM(block)
	tag := aead.Seal(nil, retryIntegrityNonce[:], nil, aad)
	var out [16]byte
	copy(out[:], tag)
	return out
}

// retryIntegrityKey/nonce are the fixed values from RFC 9001 section
// 5.8 for QUIC v1.
var retryIntegrityKey = [16]byte{
	0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a,
	0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e,
}

var retryIntegrityNonce = [12]byte{
	0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb,
}

func newRandomCID(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
