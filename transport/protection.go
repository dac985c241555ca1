package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Packet protection: key derivation, AEAD seal/open and header
// protection masking (RFC 9001 sections 5 and 5.4).
// Grounded on the shockwave-http3 quic-crypto reference (HKDF-Extract
// + HKDF-Expand-Label, same cipher-suite set) and on crypto/tls's own
// QUIC key schedule for the label strings.

// initialSalt is the version 1 initial salt (RFC 9001 section 5.2).
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// cipherSuite identifies the AEAD used by a protection key, mirroring
// the TLS 1.3 cipher suite codepoints since that's how a crypto
// provider reports its negotiated suite.
type cipherSuite uint16

const (
	suiteAES128GCMSHA256      cipherSuite = 0x1301
	suiteAES256GCMSHA384      cipherSuite = 0x1302
	suiteChaCha20Poly1305SHA256 cipherSuite = 0x1303
)

func (s cipherSuite) hash() func() hash.Hash {
	if s == suiteAES256GCMSHA384 {
		return sha512.New384
	}
	return sha256.New
}

func (s cipherSuite) keyLen() int {
	if s == suiteAES256GCMSHA384 || s == suiteChaCha20Poly1305SHA256 {
		return 32
	}
	return 16
}

// headerProtector computes the 5-byte mask applied over the first
// byte's low bits and the packet number.
type headerProtector interface {
	mask(sample []byte) [5]byte
}

type aesHeaderProtector struct {
	block cipher.Block
}

func (p *aesHeaderProtector) mask(sample []byte) [5]byte {
	var out [16]byte
	p.block.Encrypt(out[:], sample)
	var m [5]byte
	copy(m[:], out[:5])
	return m
}

type chachaHeaderProtector struct {
	key [32]byte
}

func (p *chachaHeaderProtector) mask(sample []byte) [5]byte {
	// sample = counter(4 little-endian bytes) || nonce(12 bytes), per
	// RFC 9001 section 5.4.4.
	counter := binary.LittleEndian.Uint32(sample[:4])
	nonce := sample[4:16]
	c, err := chacha20.NewUnauthenticatedCipher(p.key[:], nonce)
	if err != nil {
		return [5]byte{}
	}
	c.SetCounter(counter)
	var zero, out [5]byte
	c.XORKeyStream(out[:], zero[:])
	return out
}

// protectionKeys is one direction's (read or write) packet protection
// material at one encryption level.
type protectionKeys struct {
	aead   cipher.AEAD
	hp     headerProtector
	iv     []byte
	suite  cipherSuite
	pnSeen map[uint64]bool // set lazily for tests; production relies on pnspace dedup
}

func newAEAD(suite cipherSuite, key []byte) (cipher.AEAD, error) {
	if suite == suiteChaCha20Poly1305SHA256 {
		return chacha20poly1305.New(key)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func newHeaderProtector(suite cipherSuite, hpKey []byte) (headerProtector, error) {
	if suite == suiteChaCha20Poly1305SHA256 {
		p := &chachaHeaderProtector{}
		copy(p.key[:], hpKey)
		return p, nil
	}
	block, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, err
	}
	return &aesHeaderProtector{block: block}, nil
}

// deriveProtectionKeys derives the AEAD, header-protection and IV
// material from a per-level secret (RFC 9001 section 5.1).
func deriveProtectionKeys(suite cipherSuite, secret []byte) (*protectionKeys, error) {
	keyLen := suite.keyLen()
	key := hkdfExpandLabel(suite.hash(), secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(suite.hash(), secret, "quic iv", nil, 12)
	hpKeyLen := keyLen
	hpKey := hkdfExpandLabel(suite.hash(), secret, "quic hp", nil, hpKeyLen)

	aead, err := newAEAD(suite, key)
	if err != nil {
		return nil, err
	}
	hp, err := newHeaderProtector(suite, hpKey)
	if err != nil {
		return nil, err
	}
	return &protectionKeys{aead: aead, hp: hp, iv: iv, suite: suite}, nil
}

// hkdfExpandLabel implements TLS 1.3's HKDF-Expand-Label (RFC 8446
// section 7.1), reused unmodified for the QUIC-specific labels.
func hkdfExpandLabel(h func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, byte(len(context)))
	info = append(info, context...)

	out := make([]byte, length)
	r := hkdf.Expand(h, secret, info)
	if _, err := r.Read(out); err != nil {
		panic("transport: hkdf expand failed: " + err.Error())
	}
	return out
}

// initialAEAD holds both directions' Initial-level keys, derived from
// the connection id chosen by the client (RFC 9001 section 5.2).
type initialAEAD struct {
	client *protectionKeys
	server *protectionKeys
}

func (k *initialAEAD) init(cid []byte) error {
	initialSecret := hkdf.Extract(sha256.New, cid, initialSalt)
	clientSecret := hkdfExpandLabel(sha256.New, initialSecret, "client in", nil, 32)
	serverSecret := hkdfExpandLabel(sha256.New, initialSecret, "server in", nil, 32)
	var err error
	k.client, err = deriveProtectionKeys(suiteAES128GCMSHA256, clientSecret)
	if err != nil {
		return err
	}
	k.server, err = deriveProtectionKeys(suiteAES128GCMSHA256, serverSecret)
	return err
}

// nextSecret derives the following generation's 1-RTT secret from the
// current secret via the "quic ku" label (RFC 9001 section 6), used
// both to pre-generate the next key (so it's ready the instant the
// peer flips key phase) and to actually rotate on key update.
func nextSecret(suite cipherSuite, secret []byte) []byte {
	return hkdfExpandLabel(suite.hash(), secret, "quic ku", nil, len(secret))
}

// buildNonce XORs the packet number into the IV, right-aligned, per
// RFC 9001 section 5.3.
func buildNonce(iv []byte, pn uint64) []byte {
	nonce := make([]byte, len(iv))
	copy(nonce, iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(pn >> (8 * i))
	}
	return nonce
}

// seal seals plaintext in place, returning the ciphertext
// (which includes the AEAD tag).
func (k *protectionKeys) seal(dst, aad, plaintext []byte, pn uint64) []byte {
	nonce := buildNonce(k.iv, pn)
	return k.aead.Seal(dst, nonce, plaintext, aad)
}

func (k *protectionKeys) open(dst, aad, ciphertext []byte, pn uint64) ([]byte, error) {
	nonce := buildNonce(k.iv, pn)
	out, err := k.aead.Open(dst, nonce, ciphertext, aad)
	if err != nil {
		return nil, newError(InternalError, "aead open failed")
	}
	return out, nil
}

// hpSampleLen is the length of the header-protection sample (RFC 9001
// section 5.4.2); the sample is taken 4 bytes past the start of the
// packet number field, the maximum packet number length.
const hpSampleLen = 16
