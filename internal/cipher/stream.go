// Package cipher implements the encryption layer of a relay session: stream
// ciphers keyed from the shared password, composed with the protocol and
// obfuscation plugins into a per-tunnel context.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"sort"

	"golang.org/x/crypto/chacha20"
)

// Method describes a stream cipher by name, key length and IV length.
type Method struct {
	Name   string
	KeyLen int
	IVLen  int

	newStream func(key, iv []byte) (gocipher.Stream, error)
}

func newAESCTR(key, iv []byte) (gocipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return gocipher.NewCTR(block, iv), nil
}

func newChaCha20(key, iv []byte) (gocipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

var methods = map[string]Method{
	"none":          {Name: "none", KeyLen: 16, IVLen: 0},
	"aes-128-ctr":   {Name: "aes-128-ctr", KeyLen: 16, IVLen: 16, newStream: newAESCTR},
	"aes-192-ctr":   {Name: "aes-192-ctr", KeyLen: 24, IVLen: 16, newStream: newAESCTR},
	"aes-256-ctr":   {Name: "aes-256-ctr", KeyLen: 32, IVLen: 16, newStream: newAESCTR},
	"chacha20-ietf": {Name: "chacha20-ietf", KeyLen: chacha20.KeySize, IVLen: chacha20.NonceSize, newStream: newChaCha20},
}

// MethodByName looks up a cipher method.
func MethodByName(name string) (Method, error) {
	m, ok := methods[name]
	if !ok {
		return Method{}, fmt.Errorf("cipher: unknown method %q", name)
	}
	return m, nil
}

// MethodNames returns the supported cipher method names, sorted.
func MethodNames() []string {
	names := make([]string, 0, len(methods))
	for n := range methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// KeyFromPassword derives a key of the requested length from a password using
// the chained-MD5 construction (OpenSSL EVP_BytesToKey without a salt), the
// derivation every relay implementation of this protocol family agrees on.
func KeyFromPassword(password string, keyLen int) []byte {
	var (
		key  = make([]byte, 0, keyLen)
		prev []byte
	)
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}

// StreamCipher encrypts the outbound direction and decrypts the inbound
// direction of one session. The encrypt IV is generated locally and travels
// at the front of the first outbound payload; the decrypt IV is consumed from
// the front of the first inbound payload.
type StreamCipher struct {
	method Method
	key    []byte

	enc       gocipher.Stream
	encIV     []byte
	encIVSent bool

	dec      gocipher.Stream
	decIVBuf []byte
}

// NewStreamCipher creates a stream cipher for one session.
func NewStreamCipher(method, password string) (*StreamCipher, error) {
	m, err := MethodByName(method)
	if err != nil {
		return nil, err
	}

	s := &StreamCipher{
		method: m,
		key:    KeyFromPassword(password, m.KeyLen),
	}

	if m.newStream != nil {
		s.encIV = make([]byte, m.IVLen)
		if _, err := rand.Read(s.encIV); err != nil {
			return nil, fmt.Errorf("cipher: generate IV: %w", err)
		}
		if s.enc, err = m.newStream(s.key, s.encIV); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Method returns the cipher method in use.
func (s *StreamCipher) Method() Method {
	return s.method
}

// Key returns the derived session key. Obfuscation plugins use it for frame
// authentication.
func (s *StreamCipher) Key() []byte {
	return s.key
}

// Encrypt encrypts p. The first call prepends the encrypt IV.
func (s *StreamCipher) Encrypt(p []byte) ([]byte, error) {
	if s.enc == nil {
		return p, nil
	}

	if !s.encIVSent {
		s.encIVSent = true
		out := make([]byte, len(s.encIV)+len(p))
		copy(out, s.encIV)
		s.enc.XORKeyStream(out[len(s.encIV):], p)
		return out, nil
	}

	out := make([]byte, len(p))
	s.enc.XORKeyStream(out, p)
	return out, nil
}

// Decrypt decrypts p. The decrypt IV is consumed from the front of the
// inbound stream; a first payload shorter than the IV is buffered and yields
// no plaintext until the IV completes.
func (s *StreamCipher) Decrypt(p []byte) ([]byte, error) {
	if s.method.newStream == nil {
		return p, nil
	}

	if s.dec == nil {
		need := s.method.IVLen - len(s.decIVBuf)
		if len(p) < need {
			s.decIVBuf = append(s.decIVBuf, p...)
			return nil, nil
		}
		s.decIVBuf = append(s.decIVBuf, p[:need]...)
		p = p[need:]

		dec, err := s.method.newStream(s.key, s.decIVBuf)
		if err != nil {
			return nil, err
		}
		s.dec = dec
		s.decIVBuf = nil
	}

	out := make([]byte, len(p))
	s.dec.XORKeyStream(out, p)
	return out, nil
}

// Zero clears the key material.
func (s *StreamCipher) Zero() {
	for i := range s.key {
		s.key[i] = 0
	}
}
