// Package seal optionally authenticates and encrypts replication frames.
// Signing keys and encryption keys come from outside; the replication
// code only sees the opaque Signer, Verifier and Cipher contracts.
package seal

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/drpcorg/scenesync/protocol"
	"golang.org/x/crypto/chacha20poly1305"
)

type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

type Verifier interface {
	Verify(msg, sig []byte) bool
}

type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

var (
	ErrNotSealed    = errors.New("seal: frame is not sealed")
	ErrBadSignature = errors.New("seal: bad signature")
	ErrDecrypt      = errors.New("seal: cannot decrypt")
)

// Seal wraps every outgoing frame as Z{ P:payload G:signature } with the
// body encrypted when a Cipher is set. A nil *Seal passes frames through.
type Seal struct {
	Signer   Signer
	Verifier Verifier
	Cipher   Cipher
}

func (s *Seal) Enabled() bool {
	return s != nil && (s.Signer != nil || s.Verifier != nil || s.Cipher != nil)
}

func (s *Seal) Wrap(frame []byte) ([]byte, error) {
	if !s.Enabled() {
		return frame, nil
	}
	body := protocol.Record('P', frame)
	if s.Signer != nil {
		sig, err := s.Signer.Sign(frame)
		if err != nil {
			return nil, fmt.Errorf("seal: sign: %w", err)
		}
		body = protocol.Append(body, 'G', sig)
	}
	if s.Cipher != nil {
		var err error
		if body, err = s.Cipher.Encrypt(body); err != nil {
			return nil, fmt.Errorf("seal: encrypt: %w", err)
		}
	}
	return protocol.Record('Z', body), nil
}

// Unwrap checks and opens a Z record, returning the inner frame.
func (s *Seal) Unwrap(rec []byte) ([]byte, error) {
	if !s.Enabled() {
		return rec, nil
	}
	body, rest, err := protocol.TakeWary('Z', rec)
	if err != nil || len(rest) != 0 {
		return nil, ErrNotSealed
	}
	if s.Cipher != nil {
		if body, err = s.Cipher.Decrypt(body); err != nil {
			return nil, errors.Join(ErrDecrypt, err)
		}
	}
	frame, rest, err := protocol.TakeWary('P', body)
	if err != nil {
		return nil, errors.Join(ErrNotSealed, err)
	}
	if s.Verifier == nil {
		return frame, nil
	}
	sig, _, err := protocol.TakeWary('G', rest)
	if err != nil || !s.Verifier.Verify(frame, sig) {
		return nil, ErrBadSignature
	}
	return frame, nil
}

type Ed25519Signer struct {
	Key ed25519.PrivateKey
}

func (e Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	if len(e.Key) != ed25519.PrivateKeySize {
		return nil, errors.New("seal: bad ed25519 private key")
	}
	return ed25519.Sign(e.Key, msg), nil
}

// Ed25519Verifier accepts a signature made by any of the trusted keys.
type Ed25519Verifier struct {
	Trusted []ed25519.PublicKey
}

func (e Ed25519Verifier) Verify(msg, sig []byte) bool {
	for _, key := range e.Trusted {
		if len(key) == ed25519.PublicKeySize && ed25519.Verify(key, msg, sig) {
			return true
		}
	}
	return false
}

// ChaCha is an XChaCha20-Poly1305 Cipher with a random nonce prefixed to
// every ciphertext.
type ChaCha struct {
	aead cipher.AEAD
}

func NewChaCha(key []byte) (*ChaCha, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return &ChaCha{aead: aead}, nil
}

func (c *ChaCha) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *ChaCha) Decrypt(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, ErrDecrypt
	}
	return c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}
