package logarchive

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encrypter wraps a packed archive for storage. The hash chain covers the
// plaintext archive, never the ciphertext.
type Encrypter interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

const (
	envelopeMagic    = "LAENV\x01"
	envelopeSaltSize = 32
	envelopeInfo     = "logarchive envelope v1"
)

// Envelope encrypts archives with XChaCha20-Poly1305 under a key derived by
// HKDF-SHA256 from a master key and a per-archive salt.
//
//	magic(6) | salt(32) | nonce(24) | ciphertext+tag
type Envelope struct {
	master []byte
}

// NewEnvelope returns an Envelope for a master key of at least 32 bytes.
func NewEnvelope(key []byte) (*Envelope, error) {
	if len(key) < chacha20poly1305.KeySize {
		return nil, errors.WithHint(
			errors.Newf("encryption key is %d bytes, need at least %d", len(key), chacha20poly1305.KeySize),
			"generate one with: head -c 32 /dev/urandom | xxd -p -c 64")
	}
	return &Envelope{master: append([]byte(nil), key...)}, nil
}

// IsEnvelope reports whether b starts with the envelope header.
func IsEnvelope(b []byte) bool {
	return bytes.HasPrefix(b, []byte(envelopeMagic))
}

func (e *Envelope) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, e.master, salt, []byte(envelopeInfo)), key); err != nil {
		return nil, errors.Wrap(err, "derive archive key")
	}
	return chacha20poly1305.NewX(key)
}

// Seal implements Encrypter.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	header := make([]byte, len(envelopeMagic)+envelopeSaltSize+chacha20poly1305.NonceSizeX)
	copy(header, envelopeMagic)
	if _, err := rand.Read(header[len(envelopeMagic):]); err != nil {
		return nil, errors.Wrap(err, "read random salt and nonce")
	}
	salt := header[len(envelopeMagic) : len(envelopeMagic)+envelopeSaltSize]
	nonce := header[len(envelopeMagic)+envelopeSaltSize:]

	aead, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	return aead.Seal(header, nonce, plaintext, header), nil
}

// Open implements Encrypter.
func (e *Envelope) Open(ciphertext []byte) ([]byte, error) {
	hlen := len(envelopeMagic) + envelopeSaltSize + chacha20poly1305.NonceSizeX
	if !IsEnvelope(ciphertext) || len(ciphertext) < hlen+chacha20poly1305.Overhead {
		return nil, errors.Wrap(ErrMalformedArchive, "not an encrypted archive")
	}
	header := ciphertext[:hlen]
	salt := header[len(envelopeMagic) : len(envelopeMagic)+envelopeSaltSize]
	nonce := header[len(envelopeMagic)+envelopeSaltSize:]

	aead, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext[hlen:], header)
	if err != nil {
		return nil, errors.WithHint(
			errors.Mark(errors.Wrap(err, "decrypt archive"), ErrMalformedArchive),
			"check the encryption key")
	}
	return plain, nil
}
