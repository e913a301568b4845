// Package e2ee implements the client-side end-to-end encryption used by chat
// clients. Each message is sealed to the recipient's X25519 public key with a
// fresh ephemeral key pair, so the server only ever handles opaque ciphertext.
//
// Envelope layout:
//
//	version(1) | ephemeral public key(32) | nonce(24) | XChaCha20-Poly1305 output
//
// The version byte and ephemeral key are bound to the ciphertext as
// additional authenticated data.
package e2ee

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size in bytes of both public and private X25519 keys.
	KeySize = curve25519.ScalarSize

	// Version is the current envelope format.
	Version byte = 1

	headerSize = 1 + KeySize + chacha20poly1305.NonceSizeX

	// Overhead is the number of bytes Encrypt adds to a plaintext.
	Overhead = headerSize + chacha20poly1305.Overhead

	hkdfInfo = "securechat/e2ee/v1 message key"
)

var (
	// ErrDecryption is returned for any ciphertext that cannot be opened:
	// truncated or malformed input, wrong key, wrong version or tampering.
	ErrDecryption = errors.New("e2ee: decryption failed")

	// ErrInvalidKey is returned when key material has the wrong size or is
	// a low-order point.
	ErrInvalidKey = errors.New("e2ee: invalid key")
)

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// PrivateKey is an X25519 private scalar. It never leaves the client.
type PrivateKey [KeySize]byte

// String returns the standard base64 encoding used on the wire.
func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Bytes returns a copy of the key bytes.
func (k PublicKey) Bytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k[:])
	return b
}

// Public derives the public key for k.
func (k PrivateKey) Public() (PublicKey, error) {
	var pub PublicKey
	raw, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], raw)
	return pub, nil
}

// GenerateKeyPair creates a new X25519 key pair from crypto/rand.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(r io.Reader) (PublicKey, PrivateKey, error) {
	var priv PrivateKey
	if _, err := io.ReadFull(r, priv[:]); err != nil {
		return PublicKey{}, PrivateKey{}, fmt.Errorf("e2ee: read random: %w", err)
	}
	pub, err := priv.Public()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return pub, priv, nil
}

// ParsePublicKey decodes a base64 (standard or raw) public key and validates
// it.
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(s)
		if err != nil {
			return PublicKey{}, fmt.Errorf("%w: not base64", ErrInvalidKey)
		}
	}
	return PublicKeyFromBytes(raw)
}

// PublicKeyFromBytes validates raw key bytes. The all-zero key and other
// low-order points are rejected since they produce an all-zero shared secret.
func PublicKeyFromBytes(raw []byte) (PublicKey, error) {
	var pub PublicKey
	if len(raw) != KeySize {
		return pub, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	copy(pub[:], raw)
	var zero PublicKey
	if subtle.ConstantTimeCompare(pub[:], zero[:]) == 1 {
		return PublicKey{}, fmt.Errorf("%w: all-zero key", ErrInvalidKey)
	}
	// Clamped scalars map every low-order point to zero, which X25519 rejects.
	scalar := [KeySize]byte{9}
	if _, err := curve25519.X25519(scalar[:], pub[:]); err != nil {
		return PublicKey{}, fmt.Errorf("%w: low-order point", ErrInvalidKey)
	}
	return pub, nil
}

// Encrypt seals plaintext so only the holder of the private key matching pub
// can open it.
func Encrypt(pub PublicKey, plaintext []byte) ([]byte, error) {
	return encrypt(rand.Reader, pub, plaintext)
}

func encrypt(r io.Reader, pub PublicKey, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := generateKeyPair(r)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := messageAEAD(shared, ephPub, pub)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(plaintext)+aead.Overhead())
	out[0] = Version
	copy(out[1:1+KeySize], ephPub[:])
	nonce := out[1+KeySize : headerSize]
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("e2ee: read nonce: %w", err)
	}
	return aead.Seal(out, nonce, plaintext, out[:1+KeySize]), nil
}

// Decrypt opens a ciphertext produced by Encrypt. It never returns partial
// plaintext; every failure is ErrDecryption.
func Decrypt(priv PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead || ciphertext[0] != Version {
		return nil, ErrDecryption
	}
	var ephPub PublicKey
	copy(ephPub[:], ciphertext[1:1+KeySize])
	nonce := ciphertext[1+KeySize : headerSize]

	shared, err := curve25519.X25519(priv[:], ephPub[:])
	if err != nil {
		return nil, ErrDecryption
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, ErrDecryption
	}
	aead, err := messageAEAD(shared, ephPub, pub)
	if err != nil {
		return nil, ErrDecryption
	}
	plain, err := aead.Open(nil, nonce, ciphertext[headerSize:], ciphertext[:1+KeySize])
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

// messageAEAD derives the per-message key. The salt binds both public keys so
// a ciphertext cannot be replayed against a different recipient key.
func messageAEAD(shared []byte, ephPub, recipient PublicKey) (cipher.AEAD, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephPub[:]...)
	salt = append(salt, recipient[:]...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("e2ee: derive key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

// EncodeCiphertext returns the base64 form carried in message frames.
func EncodeCiphertext(ct []byte) string {
	return base64.StdEncoding.EncodeToString(ct)
}

// DecodeCiphertext reverses EncodeCiphertext. Invalid base64 is reported as
// ErrDecryption.
func DecodeCiphertext(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrDecryption
	}
	return b, nil
}
