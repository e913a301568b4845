package e2ee

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KDFParams are the argon2id parameters stored alongside a sealed key.
type KDFParams struct {
	MemoryKiB  uint32 `json:"memory_kib"`
	Iterations uint32 `json:"iterations"`
	Parallel   uint8  `json:"parallel"`
}

// DefaultKDFParams follows the argon2 RFC's second recommended profile.
var DefaultKDFParams = KDFParams{MemoryKiB: 64 * 1024, Iterations: 3, Parallel: 4}

const (
	saltSize = 16
	// Bounds on parameters read back from a key file.
	maxKDFMemoryKiB  = 1 << 20 // 1 GiB
	maxKDFIterations = 64
)

// valid reports whether argon2 can run with p within the memory and time
// bounds. argon2.IDKey panics on zero iterations or parallelism.
func (p KDFParams) valid() bool {
	return p.Iterations >= 1 && p.Iterations <= maxKDFIterations &&
		p.Parallel >= 1 &&
		p.MemoryKiB >= 8*uint32(p.Parallel) && p.MemoryKiB <= maxKDFMemoryKiB
}

// sealedKeyFile is the on-disk format of a passphrase-protected private key.
type sealedKeyFile struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"`
	MemoryKiB  uint32 `json:"memory_kib"`
	Iterations uint32 `json:"iterations"`
	Parallel   uint8  `json:"parallel"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	PublicKey  string `json:"public_key"`
}

// SealPrivateKey encrypts priv under a key derived from passphrase and
// returns a JSON document safe to write to disk.
func SealPrivateKey(priv PrivateKey, passphrase string, params KDFParams) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("e2ee: empty passphrase")
	}
	if !params.valid() {
		return nil, fmt.Errorf("e2ee: invalid kdf parameters %+v", params)
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("e2ee: read salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Iterations, params.MemoryKiB, params.Parallel, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("e2ee: read nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, priv[:], pub[:])

	f := sealedKeyFile{
		Version:    1,
		KDF:        "argon2id",
		Salt:       base64.RawStdEncoding.EncodeToString(salt),
		MemoryKiB:  params.MemoryKiB,
		Iterations: params.Iterations,
		Parallel:   params.Parallel,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ct),
		PublicKey:  pub.String(),
	}
	return json.MarshalIndent(f, "", "  ")
}

// OpenPrivateKey reverses SealPrivateKey. A wrong passphrase or a modified
// document yields ErrDecryption.
func OpenPrivateKey(blob []byte, passphrase string) (PrivateKey, PublicKey, error) {
	var f sealedKeyFile
	if err := json.Unmarshal(blob, &f); err != nil {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}
	if f.Version != 1 || f.KDF != "argon2id" {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}
	params := KDFParams{MemoryKiB: f.MemoryKiB, Iterations: f.Iterations, Parallel: f.Parallel}
	if !params.valid() {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}
	salt, err := base64.RawStdEncoding.DecodeString(f.Salt)
	if err != nil || len(salt) != saltSize {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}
	nonce, err := base64.RawStdEncoding.DecodeString(f.Nonce)
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}
	ct, err := base64.RawStdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}
	pub, err := ParsePublicKey(f.PublicKey)
	if err != nil {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}

	key := argon2.IDKey([]byte(passphrase), salt, params.Iterations, params.MemoryKiB, params.Parallel, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}
	raw, err := aead.Open(nil, nonce, ct, pub[:])
	if err != nil || len(raw) != KeySize {
		return PrivateKey{}, PublicKey{}, ErrDecryption
	}
	var priv PrivateKey
	copy(priv[:], raw)
	return priv, pub, nil
}
