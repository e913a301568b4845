package e2ee

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKDF = KDFParams{MemoryKiB: 1024, Iterations: 1, Parallel: 1}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	for _, msg := range [][]byte{[]byte("hi"), {}, bytes.Repeat([]byte("x"), 64*1024)} {
		ct, err := Encrypt(pub, msg)
		require.NoError(t, err)
		assert.Len(t, ct, len(msg)+Overhead)

		got, err := Decrypt(priv, ct)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(msg, got))
	}
}

func TestEncryptIsRandomized(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	a, err := Encrypt(pub, []byte("same"))
	require.NoError(t, err)
	b, err := Encrypt(pub, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	_, other, err := GenerateKeyPair()
	require.NoError(t, err)

	ct, err := Encrypt(pub, []byte("secret"))
	require.NoError(t, err)

	got, err := Decrypt(other, ct)
	assert.ErrorIs(t, err, ErrDecryption)
	assert.Nil(t, got)
}

func TestDecryptRejectsTampering(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	ct, err := Encrypt(pub, []byte("hello bob"))
	require.NoError(t, err)

	// Flip one bit in every position: header, nonce and body must all be
	// authenticated.
	for i := range ct {
		mod := bytes.Clone(ct)
		mod[i] ^= 0x01
		got, err := Decrypt(priv, mod)
		require.ErrorIs(t, err, ErrDecryption, "byte %d", i)
		require.Nil(t, got)
	}
}

func TestDecryptRejectsMalformed(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	ct, err := Encrypt(pub, []byte("x"))
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     nil,
		"short":     ct[:Overhead-1],
		"truncated": ct[:len(ct)-1],
		"version":   append([]byte{Version + 1}, ct[1:]...),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decrypt(priv, in)
			assert.ErrorIs(t, err, ErrDecryption)
		})
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	require.NoError(t, err)

	got, err := ParsePublicKey(pub.String())
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	_, err = ParsePublicKey("not base64!")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = PublicKeyFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = PublicKeyFromBytes(make([]byte, KeySize))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCiphertextEncoding(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	ct, err := Encrypt(pub, []byte("wire"))
	require.NoError(t, err)

	decoded, err := DecodeCiphertext(EncodeCiphertext(ct))
	require.NoError(t, err)
	plain, err := Decrypt(priv, decoded)
	require.NoError(t, err)
	assert.Equal(t, "wire", string(plain))

	_, err = DecodeCiphertext("%%%")
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestSealAndOpenPrivateKey(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	blob, err := SealPrivateKey(priv, "correct horse", testKDF)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), string(priv[:]))

	gotPriv, gotPub, err := OpenPrivateKey(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, priv, gotPriv)
	assert.Equal(t, pub, gotPub)

	_, _, err = OpenPrivateKey(blob, "wrong")
	assert.ErrorIs(t, err, ErrDecryption)

	_, _, err = OpenPrivateKey([]byte("{}"), "correct horse")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = SealPrivateKey(priv, "", testKDF)
	assert.Error(t, err)
	_, err = SealPrivateKey(priv, "correct horse", KDFParams{MemoryKiB: 1024, Iterations: 0, Parallel: 1})
	assert.Error(t, err)
}

func TestOpenPrivateKeyRejectsBadKDFParams(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	blob, err := SealPrivateKey(priv, "correct horse", testKDF)
	require.NoError(t, err)

	cases := map[string]any{
		"parallel":   0,
		"iterations": 0,
		"memory_kib": uint32(1) << 31,
		"salt":       "c2hvcnQ",
	}
	for field, value := range cases {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(blob, &doc))
		doc[field] = value
		tampered, err := json.Marshal(doc)
		require.NoError(t, err)

		assert.NotPanics(t, func() {
			_, _, err = OpenPrivateKey(tampered, "correct horse")
		}, field)
		assert.ErrorIs(t, err, ErrDecryption, field)
	}

	var doc map[string]any
	require.NoError(t, json.Unmarshal(blob, &doc))
	doc["memory_kib"] = 4
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)
	_, _, err = OpenPrivateKey(tampered, "correct horse")
	assert.ErrorIs(t, err, ErrDecryption, "memory below 8 KiB per lane")
}
