package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/PaulBabatuyi/secureChat/pkg/e2ee"
)

const (
	keyFileName     = "identity.key"
	sessionFileName = "session.json"
)

// session is the login state kept between invocations.
type session struct {
	Server   string `json:"server"`
	Token    string `json:"token"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// store keeps the sealed private key and session under one directory.
type store struct {
	dir string
}

func (s store) path(name string) string { return filepath.Join(s.dir, name) }

func (s store) writeFile(name string, b []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path(name), b, 0o600)
}

// saveKey seals priv with passphrase. An existing key is never overwritten.
func (s store) saveKey(priv e2ee.PrivateKey, passphrase string, params e2ee.KDFParams) error {
	if _, err := os.Stat(s.path(keyFileName)); err == nil {
		return fmt.Errorf("%s already exists", s.path(keyFileName))
	}
	blob, err := e2ee.SealPrivateKey(priv, passphrase, params)
	if err != nil {
		return err
	}
	return s.writeFile(keyFileName, blob)
}

func (s store) loadKey(passphrase string) (e2ee.PrivateKey, e2ee.PublicKey, error) {
	blob, err := os.ReadFile(s.path(keyFileName))
	if errors.Is(err, os.ErrNotExist) {
		return e2ee.PrivateKey{}, e2ee.PublicKey{}, fmt.Errorf("no key found in %s; run keygen first", s.dir)
	}
	if err != nil {
		return e2ee.PrivateKey{}, e2ee.PublicKey{}, err
	}
	return e2ee.OpenPrivateKey(blob, passphrase)
}

func (s store) saveSession(sess session) error {
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return s.writeFile(sessionFileName, b)
}

func (s store) loadSession() (session, error) {
	var sess session
	b, err := os.ReadFile(s.path(sessionFileName))
	if errors.Is(err, os.ErrNotExist) {
		return sess, errors.New("not logged in; run login or register first")
	}
	if err != nil {
		return sess, err
	}
	err = json.Unmarshal(b, &sess)
	return sess, err
}
