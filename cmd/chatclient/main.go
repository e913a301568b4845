// Command chatclient is a terminal client for the chat server. Messages are
// encrypted to the recipient's public key before they leave the machine and
// decrypted only here.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/PaulBabatuyi/secureChat/internal/protocol"
	"github.com/PaulBabatuyi/secureChat/internal/transport/ws"
	"github.com/PaulBabatuyi/secureChat/pkg/e2ee"
)

const usage = `usage: chatclient <command> [flags]

commands:
  keygen      create and seal a new identity key
  register    create an account and log in
  login       log in to an existing account
  upload-key  publish the identity public key
  send        encrypt and send a message
  listen      receive and decrypt messages

run "chatclient <command> --help" for command flags.
`

type options struct {
	home       string
	server     string
	passphrase string
	verbose    bool
}

func defaultHome() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".securechat")
	}
	return ".securechat"
}

func commonFlags(name string, o *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&o.home, "home", defaultHome(), "directory holding the sealed key and session")
	fs.StringVar(&o.server, "server", "http://localhost:8080", "chat server base URL")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log debug output")
	return fs
}

func passphraseFlag(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.passphrase, "passphrase", "p", os.Getenv("SECURECHAT_PASSPHRASE"),
		"passphrase sealing the private key (default $SECURECHAT_PASSPHRASE)")
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runCommand(ctx, os.Args[1], os.Args[2:], os.Stdout, log); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		log.WithError(err).Error(os.Args[1] + " failed")
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, cmd string, args []string, out io.Writer, log *logrus.Logger) error {
	var o options
	fs := commonFlags(cmd, &o)
	switch cmd {
	case "keygen":
		passphraseFlag(fs, &o)
		if err := fs.Parse(args); err != nil {
			return err
		}
		return keygen(store{dir: o.home}, o.passphrase, e2ee.DefaultKDFParams, out)

	case "register", "login":
		var username, password string
		fs.StringVarP(&username, "username", "u", "", "account username")
		fs.StringVar(&password, "password", os.Getenv("SECURECHAT_PASSWORD"), "account password (default $SECURECHAT_PASSWORD)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return authenticate(ctx, store{dir: o.home}, o.server, cmd == "register", username, password, out)

	case "upload-key":
		passphraseFlag(fs, &o)
		if err := fs.Parse(args); err != nil {
			return err
		}
		st := store{dir: o.home}
		sess, err := st.loadSession()
		if err != nil {
			return err
		}
		_, pub, err := st.loadKey(o.passphrase)
		if err != nil {
			return err
		}
		if err := newAPIClient(sess.Server, sess.Token).uploadKey(ctx, pub); err != nil {
			return err
		}
		fmt.Fprintf(out, "public key %s published for %s\n", pub, sess.Username)
		return nil

	case "send":
		var to int64
		var message string
		fs.Int64Var(&to, "to", 0, "recipient user id")
		fs.StringVarP(&message, "message", "m", "", "message text (default: remaining arguments)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if message == "" {
			message = strings.Join(fs.Args(), " ")
		}
		if to <= 0 || message == "" {
			return errors.New("send needs --to and a message")
		}
		sess, err := store{dir: o.home}.loadSession()
		if err != nil {
			return err
		}
		res, err := newAPIClient(sess.Server, sess.Token).send(ctx, to, message)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n", res.MessageID, res.Status)
		return nil

	case "listen":
		passphraseFlag(fs, &o)
		if err := fs.Parse(args); err != nil {
			return err
		}
		if o.verbose {
			log.SetLevel(logrus.DebugLevel)
		}
		st := store{dir: o.home}
		sess, err := st.loadSession()
		if err != nil {
			return err
		}
		priv, _, err := st.loadKey(o.passphrase)
		if err != nil {
			return err
		}
		conn, err := newAPIClient(sess.Server, sess.Token).dial(ctx)
		if err != nil {
			return err
		}
		log.WithField("user", sess.Username).Debug("connected")
		return listen(ctx, conn, priv, out, log)

	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func keygen(st store, passphrase string, params e2ee.KDFParams, out io.Writer) error {
	if passphrase == "" {
		return errors.New("a passphrase is required to seal the private key")
	}
	pub, priv, err := e2ee.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := st.saveKey(priv, passphrase, params); err != nil {
		return err
	}
	fmt.Fprintf(out, "identity key written to %s\npublic key: %s\n", st.path(keyFileName), pub)
	return nil
}

func authenticate(ctx context.Context, st store, server string, create bool, username, password string, out io.Writer) error {
	if username == "" || password == "" {
		return errors.New("--username and --password are required")
	}
	c := newAPIClient(server, "")
	var res authResult
	var err error
	if create {
		res, err = c.register(ctx, username, password)
	} else {
		res, err = c.login(ctx, username, password)
	}
	if err != nil {
		return err
	}
	if err := st.saveSession(session{Server: server, Token: res.Token, UserID: res.UserID, Username: res.Username}); err != nil {
		return err
	}
	fmt.Fprintf(out, "logged in as %s (id %d), token expires %s\n", res.Username, res.UserID, res.ExpiresAt.Format(time.RFC3339))
	return nil
}

// frameReader is the receiving half of a client connection.
type frameReader interface {
	ReadFrame() (protocol.Frame, error)
	Close(protocol.CloseReason) error
}

// listen prints decrypted messages until ctx ends or the server closes the
// connection.
func listen(ctx context.Context, conn frameReader, priv e2ee.PrivateKey, out io.Writer, log logrus.FieldLogger) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close(protocol.CloseNormal)
	}()
	for {
		f, err := conn.ReadFrame()
		if errors.Is(err, protocol.ErrInvalidFrame) {
			log.WithError(err).Warn("skipping malformed frame")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if code := ws.CloseCode(err); code > 0 {
				return fmt.Errorf("server closed the connection (code %d)", code)
			}
			return err
		}
		switch f.Type {
		case protocol.TypeMessage:
			fmt.Fprintln(out, renderMessage(f, priv))
		case protocol.TypeAck:
			log.WithFields(logrus.Fields{"ref": f.Ref, "status": f.Status, "error": f.Error}).Debug("ack")
		case protocol.TypeError:
			log.WithField("error", f.Error).Warn("server error")
		}
	}
}

func renderMessage(f protocol.Frame, priv e2ee.PrivateKey) string {
	at := ""
	if f.Timestamp != nil {
		at = f.Timestamp.Local().Format("15:04:05")
	}
	ct, err := e2ee.DecodeCiphertext(f.Content)
	if err == nil {
		var plain []byte
		if plain, err = e2ee.Decrypt(priv, ct); err == nil {
			return fmt.Sprintf("[%s] user %d: %s", at, f.SenderID, plain)
		}
	}
	return fmt.Sprintf("[%s] user %d: <undecryptable message %s: %v>", at, f.SenderID, f.MessageID, err)
}
