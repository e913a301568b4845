// Package router moves ciphertext between users. It persists every message,
// pushes it to a live recipient or queues it, and runs each WebSocket
// session through authentication, offline drain and live traffic.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/PaulBabatuyi/secureChat/internal/apperr"
	"github.com/PaulBabatuyi/secureChat/internal/auth"
	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/hub"
	"github.com/PaulBabatuyi/secureChat/internal/notify"
	"github.com/PaulBabatuyi/secureChat/internal/protocol"
	"github.com/PaulBabatuyi/secureChat/internal/queue"
	"github.com/PaulBabatuyi/secureChat/internal/retry"
)

// inboundBuffer bounds frames read ahead while the session drains.
const inboundBuffer = 64

// errConnGone means the connection was closed or replaced mid-drain.
var errConnGone = errors.New("connection no longer registered")

// Conn is a client connection the router can serve.
type Conn interface {
	hub.Conn
	ReadFrame() (protocol.Frame, error)
	OnPong(func())
}

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// Config tunes message limits and store retries.
type Config struct {
	MaxCiphertext  int // bytes of encoded ciphertext per message
	MessagesPerSec int // inbound message frames per connection
	Retry          retry.Policy
}

// SendResult is the outcome of one send. Status is one of the protocol
// ack statuses.
type SendResult struct {
	MessageID string
	Status    string
	CreatedAt time.Time
}

// Router wires the hub, the offline queue and the stores together.
type Router struct {
	hub      *hub.Hub
	queue    *queue.Queue
	users    data.UserStore
	msgs     data.MessageStore
	notifier notify.Publisher
	tokens   TokenVerifier
	cfg      Config
	log      logrus.FieldLogger

	now   func() time.Time
	newID func() (uuid.UUID, error)
}

// New creates a router. notifier may be nil.
func New(h *hub.Hub, q *queue.Queue, users data.UserStore, msgs data.MessageStore,
	notifier notify.Publisher, tokens TokenVerifier, cfg Config, log logrus.FieldLogger) *Router {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if cfg.MaxCiphertext <= 0 {
		cfg.MaxCiphertext = 64 * 1024
	}
	if cfg.MessagesPerSec <= 0 {
		cfg.MessagesPerSec = 20
	}
	return &Router{
		hub:      h,
		queue:    q,
		users:    users,
		msgs:     msgs,
		notifier: notifier,
		tokens:   tokens,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewV7,
	}
}

func (r *Router) validate(ciphertext string) error {
	if ciphertext == "" {
		return apperr.ErrEmptyMessage
	}
	if len(ciphertext) > r.cfg.MaxCiphertext {
		return apperr.ErrMessageTooLarge
	}
	return nil
}

// SendMessage persists ciphertext from senderID to receiverID and delivers
// it. The result is delivered when the recipient's live connection took the
// frame, queued when it was stored for later, and failed otherwise.
func (r *Router) SendMessage(ctx context.Context, senderID, receiverID int64, ciphertext string) (SendResult, error) {
	failed := SendResult{Status: protocol.StatusFailed}
	if err := r.validate(ciphertext); err != nil {
		return failed, err
	}

	var exists bool
	err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		var err error
		exists, err = r.users.UserExists(ctx, receiverID)
		return err
	})
	if err != nil {
		return failed, apperr.Wrap(apperr.ErrStoreUnavailable, err)
	}
	if !exists {
		return failed, apperr.ErrUnknownRecipient
	}

	m, res, err := r.deliver(ctx, senderID, receiverID, ciphertext)
	if err != nil {
		return res, err
	}
	log := r.log.WithFields(logrus.Fields{"message_id": m.ID, "sender_id": senderID, "receiver_id": receiverID})
	if res.Status == protocol.StatusQueued {
		ev := notify.Event{MessageID: m.ID, SenderID: senderID, ReceiverID: receiverID, QueuedAt: m.CreatedAt}
		if err := r.notifier.PublishQueued(ctx, ev); err != nil {
			log.WithError(err).Warn("queued notification not published")
		}
	}
	log.WithField("status", res.Status).Debug("message routed")
	return res, nil
}

// deliver runs under the receiver's lock so a concurrent connect either
// sees the message in the queue or receives it live. Once an id is assigned
// a failed result carries it, so the client can match a later delivery.
func (r *Router) deliver(ctx context.Context, senderID, receiverID int64, ciphertext string) (*data.Message, SendResult, error) {
	unlock := r.hub.LockUser(receiverID)
	defer unlock()

	id, err := r.newID()
	if err != nil {
		return nil, SendResult{Status: protocol.StatusFailed}, err
	}
	m := &data.Message{
		ID:         id.String(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Ciphertext: ciphertext,
		CreatedAt:  r.now().UTC().Truncate(time.Millisecond),
	}
	log := r.log.WithFields(logrus.Fields{"message_id": m.ID, "receiver_id": receiverID})

	failed := SendResult{MessageID: m.ID, Status: protocol.StatusFailed, CreatedAt: m.CreatedAt}

	// The id is fresh, so a duplicate on a retry means an earlier attempt
	// was written before its error came back.
	attempts := 0
	err = retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) error {
		attempts++
		err := r.msgs.SaveMessage(ctx, m)
		if attempts > 1 && errors.Is(err, data.ErrDuplicate) {
			return nil
		}
		return err
	})
	if err != nil {
		log.WithError(err).Error("message not persisted")
		return nil, failed, apperr.Wrap(apperr.ErrStoreUnavailable, err)
	}

	if r.hub.Push(receiverID, protocol.Deliver(m.ID, senderID, ciphertext, m.CreatedAt)) {
		if err := r.queue.Ack(ctx, m.ID); err != nil {
			// Delivered but still flagged undelivered; startup recovery
			// will queue it again.
			log.WithError(err).Warn("delivered message not marked delivered")
		}
		return m, SendResult{MessageID: m.ID, Status: protocol.StatusDelivered, CreatedAt: m.CreatedAt}, nil
	}

	if err := r.queue.Enqueue(ctx, m); err != nil {
		// The row stays undelivered and startup recovery queues it; the
		// failed ack names the id so a resend can be deduplicated.
		log.WithError(err).Error("message persisted but not queued")
		return nil, failed, err
	}
	return m, SendResult{MessageID: m.ID, Status: protocol.StatusQueued, CreatedAt: m.CreatedAt}, nil
}

// Authenticate starts a session for a bearer token. A bad token closes the
// session and returns an error matching apperr.ErrAuth.
func (r *Router) Authenticate(token string) (*Session, error) {
	s := newSession()
	claims, err := r.tokens.VerifyToken(token)
	if err != nil {
		_ = s.transition(StateClosed)
		return s, apperr.Wrap(apperr.ErrAuth, err)
	}
	s.userID = claims.UserID
	if err := s.transition(StateAuthenticated); err != nil {
		return s, err
	}
	return s, nil
}

type inbound struct {
	frame protocol.Frame
	err   error
}

// Serve runs an authenticated session on conn until the connection ends.
// Queued messages are delivered before the session goes live; inbound
// frames are buffered meanwhile. It returns the error that ended the drain,
// or nil for an ordinary close.
func (r *Router) Serve(ctx context.Context, s *Session, conn Conn) error {
	if s.State() != StateAuthenticated {
		return ErrInvalidTransition
	}
	userID := s.UserID()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unlock := r.hub.LockUser(userID)
	id := r.hub.Register(userID, conn)
	unlock()
	s.mu.Lock()
	s.connID = id
	s.mu.Unlock()
	_ = s.transition(StateDraining)

	log := r.log.WithFields(logrus.Fields{"user_id": userID, "conn_id": id})
	log.Info("session started")

	reason := protocol.CloseNormal
	defer func() {
		r.hub.Close(id, reason)
		_ = conn.Close(reason)
		_ = s.transition(StateClosed)
		log.WithField("reason", reason).Info("session closed")
	}()

	conn.OnPong(func() { r.hub.Touch(id) })
	frames := make(chan inbound, inboundBuffer)
	go r.readLoop(ctx, id, conn, frames)

	if err := r.drain(ctx, userID, id); err != nil {
		if errors.Is(err, errConnGone) {
			return nil
		}
		log.WithError(err).Error("offline drain failed")
		if apperr.CodeOf(err) == apperr.CodeUnavailable {
			reason = protocol.CloseStoreUnavailable
		}
		return err
	}
	_ = s.transition(StateLive)
	log.Debug("session live")

	limiter := rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSec), r.cfg.MessagesPerSec)
	for {
		select {
		case <-ctx.Done():
			reason = protocol.CloseServerShutdown
			return nil
		case in, ok := <-frames:
			if !ok {
				return nil
			}
			r.handle(ctx, userID, id, in, limiter)
		}
	}
}

// readLoop forwards frames until the connection fails. Every frame counts
// as a heartbeat.
func (r *Router) readLoop(ctx context.Context, id hub.ConnectionID, conn Conn, out chan<- inbound) {
	defer close(out)
	for {
		f, err := conn.ReadFrame()
		if err != nil && !errors.Is(err, protocol.ErrInvalidFrame) {
			return
		}
		r.hub.Touch(id)
		select {
		case out <- inbound{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// drain pushes queued messages to the connection until the queue is empty,
// then marks the connection live under the user's lock.
func (r *Router) drain(ctx context.Context, userID int64, id hub.ConnectionID) error {
	for {
		delivered := 0
		for m, err := range r.queue.Drain(ctx, userID) {
			if err != nil {
				return err
			}
			if !r.hub.PushTo(id, protocol.Deliver(m.ID, m.SenderID, m.Ciphertext, m.CreatedAt)) {
				return errConnGone
			}
			if err := r.queue.Ack(ctx, m.ID); err != nil {
				return err
			}
			delivered++
		}
		if delivered > 0 {
			r.log.WithFields(logrus.Fields{"user_id": userID, "conn_id": id, "messages": delivered}).Info("offline messages delivered")
		}

		unlock := r.hub.LockUser(userID)
		empty, err := r.queue.IsEmpty(ctx, userID)
		if err == nil && empty && !r.hub.MarkLive(id) {
			err = errConnGone
		}
		unlock()
		if err != nil {
			return err
		}
		if empty {
			return nil
		}
	}
}

func (r *Router) handle(ctx context.Context, userID int64, id hub.ConnectionID, in inbound, limiter *rate.Limiter) {
	if in.err != nil {
		r.hub.PushTo(id, protocol.Ack("", "", protocol.StatusFailed, apperr.Reason(apperr.ErrInvalidArgument)))
		return
	}
	f := in.frame
	switch f.Type {
	case protocol.TypePing:
		r.hub.PushTo(id, protocol.Pong())
	case protocol.TypePong:
	case protocol.TypeMessage:
		if !limiter.Allow() {
			r.hub.PushTo(id, protocol.Ack(f.Ref, "", protocol.StatusFailed, apperr.Reason(apperr.ErrRateLimited)))
			return
		}
		// A send that started completes even if the sender disconnects.
		res, err := r.SendMessage(context.WithoutCancel(ctx), userID, f.ReceiverID, f.Content)
		r.hub.PushTo(id, protocol.Ack(f.Ref, res.MessageID, res.Status, apperr.Reason(err)))
	default:
		r.hub.PushTo(id, protocol.Ack(f.Ref, "", protocol.StatusFailed, apperr.Reason(apperr.ErrInvalidArgument)))
	}
}
