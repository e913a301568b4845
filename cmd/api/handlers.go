package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/PaulBabatuyi/secureChat/internal/apperr"
	"github.com/PaulBabatuyi/secureChat/internal/auth"
	"github.com/PaulBabatuyi/secureChat/internal/data"
	"github.com/PaulBabatuyi/secureChat/internal/normalize"
	"github.com/PaulBabatuyi/secureChat/internal/protocol"
	"github.com/PaulBabatuyi/secureChat/pkg/e2ee"
)

const (
	minPasswordLen      = 8
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	requestTimeout      = 5 * time.Second
)

type credentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResp struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type uploadKeyReq struct {
	PublicKey string `json:"public_key"`
}

type keyResp struct {
	UserID    int64     `json:"user_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

type userResp struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type sendReq struct {
	ReceiverID int64  `json:"receiver_id"`
	Content    string `json:"content"`
}

type sendResp struct {
	MessageID string     `json:"message_id,omitempty"`
	Status    string     `json:"status"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// writeError maps err onto the HTTP status of its apperr code.
func (s *Server) writeError(c echo.Context, err error) error {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	msg := err.Error()
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	return c.JSON(code, echo.Map{"error": msg})
}

func (s *Server) issueToken(c echo.Context, status int, u *data.User) error {
	token, expiresAt, err := s.auth.GenerateToken(u.ID, u.Username)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(status, authResp{Token: token, UserID: u.ID, Username: u.Username, ExpiresAt: expiresAt})
}

// register creates a user and returns a token for it.
func (s *Server) register(c echo.Context) error {
	var req credentialsReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	username := normalize.Username(req.Username)
	if !normalize.ValidUsername(username) {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "username must be 3-32 characters of a-z, 0-9, '_', '-' or '.'"})
	}
	if len(req.Password) < minPasswordLen {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "password must be at least 8 characters"})
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return s.writeError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	u, err := s.stores.Users.CreateUser(ctx, username, hashed)
	if errors.Is(err, data.ErrDuplicate) {
		return s.writeError(c, apperr.ErrUsernameTaken)
	}
	if err != nil {
		return s.writeError(c, apperr.Wrap(apperr.ErrStoreUnavailable, err))
	}
	s.log.WithFields(logrus.Fields{"user_id": u.ID, "username": u.Username}).Info("user registered")
	return s.issueToken(c, http.StatusCreated, u)
}

// login checks credentials. Unknown users and wrong passwords look the same.
func (s *Server) login(c echo.Context) error {
	var req credentialsReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()
	u, err := s.stores.Users.GetUserByUsername(ctx, normalize.Username(req.Username))
	if err != nil && !errors.Is(err, data.ErrNotFound) {
		return s.writeError(c, apperr.Wrap(apperr.ErrStoreUnavailable, err))
	}
	if err != nil || auth.CheckPassword(u.PasswordHash, req.Password) != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid credentials"})
	}
	return s.issueToken(c, http.StatusOK, u)
}

// uploadKey replaces the caller's public key.
func (s *Server) uploadKey(c echo.Context) error {
	claims := claimsFrom(c)
	var req uploadKeyReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	pub, err := e2ee.ParsePublicKey(req.PublicKey)
	if err != nil {
		return s.writeError(c, apperr.Wrap(apperr.ErrInvalidKey, err))
	}
	if err := s.keys.UploadPublicKey(c.Request().Context(), claims.UserID, pub); err != nil {
		return s.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// getKey returns another user's public key.
func (s *Server) getKey(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user_id"})
	}
	rec, err := s.keys.GetPublicKey(c.Request().Context(), userID)
	if err != nil {
		return s.writeError(c, err)
	}
	pub, err := e2ee.PublicKeyFromBytes(rec.PublicKey)
	if err != nil {
		return s.writeError(c, apperr.Wrap(apperr.ErrInvalidKey, err))
	}
	return c.JSON(http.StatusOK, keyResp{UserID: rec.UserID, PublicKey: pub.String(), CreatedAt: rec.CreatedAt})
}

func (s *Server) listUsers(c echo.Context) error {
	users, err := s.stores.Users.ListUsers(c.Request().Context())
	if err != nil {
		return s.writeError(c, apperr.Wrap(apperr.ErrStoreUnavailable, err))
	}
	out := make([]userResp, 0, len(users))
	for _, u := range users {
		out = append(out, userResp{ID: u.ID, Username: u.Username})
	}
	return c.JSON(http.StatusOK, echo.Map{"users": out})
}

func (s *Server) listOnline(c echo.Context) error {
	online := s.presence.ListOnline()
	if online == nil {
		online = []int64{}
	}
	return c.JSON(http.StatusOK, echo.Map{"online_users": online})
}

// sendMessage takes the same path as a WebSocket message frame.
func (s *Server) sendMessage(c echo.Context) error {
	claims := claimsFrom(c)
	var req sendReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	res, err := s.router.SendMessage(c.Request().Context(), claims.UserID, req.ReceiverID, req.Content)
	if err != nil {
		return c.JSON(apperr.HTTPStatus(err), sendResp{MessageID: res.MessageID, Status: protocol.StatusFailed, Error: apperr.Reason(err)})
	}
	return c.JSON(http.StatusOK, sendResp{MessageID: res.MessageID, Status: res.Status, Timestamp: &res.CreatedAt})
}

// history returns the ciphertexts exchanged with another user, oldest first.
func (s *Server) history(c echo.Context) error {
	claims := claimsFrom(c)
	peer, err := strconv.ParseInt(c.QueryParam("with"), 10, 64)
	if err != nil || peer <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid with"})
	}
	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid limit"})
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := s.stores.Messages.GetMessageHistory(c.Request().Context(), claims.UserID, peer, int64(limit))
	if err != nil {
		return s.writeError(c, apperr.Wrap(apperr.ErrStoreUnavailable, err))
	}
	if msgs == nil {
		msgs = []*data.Message{}
	}
	return c.JSON(http.StatusOK, echo.Map{"messages": msgs})
}

// health reports 503 while the store is unreachable.
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.stores.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("health check failed")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "connections": s.hub.Len()})
}
