package main

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/PaulBabatuyi/secureChat/internal/transport/ws"
)

// frameOverhead leaves room for the JSON envelope around the ciphertext.
const frameOverhead = 4096

// serveWS authenticates before upgrading, so a bad token gets a plain 401
// instead of a WebSocket that closes immediately.
func (s *Server) serveWS(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		token = bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	}
	sess, err := s.router.Authenticate(token)
	if err != nil {
		s.log.WithError(err).WithField("remote", c.RealIP()).Info("websocket auth rejected")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
	}

	raw, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		s.log.WithError(err).WithField("user_id", sess.UserID()).Warn("websocket upgrade failed")
		return nil
	}
	conn := ws.New(raw, s.cfg.WriteTimeout, int64(s.cfg.MaxCiphertext)+frameOverhead)
	if err := s.router.Serve(c.Request().Context(), sess, conn); err != nil {
		s.log.WithError(err).WithField("user_id", sess.UserID()).Warn("session ended with error")
	}
	return nil
}
