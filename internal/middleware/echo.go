package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RateLimit rejects requests over the limit with 429. Keys combine the
// client IP with the route so login and register are budgeted separately.
func RateLimit(l Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if ip == "" {
				ip = "unknown"
			}
			key := "http:" + c.Request().Method + " " + c.Path() + ":" + ip
			if !l.Allow(c.Request().Context(), key) {
				return c.JSON(http.StatusTooManyRequests, map[string]string{
					"error": "rate_limited",
				})
			}
			return next(c)
		}
	}
}
