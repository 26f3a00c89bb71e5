package server

import (
	"net"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/labstack/echo/v4"
)

const requestIDHeader = "X-Request-Id"

// RequestIDMiddleware stamps every request with a correlation id, echoed
// back in the response and threaded into per-request log lines.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(requestIDHeader)
			if id == "" {
				u, err := uuid.NewV4()
				if err == nil {
					id = u.String()
				}
			}
			c.Set("request_id", id)
			c.Response().Header().Set(requestIDHeader, id)
			return next(c)
		}
	}
}

// clientIP resolves the request's originating address for throttling
// purposes, preferring X-Forwarded-For's first hop when present.
func clientIP(c echo.Context) net.IP {
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		host = c.Request().RemoteAddr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return net.IPv4zero
}

func errorMessage(c echo.Context, status int, msg string) error {
	return c.String(status, msg)
}
