package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// routePath prefers the registered route so ids in the path do not explode
// label cardinality.
func routePath(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}

// RequestLogger logs one line per HTTP request. Websocket upgrades are
// logged when the session ends, with the upgrade as its start.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		upgrade := c.IsWebsocket()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case upgrade:
			event = logger.Debug().Str("subprotocol", c.Writer.Header().Get("Sec-Websocket-Protocol"))
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}

		msg := "http_request"
		if upgrade {
			msg = "ws_session"
		}
		event.
			Str("method", c.Request.Method).
			Str("path", routePath(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg(msg)
	}
}

// RequestMetricsMiddleware records plain requests against server. Upgraded
// websocket sessions are counted by the server itself, since their duration
// is the session lifetime.
func RequestMetricsMiddleware(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.IsWebsocket() {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		RecordHTTPRequest(server, c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}
