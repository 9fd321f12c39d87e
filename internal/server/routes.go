package server

import (
	"net/http"
	"time"

	"github.com/danmuck/wsmux/internal/observability"
	"github.com/danmuck/wsmux/internal/protocol"
	"github.com/danmuck/wsmux/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Router serves the websocket endpoint plus health and metrics.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Sec-WebSocket-Protocol"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET(s.cfg.Path, s.serveWebSocket)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"server":  s.cfg.Name,
			"clients": len(s.Clients()),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/clients", func(c *gin.Context) {
		clients := s.Clients()
		out := make([]gin.H, 0, len(clients))
		for _, cl := range clients {
			out = append(out, gin.H{
				"id":        cl.ID(),
				"remote":    cl.Remote(),
				"codec":     cl.Codec().Name(),
				"topics":    cl.Topics(),
				"connected": cl.ConnectedAt().UTC().Format(time.RFC3339),
			})
		}
		c.JSON(http.StatusOK, gin.H{"clients": out})
	})

	r.GET("/methods", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"methods": s.Methods()})
	})
	return r
}

func (s *Server) serveWebSocket(c *gin.Context) {
	ws, err := transport.Upgrade(c.Writer, c.Request, transport.OptionsFromConfig(s.cfg.Session, false))
	if err != nil {
		return
	}
	codec := protocol.JSON()
	if ws.Subprotocol() == transport.SubprotocolBinary {
		codec = protocol.Binary()
	}
	_ = s.ServeTransport(c.Request.Context(), ws, codec, c.ClientIP())
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
