package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// OpsServer exposes /health and /metrics while a session runs.
type OpsServer struct {
	router    *gin.Engine
	srv       *http.Server
	log       zerolog.Logger
	startedAt time.Time
	status    atomic.Value
}

// NewOpsServer builds the router. corsOrigins may be empty; "*" allows any origin.
func NewOpsServer(addr string, gatherer prometheus.Gatherer, logger zerolog.Logger, corsOrigins []string) *OpsServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s := &OpsServer{
		router:    r,
		log:       logger,
		startedAt: time.Now(),
	}
	s.status.Store("starting")
	r.Use(s.logRequests)
	if origins := normalizeOrigins(corsOrigins); len(origins) > 0 {
		cc := cors.Config{
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin"},
			MaxAge:       12 * time.Hour,
		}
		if slices.Contains(origins, "*") {
			cc.AllowAllOrigins = true
		} else {
			cc.AllowOrigins = origins
		}
		r.Use(cors.New(cc))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  s.Status(),
			"uptime":  time.Since(s.startedAt).String(),
			"service": "abxclient",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// SetStatus changes the status reported by /health.
func (s *OpsServer) SetStatus(status string) {
	s.status.Store(status)
}

// Status returns the value /health reports.
func (s *OpsServer) Status() string {
	v, _ := s.status.Load().(string)
	return v
}

func (s *OpsServer) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *OpsServer) Start() (string, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("ops server stopped")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("ops server listening")
	return ln.Addr().String(), nil
}

func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// logRequests logs each request with the session phase current when it finished.
func (s *OpsServer) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	event := s.log.Debug()
	switch {
	case status >= 500:
		event = s.log.Error()
	case status >= 400:
		event = s.log.Warn()
	}
	event.
		Str("method", c.Request.Method).
		Str("route", route).
		Int("status", status).
		Str("session_phase", s.Status()).
		Dur("duration", time.Since(start)).
		Str("client_ip", c.ClientIP()).
		Msg("ops request")
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" && !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}
