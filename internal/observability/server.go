package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/migratectl/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusFunc returns the JSON-serializable state served on /status.
type StatusFunc func(ctx context.Context) (any, error)

type StatusServerConfig struct {
	Addr        string
	Name        string
	CORSOrigins []string
	// Token, when set, guards /status and /metrics with a bearer token.
	Token string
}

// StatusServer exposes run health, state, and metrics while a run is active.
type StatusServer struct {
	cfg      StatusServerConfig
	router   *gin.Engine
	server   *http.Server
	started  time.Time
	listener net.Listener
}

func NewStatusServer(cfg StatusServerConfig, metrics *RunMetrics, status StatusFunc) *StatusServer {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log.Logger))
	r.Use(RequestMetricsMiddleware(metrics))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &StatusServer{cfg: cfg, router: r, started: time.Now()}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": cfg.Name,
		})
	})
	guarded := r.Group("/")
	if cfg.Token != "" {
		guarded.Use(RequireToken(auth.StaticToken{Token: cfg.Token}))
	}
	guarded.GET("/status", func(c *gin.Context) {
		if status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "status unavailable"})
			return
		}
		body, err := status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, body)
	})
	guarded.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	return s
}

func (s *StatusServer) Router() *gin.Engine {
	return s.router
}

// Start binds the address and serves in the background.
func (s *StatusServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("observability: status server listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Msgf("observability.StatusServer.Start serve err=%v", err)
		}
	}()
	log.Info().Msgf("observability.StatusServer.Start listening addr=%q", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *StatusServer) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
