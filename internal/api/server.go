// Package api provides the introspection surface (spec.md §4.7): the gin
// HTTP server exposing health/stats/performance/queue/metrics endpoints and
// a gorilla/websocket live-push feed, plus the POST / route that mounts the
// forward handler. Grounded on Bitcoin Sprint's examples/securechannel/main.go
// gin+CORS wiring, generalized from one-off example code into a reusable
// Server type.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/x1cluster/x1-rpc-proxy/internal/nodecache"
)

// Cache is the subset of *nodecache.Cache the introspection handlers read.
type Cache interface {
	Stats() (total, active int)
	Performance() (total, active int, minRT, maxRT time.Duration, ok bool)
	SnapshotActive() []nodecache.Node
}

// Admission is the subset of *queue.Admission the /queue handler reads.
type Admission interface {
	Capacity() int
	InFlight() int
	Available() int
}

// Server bundles the gin engine and the dependencies its handlers read.
//
// When adminPort is 0, every route (forward + introspection) is served off
// router on the main listen port. When adminPort is non-zero, router only
// carries POST / and the introspection routes move to adminRouter, served
// on its own port by RunAdmin — mirroring the teacher's AdminPort field,
// which this wires for real instead of leaving it inert.
type Server struct {
	router      *gin.Engine
	adminRouter *gin.Engine
	adminPort   int
	cache       Cache
	admission   Admission
	forward     http.Handler
	logger      *zap.Logger
	corsOrigins []string
	startTime   time.Time

	hub *nodeHub
}

// New builds a Server. forward is mounted at POST /. If adminPort is
// non-zero, introspection endpoints are split onto a second gin.Engine
// served by RunAdmin on that port instead of sharing the main listener.
func New(cache Cache, admission Admission, forward http.Handler, logger *zap.Logger, corsOrigins []string, enableCORS bool, adminPort int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginZapRecovery(logger))

	s := &Server{
		router:      router,
		adminPort:   adminPort,
		cache:       cache,
		admission:   admission,
		forward:     forward,
		logger:      logger,
		corsOrigins: corsOrigins,
		startTime:   time.Now(),
		hub:         newNodeHub(logger),
	}

	if enableCORS {
		router.Use(s.corsMiddleware())
	}

	if adminPort != 0 {
		adminRouter := gin.New()
		adminRouter.Use(ginZapRecovery(logger))
		if enableCORS {
			adminRouter.Use(s.corsMiddleware())
		}
		s.adminRouter = adminRouter
	}

	s.registerRoutes()
	return s
}

// corsMiddleware mirrors examples/securechannel/main.go's inline CORS
// handler, generalized to the configured origin list instead of a hardcoded
// "*".
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := s.allowedOrigin(c.Request.Header.Get("Origin"))
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "*")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) allowedOrigin(requestOrigin string) string {
	for _, o := range s.corsOrigins {
		if o == "*" {
			return "*"
		}
		if o == requestOrigin {
			return requestOrigin
		}
	}
	if len(s.corsOrigins) == 0 {
		return "*"
	}
	return s.corsOrigins[0]
}

// ginZapRecovery adapts zap logging into gin's recovery pattern, matching
// the teacher's recoveryMiddleware behavior (log the panic, return 500)
// without depending on the teacher's raw net/http middleware signature.
func ginZapRecovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("api: panic in handler",
					zap.Any("recover", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	introspection := s.router
	if s.adminRouter != nil {
		introspection = s.adminRouter
	}
	introspection.GET("/health", s.handleHealth)
	introspection.GET("/stats", s.handleStats)
	introspection.GET("/performance", s.handlePerformance)
	introspection.GET("/queue", s.handleQueue)
	introspection.GET("/ws/nodes", s.handleWebsocket)
	introspection.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/", gin.WrapH(s.forward))
}

// Run starts the main HTTP server (forward path, plus introspection when
// adminPort is 0) and blocks until ctx is done, then drains via
// http.Server.Shutdown.
func (s *Server) Run(ctx context.Context, port int) error {
	return s.runServer(ctx, port, s.router, "api")
}

// RunAdmin starts the separate introspection listener; callers should only
// invoke this when adminPort (passed to New) was non-zero.
func (s *Server) RunAdmin(ctx context.Context, port int) error {
	return s.runServer(ctx, port, s.adminRouter, "api-admin")
}

func (s *Server) runServer(ctx context.Context, port int, handler http.Handler, name string) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(name+": listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info(name + ": shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// BroadcastActiveCount notifies websocket subscribers of a new active node
// count; called by the discovery loop after each tick.
func (s *Server) BroadcastActiveCount(active int) {
	s.hub.broadcast(active)
}
