package service

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shellmux/shellmux/internal/infrastructure/config"
	"github.com/shellmux/shellmux/internal/infrastructure/logging"
	"github.com/shellmux/shellmux/internal/infrastructure/monitoring"
	"github.com/shellmux/shellmux/internal/protocol"
	"github.com/shellmux/shellmux/internal/pty"
	"github.com/shellmux/shellmux/internal/shared/id"
)

// Server exposes PTY shell sessions over WebSocket, one session per
// connection.
type Server struct {
	router  *gin.Engine
	handler *Handler
	logger  *logging.Logger
}

// NewServer assembles the shell service.
func NewServer(cfg config.ServiceConfig, logger *logging.Logger, metrics *monitoring.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	handler := NewHandler(cfg, logger, metrics)

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "shellmux-shelld",
			"shell":   pty.CurrentUser().Shell,
		})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/shell", handler.HandleConnection)

	return &Server{router: router, handler: handler, logger: logger}
}

// Run starts the server on the configured address.
func (s *Server) Run(addr string) error {
	s.logger.Info("shell service listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the gin engine, used by tests to run against an
// httptest server.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler upgrades WebSocket connections and hands each one a
// dedicated control loop.
type Handler struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics
	cfg     config.ServiceConfig

	upgrader websocket.Upgrader
}

// NewHandler creates a connection handler.
func NewHandler(cfg config.ServiceConfig, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.Default().Service.PollInterval
	}
	return &Handler{
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			// The service binds to loopback; the gateway is the
			// outward-facing surface.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection upgrades the request and runs the control loop until
// the peer disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(protocol.MaxFrameSize)

	connID := id.NewConnID()
	h.metrics.ConnectionsActive.Inc()

	cn := &conn{
		ws:           ws,
		logger:       h.logger.With(zap.String("conn_id", string(connID))),
		metrics:      h.metrics,
		shell:        h.cfg.Shell,
		pollInterval: h.cfg.PollInterval,
	}
	cn.logger.Info("client connected")
	cn.run()
}
