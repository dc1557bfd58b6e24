package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shellmux/shellmux/internal/api/middleware"
	"github.com/shellmux/shellmux/internal/history"
	"github.com/shellmux/shellmux/internal/infrastructure/config"
	"github.com/shellmux/shellmux/internal/infrastructure/logging"
	"github.com/shellmux/shellmux/internal/infrastructure/monitoring"
	"github.com/shellmux/shellmux/internal/mux"
	"github.com/shellmux/shellmux/internal/protocol"
	"github.com/shellmux/shellmux/internal/shared/id"
)

const defaultHistoryLimit = 50

// Server is the gateway HTTP server.
type Server struct {
	router *gin.Engine
	logger *logging.Logger
}

// NewServer assembles the gateway. store may be nil when history
// persistence is disabled.
func NewServer(cfg *config.Config, store *history.Store, logger *logging.Logger, metrics *monitoring.Metrics) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}

	h := &handler{
		serviceURL: cfg.Gateway.ServiceURL,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"service": "shellmux-gateway"})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/stream", h.handleStream)
	router.GET("/history", h.listHistory)
	router.GET("/history/:id", h.latestHistory)

	return &Server{router: router, logger: logger}
}

// Run starts the server on the configured address.
func (s *Server) Run(addr string) error {
	s.logger.Info("gateway listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the gin engine, used by tests to run against an
// httptest server.
func (s *Server) Router() *gin.Engine {
	return s.router
}

type handler struct {
	serviceURL string
	store      *history.Store
	logger     *logging.Logger
	metrics    *monitoring.Metrics
	upgrader   websocket.Upgrader
}

// handleStream upgrades the client connection and routes tagged frames
// between the client and its multiplexer until the client disconnects.
func (h *handler) handleStream(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(protocol.MaxFrameSize)

	clientID := id.NewClientID()
	logger := &logging.Logger{Logger: h.logger.With(zap.String("client_id", string(clientID)))}
	logger.Info("stream client connected")

	// The mux relay goroutines and this loop both write to the client
	// socket; the mutex keeps their frames from interleaving.
	var writeMu sync.Mutex
	writeEvent := func(msg protocol.Message) {
		data, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug("client write failed", zap.Error(err))
		}
	}

	m := mux.New(h.serviceURL, mux.SinkFunc(writeEvent), logger, h.metrics)
	if h.store != nil {
		m.WithRecorder(h.store)
	}
	defer m.CloseAll()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			logger.Info("stream client disconnected")
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil || msg.SessionID == "" {
			// Untagged or malformed frames are dropped.
			continue
		}

		switch msg.Type {
		case protocol.TypeSpawn:
			if err := m.Spawn(context.Background(), msg.SessionID, msg.Cols, msg.Rows); err != nil {
				logger.Warn("spawn failed",
					zap.String("session_id", msg.SessionID), zap.Error(err))
				ev := protocol.Error(err.Error())
				ev.SessionID = msg.SessionID
				writeEvent(ev)
			}
		case protocol.TypeInput:
			m.SendInput(msg.SessionID, msg.Data)
		case protocol.TypeResize:
			m.Resize(msg.SessionID, msg.Cols, msg.Rows)
		case protocol.TypeSignal:
			m.SendSignal(msg.SessionID, msg.Sig)
		case protocol.TypeKill:
			m.Kill(msg.SessionID)
		}
	}
}

// listHistory returns the most recent finished sessions.
func (h *handler) listHistory(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history disabled"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("history list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// latestHistory returns the newest record for one session id.
func (h *handler) latestHistory(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history disabled"})
		return
	}

	rec, err := h.store.Latest(c.Request.Context(), c.Param("id"))
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no history for session"})
		return
	}
	if err != nil {
		h.logger.Error("history lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
