package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alimasry/go-collab-server/collab"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config holds transport settings.
type Config struct {
	// PollTimeout bounds a long-poll GET of events.
	PollTimeout time.Duration
	// MessageRate and MessageBurst limit incoming WebSocket messages per
	// connection.
	MessageRate  rate.Limit
	MessageBurst int
}

// DefaultConfig returns the standard transport settings.
func DefaultConfig() Config {
	return Config{
		PollTimeout:  60 * time.Second,
		MessageRate:  50,
		MessageBurst: 100,
	}
}

// Server exposes a registry over HTTP long-polling and WebSocket.
type Server struct {
	registry *collab.Registry
	echo     *echo.Echo
	logger   *zap.Logger
	cfg      Config

	// ctx is cancelled on Shutdown to end long polls and followers.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHandler creates the server with all routes.
func NewHandler(reg *collab.Registry, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		registry: reg,
		echo:     e,
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[*Client]struct{}),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/docs", s.handleList)
	s.echo.GET("/docs/:id", s.handleGetDoc)
	s.echo.PUT("/docs/:id", s.handleUpdateDoc)
	s.echo.GET("/docs/:id/events", s.handleGetEvents)
	s.echo.POST("/docs/:id/events", s.handlePostEvents)

	s.echo.GET("/ws", s.handleWebSocket)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends pending long polls, closes WebSocket connections and stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.cancel()
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) handleGetDoc(c echo.Context) error {
	inst := s.registry.GetOrCreate(c.Param("id"), c.RealIP())
	doc, version, users := inst.State()
	raw, err := doc.MarshalJSON()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DocResponse{Doc: raw, Version: version, Users: users})
}

func (s *Server) handleUpdateDoc(c echo.Context) error {
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	inst, err := s.registry.Update(c.Param("id"), c.RealIP(), req.Doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	doc, version, users := inst.State()
	raw, err := doc.MarshalJSON()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DocResponse{Doc: raw, Version: version, Users: users})
}

// handleGetEvents returns the events after ?version=, long-polling when the
// client is current. A poll that times out answers with no steps.
func (s *Server) handleGetEvents(c echo.Context) error {
	version, err := strconv.Atoi(c.QueryParam("version"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version")
	}
	ip := c.RealIP()
	inst := s.registry.GetOrCreate(c.Param("id"), ip)

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.PollTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	ev, err := inst.WaitForEvents(ctx, version, ip)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		_, cur, users := inst.State()
		ev = collab.Events{Version: cur, UserCount: users}
	case errors.Is(err, context.Canceled):
		if c.Request().Context().Err() != nil {
			// Client went away.
			return nil
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server shutting down")
	default:
		return s.collabError(c, err)
	}

	resp, err := encodeEvents(ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePostEvents(c echo.Context) error {
	var req StepsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	steps, err := decodeSteps(s.registry.Schema(), req.Steps)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	docID := c.Param("id")
	inst := s.registry.GetOrCreate(docID, c.RealIP())
	version, err := inst.AddSteps(req.Version, steps, req.ClientID)
	if err != nil {
		return s.collabError(c, err)
	}
	s.logger.Debug("steps committed",
		zap.String("doc_id", docID),
		zap.String("client_id", req.ClientID),
		zap.Int("version", version),
	)
	return c.JSON(http.StatusOK, VersionResponse{Version: version})
}

// collabError maps collab errors to HTTP statuses.
func (s *Server) collabError(c echo.Context, err error) error {
	var stepErr *collab.StepError
	switch {
	case errors.Is(err, collab.ErrInvalidVersion):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, collab.ErrConflict):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: "version not current"})
	case errors.Is(err, collab.ErrHistoryUnavailable), errors.Is(err, collab.ErrInstanceClosed):
		return c.JSON(http.StatusGone, ErrorResponse{Error: err.Error()})
	case errors.As(err, &stepErr):
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	s.logger.Error("unexpected collab error", zap.Error(err))
	return err
}

func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return nil
	}
	client := newClient(s, conn)
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	go client.WritePump()
	go client.ReadPump()
	return nil
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}
