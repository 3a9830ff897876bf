// Package server exposes the host over HTTP and streams journal events over
// websockets.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/rendis/durable/internal/engine"
	"github.com/rendis/durable/internal/query"
	"github.com/rendis/durable/internal/store"
	"github.com/rendis/durable/internal/streaming"
	"github.com/rendis/durable/pkg/schema"
)

// Server implements the HTTP API.
type Server struct {
	host   *engine.Host
	hub    streaming.EventHub
	jq     *query.JQ
	logger *slog.Logger

	mu      sync.Mutex
	sockets map[*client]struct{}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error *schema.DurableError `json:"error"`
}

// New creates a Server. hub may be nil, in which case /ws is unavailable.
func New(host *engine.Host, hub streaming.EventHub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		host:    host,
		hub:     hub,
		jq:      query.NewJQ(),
		logger:  logger,
		sockets: make(map[*client]struct{}),
	}
}

// Routes builds the router.
func (s *Server) Routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.handleWebSocket)

	ex := router.Group("/executions")
	{
		ex.POST("", s.invoke)
		ex.GET("", s.list)
		ex.GET("/:id", s.status)
		ex.GET("/:id/events", s.events)
		ex.GET("/:id/operations", s.operations)
		ex.GET("/:id/verify", s.verify)
		ex.POST("/:id/resume", s.resume)
		ex.POST("/:id/signals/:name", s.signal)
		ex.POST("/:id/cancel", s.cancel)
	}
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"handlers": s.host.Registry().Names(),
		"journal":  s.host.JournalBreaker(),
	})
}

func (s *Server) invoke(c *gin.Context) {
	var req engine.InvokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %s", err.Error()))
		return
	}
	res, err := s.host.Invoke(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) list(c *gin.Context) {
	var filter store.ExecutionFilter
	if v := c.Query("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}
	filter.HandlerName = c.Query("handler")
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if v := c.Query(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.fail(c, schema.NewErrorf(schema.ErrCodeValidation, "%s must be a non-negative integer", name))
				return
			}
			*dst = n
		}
	}

	execs, err := s.host.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "count": len(execs)})
}

func (s *Server) status(c *gin.Context) {
	exec, err := s.host.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) events(c *gin.Context) {
	events, err := s.host.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	expr := c.Query("jq")
	if expr == "" {
		c.JSON(http.StatusOK, gin.H{"events": events})
		return
	}
	out, err := s.jq.FilterEvents(c.Request.Context(), expr, events)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) operations(c *gin.Context) {
	ops, err := s.host.Operations(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (s *Server) verify(c *gin.Context) {
	report, err := s.host.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) resume(c *gin.Context) {
	res, err := s.host.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) signal(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.fail(c, schema.NewErrorf(schema.ErrCodeValidation, "read signal payload: %s", err.Error()))
		return
	}
	var payload json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			s.fail(c, schema.NewError(schema.ErrCodeValidation, "signal payload must be JSON"))
			return
		}
		payload = body
	}

	res, err := s.host.Signal(c.Request.Context(), c.Param("id"), c.Param("name"), payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) cancel(c *gin.Context) {
	res, err := s.host.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) fail(c *gin.Context, err error) {
	var de *schema.DurableError
	if !errors.As(err, &de) {
		de = schema.NewError(schema.ErrCodeExecution, err.Error())
	}
	code := StatusFor(de.Code)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.String("error", de.Error()),
		)
	}
	c.JSON(code, ErrorResponse{Error: de})
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeJournalUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[c] = struct{}{}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, c)
}

// CloseWebSockets closes all active websocket connections.
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
