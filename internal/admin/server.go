// Package admin provides the HTTP surface for operating the event bus and
// task queue: stream and group inspection, dead-letter republish, task stats,
// and direct task enqueue.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/contextualhq/eventcore/internal/schema"
	"github.com/contextualhq/eventcore/internal/streams"
	"github.com/contextualhq/eventcore/internal/taskqueue"
)

// BusAPI is the slice of the event bus the admin server depends on.
type BusAPI interface {
	GetStreamInfo(ctx context.Context, stream string) (*streams.StreamInfo, error)
	GetConsumerGroupInfo(ctx context.Context, stream string) ([]streams.GroupInfo, error)
	RepublishDeadLetters(ctx context.Context, stream, group string, maxAge time.Duration) (int, error)
	Stats() (published, delivered, acked, deadLettered int64)
}

// QueueAPI is the slice of the task queue the admin server depends on.
type QueueAPI interface {
	QueueTask(ctx context.Context, spec taskqueue.TaskSpec) (string, error)
	Snapshot() taskqueue.Stats
	RecentDead() []*taskqueue.Task
}

// Pinger reports stream backend reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the admin HTTP server. All responses share the
// {success, data, error} envelope.
type Server struct {
	server *http.Server
	engine *gin.Engine
	bus    BusAPI
	queue  QueueAPI
	pinger Pinger
	logger *zap.Logger
}

// NewServer creates an admin server bound to the given address. Gin runs in
// release mode unless debug logging is enabled. pinger may be nil when no
// direct backend handle is available.
func NewServer(addr string, b BusAPI, q QueueAPI, pinger Pinger, logger *zap.Logger, debug bool) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		bus:    b,
		queue:  q,
		pinger: pinger,
		logger: logger,
		server: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

// Handler exposes the underlying router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins serving. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/streams", s.handleStreamsList)
	s.engine.GET("/streams/:stream/info", s.handleStreamInfo)
	s.engine.GET("/streams/:stream/groups", s.handleStreamGroups)
	s.engine.POST("/streams/:stream/groups/:group/republish-dead-letters", s.handleRepublish)
	s.engine.GET("/tasks/stats", s.handleTaskStats)
	s.engine.GET("/tasks/dead", s.handleTasksDead)
	s.engine.POST("/tasks/queue", s.handleTaskQueue)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, apiResponse{Success: false, Error: &apiError{Code: code, Message: message}})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	components := gin.H{"bus": "ok", "queue": "ok"}
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request.Context()); err != nil {
			components["redis"] = err.Error()
			status = "degraded"
		} else {
			components["redis"] = "ok"
		}
	}
	published, delivered, acked, deadLettered := s.bus.Stats()
	snap := s.queue.Snapshot()
	ok(c, gin.H{
		"status":        status,
		"components":    components,
		"published":     published,
		"delivered":     delivered,
		"acked":         acked,
		"dead_lettered": deadLettered,
		"tasks": gin.H{
			"running": snap.Running,
			"queued":  snap.Queued,
		},
	})
}

func (s *Server) handleStreamsList(c *gin.Context) {
	ok(c, gin.H{"streams": schema.Streams()})
}

func (s *Server) handleStreamInfo(c *gin.Context) {
	stream := c.Param("stream")
	if !schema.IsKnownStream(stream) && !schema.IsDeadStream(stream) {
		fail(c, http.StatusNotFound, "unknown_stream", fmt.Sprintf("unknown stream %q", stream))
		return
	}
	info, err := s.bus.GetStreamInfo(c.Request.Context(), stream)
	if err != nil {
		s.logger.Warn("stream info failed", zap.String("stream", stream), zap.Error(err))
		fail(c, http.StatusBadGateway, "backend_error", err.Error())
		return
	}
	ok(c, info)
}

func (s *Server) handleStreamGroups(c *gin.Context) {
	stream := c.Param("stream")
	if !schema.IsKnownStream(stream) {
		fail(c, http.StatusNotFound, "unknown_stream", fmt.Sprintf("unknown stream %q", stream))
		return
	}
	groups, err := s.bus.GetConsumerGroupInfo(c.Request.Context(), stream)
	if err != nil {
		s.logger.Warn("group info failed", zap.String("stream", stream), zap.Error(err))
		fail(c, http.StatusBadGateway, "backend_error", err.Error())
		return
	}
	ok(c, gin.H{"groups": groups})
}

// RepublishRequest is the body of the dead-letter republish endpoint.
type RepublishRequest struct {
	MaxAgeSeconds int64 `json:"max_age_seconds" binding:"required,gt=0"`
}

func (s *Server) handleRepublish(c *gin.Context) {
	stream := c.Param("stream")
	group := c.Param("group")
	if !schema.IsKnownStream(stream) {
		fail(c, http.StatusNotFound, "unknown_stream", fmt.Sprintf("unknown stream %q", stream))
		return
	}
	var req RepublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	count, err := s.bus.RepublishDeadLetters(c.Request.Context(), stream, group,
		time.Duration(req.MaxAgeSeconds)*time.Second)
	if err != nil {
		s.logger.Warn("republish failed",
			zap.String("stream", stream), zap.String("group", group), zap.Error(err))
		fail(c, http.StatusBadGateway, "backend_error", err.Error())
		return
	}
	ok(c, gin.H{"republished": count})
}

func (s *Server) handleTaskStats(c *gin.Context) {
	ok(c, s.queue.Snapshot())
}

func (s *Server) handleTasksDead(c *gin.Context) {
	ok(c, gin.H{"tasks": s.queue.RecentDead()})
}

// QueueTaskRequest is the body of the direct-enqueue endpoint.
type QueueTaskRequest struct {
	Type     string         `json:"type" binding:"required"`
	Payload  map[string]any `json:"payload"`
	Priority string         `json:"priority"`
	UserID   string         `json:"user_id"`
	DedupKey string         `json:"dedup_key"`
}

func (s *Server) handleTaskQueue(c *gin.Context) {
	var req QueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	id, err := s.queue.QueueTask(c.Request.Context(), taskqueue.TaskSpec{
		Type:     req.Type,
		Payload:  req.Payload,
		Priority: taskqueue.ParsePriority(req.Priority),
		UserID:   req.UserID,
		DedupKey: req.DedupKey,
	})
	if err != nil {
		if errors.Is(err, taskqueue.ErrUnknownTaskType) {
			fail(c, http.StatusUnprocessableEntity, "unknown_task_type", err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	ok(c, gin.H{"task_id": id})
}
