package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/retention/internal/logger"
	"github.com/samcharles93/retention/internal/retention"
)

const (
	modeParallel  = "parallel"
	modeRecurrent = "recurrent"
)

// Server exposes one retention block over HTTP: stateless parallel forward
// calls and recurrent sessions whose state lives server-side.
type Server struct {
	block   *retention.Block
	store   *SessionStore
	metrics *Metrics
	cache   *retention.RotaryCache
	clock   func() time.Time
	log     logger.Logger
}

func NewServer(block *retention.Block, store *SessionStore, metrics *Metrics, log logger.Logger) *Server {
	if store == nil {
		store = NewSessionStore()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		block:   block,
		store:   store,
		metrics: metrics,
		cache:   retention.NewRotaryCache(),
		clock:   time.Now,
		log:     log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/forward", s.handleForward)

	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/forward", s.handleSessionForward)

	e.GET("/v1/config", s.handleConfig)
	e.GET("/metrics", s.handleMetrics)
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	x, err := batchFromNested(req.Input)
	if err != nil {
		return writeErr(c, err)
	}

	started := s.clock()
	y, err := s.block.Forward(x, s.cache, nil)
	s.metrics.observeForward(modeParallel, x.B*x.T, s.clock().Sub(started), err)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, ForwardResponse{
		Object: "retention.forward",
		Mode:   modeParallel,
		Shape:  y.Shape(),
		Output: nestedFromBatch(y),
	})
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req := CreateSessionReq{}
	if c.Request().ContentLength != 0 {
		decoded, err := decodeJSON[CreateSessionReq](c.Request().Body)
		if err != nil {
			return writeErr(c, err)
		}
		req = decoded
	}
	if req.Batch < 0 {
		return writeBadRequest(c, "batch must not be negative")
	}
	if req.Batch == 0 {
		req.Batch = 1
	}

	now := s.sweep()
	sess, err := s.store.Create(req.Batch, now)
	if err != nil {
		return writeErr(c, err)
	}
	s.metrics.sessionOpened()
	s.log.Debug("session created", "id", sess.id, "batch", sess.batch)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return c.JSON(http.StatusOK, sess.snapshot())
}

func (s *Server) handleGetSession(c *echo.Context) error {
	id := c.Param("id")
	sess, ok := s.store.Get(id, s.sweep())
	if !ok {
		return writeNotFound(c, "session not found")
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return c.JSON(http.StatusOK, sess.snapshot())
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	s.sweep()
	if !s.store.Delete(id) {
		return writeNotFound(c, "session not found")
	}
	s.metrics.sessionsClosed(1)
	s.log.Debug("session deleted", "id", id)
	return c.JSON(http.StatusOK, DeleteSessionResp{
		ID:      id,
		Object:  "retention.session.deleted",
		Deleted: true,
	})
}

func (s *Server) handleSessionForward(c *echo.Context) error {
	id := c.Param("id")
	sess, ok := s.store.Get(id, s.sweep())
	if !ok {
		return writeErr(c, fmt.Errorf("session %q: %w", id, ErrSessionNotFound))
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	x, err := batchFromNested(req.Input)
	if err != nil {
		return writeErr(c, err)
	}
	if x.B != sess.batch {
		return writeErr(c, newInvalidRequest(fmt.Sprintf("session decodes %d sequences, got %d", sess.batch, x.B)))
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	started := s.clock()
	y, err := s.block.Forward(x, sess.cache, sess.state)
	s.metrics.observeForward(modeRecurrent, x.B*x.T, s.clock().Sub(started), err)
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, ForwardResponse{
		Object:   "retention.forward",
		Mode:     modeRecurrent,
		Session:  sess.id,
		Position: sess.state.Pos,
		Shape:    y.Shape(),
		Output:   nestedFromBatch(y),
	})
}

// sweep drops idle sessions and returns the time it swept at.
func (s *Server) sweep() time.Time {
	now := s.clock()
	if n := s.store.Sweep(now); n > 0 {
		s.metrics.sessionsDropped(n)
		s.log.Debug("idle sessions expired", "count", n, "open", s.store.Len())
	}
	return now
}

func (s *Server) handleConfig(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.block.Config())
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
