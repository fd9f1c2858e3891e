// Package adminapi is a read-only HTTP admin surface: /healthz,
// /instances, /sessions, and a /instances/watch push feed. It is
// genuinely out-of-band from the wire protocol — every handler here takes
// a read-only snapshot through an exported accessor and never touches the
// Control Loop's single-threaded mutation path.
package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// InstanceSnapshot is the read-only view of one Instance exposed over
// /instances, copied out from the Instance Registry under no lock — the
// caller must only call Snapshot from the Control Loop thread, same as
// every other Instance Registry access.
type InstanceSnapshot struct {
	MapID        uint16 `json:"map_id"`
	CloneID      uint32 `json:"clone_id"`
	InstanceID   uint16 `json:"instance_id"`
	Port         uint16 `json:"port"`
	IP           string `json:"ip"`
	Ready        bool   `json:"ready"`
	ShuttingDown bool   `json:"shutting_down"`
	PlayerCount  int    `json:"player_count"`
	SoftCap      int    `json:"soft_cap"`
	Private      bool   `json:"private"`
}

// Snapshotter is the subset of the live system the admin surface reads
// from. Implemented by a thin adapter in cmd/masterd that wraps the
// instance.Manager/Registry and session.Registry the Control Loop owns.
type Snapshotter interface {
	Instances() []InstanceSnapshot
	SessionCount() int
	AllocatorHighWater() uint32
}

// Event is one change pushed to /instances/watch subscribers.
type Event struct {
	Type     string           `json:"type"` // "added", "removed", "ready"
	Instance InstanceSnapshot `json:"instance"`
}

// Server is the Echo application backing the admin surface.
type Server struct {
	echo     *echo.Echo
	snapshot Snapshotter
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// New constructs the admin Echo application. snapshot provides read-only
// access to live state; Publish is called by the Control Loop (or its
// adapter) whenever an instance event worth pushing to dashboards occurs.
func New(log *slog.Logger, snapshot Snapshotter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	s := &Server{
		echo:        e,
		snapshot:    snapshot,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		subscribers: make(map[chan Event]struct{}),
	}
	s.registerRoutes()
	return s
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := uuid.New().String()
			c.Response().Header().Set("X-Request-Id", reqID)

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.Debug("adminapi: request",
				"request_id", reqID,
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests to drive directly
// via httptest, matching how the rest of this codebase's HTTP surfaces are
// exercised.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/instances", s.handleInstances)
	s.echo.GET("/sessions", s.handleSessions)
	s.echo.GET("/instances/watch", s.handleWatch)
}

// Run starts the admin HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status             string `json:"status"`
	Instances          int    `json:"instances"`
	Sessions           int    `json:"sessions"`
	AllocatorHighWater uint32 `json:"allocator_high_water"`
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:             "ok",
		Instances:          len(s.snapshot.Instances()),
		Sessions:           s.snapshot.SessionCount(),
		AllocatorHighWater: s.snapshot.AllocatorHighWater(),
	})
}

func (s *Server) handleInstances(c echo.Context) error {
	return c.JSON(http.StatusOK, s.snapshot.Instances())
}

type sessionsResponse struct {
	Count int `json:"count"`
}

// handleSessions intentionally returns only a count, never usernames —
// the admin surface is operational visibility, not a session directory.
func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, sessionsResponse{Count: s.snapshot.SessionCount()})
}

func (s *Server) handleWatch(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch := make(chan Event, 16)
	s.subscribe(ch)
	defer s.unsubscribe(ch)

	for ev := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return nil
		}
	}
	return nil
}

func (s *Server) subscribe(ch chan Event) {
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
	close(ch)
}

// Publish fans an instance-lifecycle event out to every connected
// /instances/watch subscriber, best-effort (a slow subscriber's channel
// filling up just means it misses an update, not a stall for everyone
// else).
func (s *Server) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}
