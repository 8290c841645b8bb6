// Package adminapi is the thin operator-facing HTTP+WebSocket surface in
// front of the relay core: create rooms, register/detach members, dump a
// room's live state, stream that state, and expose Prometheus metrics.
// It is not the registry/factory control plane spec.md excludes — it is
// the minimum surface needed to drive internal/server end-to-end from a
// test client or an operator curl session, modeled on the teacher's own
// api.go and internal/httpapi/server.go.
package adminapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"relaycore/internal/registry"
	"relaycore/internal/room"
	"relaycore/internal/server"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const streamInterval = 500 * time.Millisecond

// Server is the Echo application fronting one relay core instance.
type Server struct {
	echo     *echo.Echo
	mgr      *server.Manager
	reg      *registry.Registry
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

// New constructs an Echo app wired to mgr, reg and the metrics gatherer.
func New(mgr *server.Manager, reg *registry.Registry, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:     e,
		mgr:      mgr,
		reg:      reg,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
	s.registerRoutes()
	return s
}

// requestLogger tags every request with a correlation id and logs it via
// slog, in the shape of the teacher's own requestLogger middleware.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := uuid.NewString()
			c.Set("request_id", reqID)
			c.Response().Header().Set(echo.HeaderXRequestID, reqID)

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/api/metrics" || path == "/health" {
				slog.Debug("http request", "request_id", reqID, "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "request_id", reqID, "method", req.Method, "path", path,
					"status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.echo.POST("/api/rooms", s.handleCreateRoom)
	s.echo.POST("/api/rooms/:id/members", s.handleRegisterMember)
	s.echo.POST("/api/rooms/:id/members/:memberId/detach", s.handleDetachMember)
	s.echo.GET("/api/rooms/:id", s.handleDumpRoom)
	s.echo.GET("/api/rooms/:id/stream", s.handleStream)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
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
		slog.Info("shutting down admin api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("admin api stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Rooms: s.mgr.RoomCount()})
}

type createRoomRequest struct {
	ID       uint64 `json:"id"`
	Template string `json:"template"`
}

type createRoomResponse struct {
	ID       uint64 `json:"id"`
	Template string `json:"template"`
}

func (s *Server) handleCreateRoom(c echo.Context) error {
	var req createRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
	}
	if req.Template == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "template is required")
	}

	if _, err := s.reg.PutRoomTemplate(c.Request().Context(), req.Template); err != nil {
		slog.Error("persist room template", "template", req.Template, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "persist room template")
	}

	if _, err := s.mgr.CreateRoom(room.RoomID(req.ID), room.Template{Name: req.Template}); err != nil {
		if errors.Is(err, server.ErrRoomExists) {
			return echo.NewHTTPError(http.StatusConflict, "room already exists")
		}
		slog.Error("create room", "room_id", req.ID, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "create room")
	}

	s.reg.Audit(c.Request().Context(), "room_created", req.ID, nil, req.Template)
	slog.Info("room created", "room_id", req.ID, "template", req.Template)
	return c.JSON(http.StatusCreated, createRoomResponse{ID: req.ID, Template: req.Template})
}

type registerMemberRequest struct {
	MemberID     uint16 `json:"member_id"`
	AccessGroups uint64 `json:"access_groups"`
}

type registerMemberResponse struct {
	MemberID   uint16 `json:"member_id"`
	PrivateKey string `json:"private_key"` // base64-encoded 32 bytes
}

func (s *Server) handleRegisterMember(c echo.Context) error {
	roomID, err := parseRoomID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req registerMemberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
	}

	ctx := c.Request().Context()
	rec, err := s.reg.RegisterMember(ctx, uint64(roomID), req.MemberID, req.AccessGroups)
	if err != nil {
		slog.Error("register member", "room_id", roomID, "member_id", req.MemberID, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "register member")
	}

	if err := s.mgr.AttachMember(roomID, room.MemberID(req.MemberID), rec.PrivateKey, room.AccessGroups(req.AccessGroups)); err != nil {
		if errors.Is(err, server.ErrRoomNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "room not found")
		}
		slog.Error("attach member", "room_id", roomID, "member_id", req.MemberID, "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "attach member")
	}

	memberID := req.MemberID
	s.reg.Audit(ctx, "member_registered", uint64(roomID), &memberID, "")
	slog.Info("member registered", "room_id", roomID, "member_id", req.MemberID)
	return c.JSON(http.StatusCreated, registerMemberResponse{
		MemberID:   req.MemberID,
		PrivateKey: base64.StdEncoding.EncodeToString(rec.PrivateKey[:]),
	})
}

func (s *Server) handleDetachMember(c echo.Context) error {
	roomID, err := parseRoomID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	memberID, err := parseMemberID(c.Param("memberId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.mgr.DetachMember(roomID, memberID); err != nil {
		if errors.Is(err, server.ErrRoomNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "room not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "detach member")
	}

	mid := uint16(memberID)
	s.reg.Audit(c.Request().Context(), "member_detached", uint64(roomID), &mid, "")
	slog.Info("member detached", "room_id", roomID, "member_id", memberID)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDumpRoom(c echo.Context) error {
	roomID, err := parseRoomID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, ok := s.mgr.Room(roomID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return c.JSON(http.StatusOK, r.Dump())
}

// handleStream upgrades to a websocket and periodically pushes the room's
// live dump, in the shape of the teacher's ws handler but a push ticker
// instead of an event-driven send channel, since there is no per-client
// session object on this side of the core.
func (s *Server) handleStream(c echo.Context) error {
	roomID, err := parseRoomID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, ok := s.mgr.Room(roomID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}

	remoteAddr := c.RealIP()
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	defer conn.Close()

	slog.Info("ws stream connected", "room_id", roomID, "remote", remoteAddr)
	defer slog.Info("ws stream disconnected", "room_id", roomID, "remote", remoteAddr)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return nil
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamInterval))
			if err := conn.WriteJSON(r.Dump()); err != nil {
				return nil
			}
		}
	}
}

func parseRoomID(raw string) (room.RoomID, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid room id %q", raw)
	}
	return room.RoomID(v), nil
}

func parseMemberID(raw string) (room.MemberID, error) {
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid member id %q", raw)
	}
	return room.MemberID(v), nil
}
