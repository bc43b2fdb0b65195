package apiv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/skiff-cloud/skiff/pkg/lifecycle"
	"github.com/skiff-cloud/skiff/pkg/types"
)

type StreamsGroup struct {
	routerGroup *echo.Group
	service     *lifecycle.Service
}

type CreateProjectRequest struct {
	Name string `json:"name"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

// NewStreamsGroup registers the streaming project flows. Each handler holds
// the connection open and writes server-sent events until the flow emits its
// terminal event.
func NewStreamsGroup(routerGroup *echo.Group, service *lifecycle.Service) *StreamsGroup {
	g := &StreamsGroup{
		routerGroup: routerGroup,
		service:     service,
	}
	g.registerRoutes()
	return g
}

func (g *StreamsGroup) registerRoutes() {
	g.routerGroup.POST("", g.CreateProject)
	g.routerGroup.POST("/:id/open", g.OpenProject)
	g.routerGroup.POST("/:id/restart", g.RestartProject)
	g.routerGroup.POST("/:id/chat", g.Chat)
	g.routerGroup.POST("/:id/deploy", g.Deploy)
}

// CreateProject provisions a fresh sandbox and streams readiness progress.
// The one-sandbox gate is checked before the stream starts so conflicts
// surface as a plain 409 instead of an event.
func (g *StreamsGroup) CreateProject(c echo.Context) error {
	var request CreateProjectRequest
	if err := c.Bind(&request); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request")
	}
	if strings.TrimSpace(request.Name) == "" {
		return ErrorResponse(c, http.StatusBadRequest, "name is required")
	}

	ctx := c.Request().Context()
	userId := UserId(c)

	if err := g.service.CheckSandboxGate(ctx, userId); err != nil {
		return DomainErrorResponse(c, err)
	}

	sink := newSSESink(c)
	if _, err := g.service.CreateProject(ctx, userId, request.Name, sink); err != nil {
		log.Error().Err(err).Str("user_id", userId).Msg("create project flow failed")
	}
	return nil
}

// OpenProject resumes a project, restoring from snapshot if its sandbox is gone
func (g *StreamsGroup) OpenProject(c echo.Context) error {
	return g.stream(c, g.service.OpenProject)
}

// RestartProject snapshots a live sandbox and replaces it with a fresh one
func (g *StreamsGroup) RestartProject(c echo.Context) error {
	return g.stream(c, g.service.RestartProject)
}

// Chat runs an agent instruction against the project and streams task progress
func (g *StreamsGroup) Chat(c echo.Context) error {
	var request ChatRequest
	if err := c.Bind(&request); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "invalid request")
	}
	if strings.TrimSpace(request.Message) == "" {
		return ErrorResponse(c, http.StatusBadRequest, "message is required")
	}

	ctx := c.Request().Context()
	sink := newSSESink(c)
	if err := g.service.Chat(ctx, UserId(c), c.Param("id"), request.Message, sink); err != nil {
		log.Error().Err(err).Str("project_id", c.Param("id")).Msg("chat flow failed")
	}
	return nil
}

// Deploy builds the project and publishes the artifacts
func (g *StreamsGroup) Deploy(c echo.Context) error {
	return g.stream(c, g.service.Deploy)
}

type streamFlow func(ctx context.Context, userId, externalId string, sink types.EventSink) error

func (g *StreamsGroup) stream(c echo.Context, flow streamFlow) error {
	ctx := c.Request().Context()
	sink := newSSESink(c)
	if err := flow(ctx, UserId(c), c.Param("id"), sink); err != nil {
		log.Error().Err(err).Str("project_id", c.Param("id")).Msg("streamed flow failed")
	}
	return nil
}

// sseSink writes flow events to the response as server-sent events,
// flushing after every event so clients see progress immediately.
type sseSink struct {
	mu       sync.Mutex
	response *echo.Response
	started  bool
}

func newSSESink(c echo.Context) *sseSink {
	return &sseSink{response: c.Response()}
}

func (s *sseSink) Send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		header := s.response.Header()
		header.Set(echo.HeaderContentType, "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		s.response.WriteHeader(http.StatusOK)
		s.started = true
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if _, err := fmt.Fprintf(s.response, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	s.response.Flush()
	return nil
}
