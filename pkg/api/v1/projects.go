package apiv1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/skiff-cloud/skiff/pkg/lifecycle"
	"github.com/skiff-cloud/skiff/pkg/types"
)

type ProjectsGroup struct {
	routerGroup *echo.Group
	service     *lifecycle.Service
}

type ProjectResponse struct {
	ExternalID    string `json:"external_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	PreviewURL    string `json:"preview_url,omitempty"`
	DeploymentURL string `json:"deployment_url,omitempty"`
	BuildStatus   string `json:"build_status,omitempty"`
	LastActiveAt  string `json:"last_active_at"`
	CreatedAt     string `json:"created_at"`
}

// NewProjectsGroup creates the non-streaming projects API group
func NewProjectsGroup(routerGroup *echo.Group, service *lifecycle.Service) *ProjectsGroup {
	g := &ProjectsGroup{
		routerGroup: routerGroup,
		service:     service,
	}
	g.registerRoutes()
	return g
}

func (g *ProjectsGroup) registerRoutes() {
	g.routerGroup.GET("", g.ListProjects)
	g.routerGroup.GET("/:id", g.GetProject)
	g.routerGroup.DELETE("/:id", g.DeleteProject)
	g.routerGroup.GET("/:id/conversation", g.GetConversation)
	g.routerGroup.POST("/:id/snapshot", g.SaveSnapshot)
	g.routerGroup.POST("/:id/hibernate", g.HibernateProject)
}

// ListProjects returns the authenticated user's projects
func (g *ProjectsGroup) ListProjects(c echo.Context) error {
	projects, err := g.service.ListProjects(c.Request().Context(), UserId(c))
	if err != nil {
		return DomainErrorResponse(c, err)
	}

	var response []ProjectResponse
	for _, p := range projects {
		response = append(response, projectToResponse(p))
	}
	return SuccessResponse(c, response)
}

// GetProject returns one project by external ID
func (g *ProjectsGroup) GetProject(c echo.Context) error {
	project, err := g.service.ResolveProject(c.Request().Context(), UserId(c), c.Param("id"))
	if err != nil {
		return DomainErrorResponse(c, err)
	}
	return SuccessResponse(c, projectToResponse(project))
}

// DeleteProject tears the sandbox down and soft-deletes the project
func (g *ProjectsGroup) DeleteProject(c echo.Context) error {
	if err := g.service.DeleteProject(c.Request().Context(), UserId(c), c.Param("id")); err != nil {
		return DomainErrorResponse(c, err)
	}
	return SuccessResponse(c, nil)
}

// GetConversation returns the project's chat history, newest last.
// ?limit=N caps the number of turns; 0 or absent returns everything.
func (g *ProjectsGroup) GetConversation(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return ErrorResponse(c, http.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	turns, err := g.service.Conversation(c.Request().Context(), UserId(c), c.Param("id"), limit)
	if err != nil {
		return DomainErrorResponse(c, err)
	}
	return SuccessResponse(c, turns)
}

// SaveSnapshot archives the working tree on demand
func (g *ProjectsGroup) SaveSnapshot(c echo.Context) error {
	snapshot, err := g.service.SaveSnapshot(c.Request().Context(), UserId(c), c.Param("id"))
	if err != nil {
		return DomainErrorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    snapshot,
	})
}

// HibernateProject snapshots the project and tears its sandbox down
func (g *ProjectsGroup) HibernateProject(c echo.Context) error {
	if err := g.service.HibernateProject(c.Request().Context(), UserId(c), c.Param("id")); err != nil {
		return DomainErrorResponse(c, err)
	}
	return SuccessResponse(c, nil)
}

func projectToResponse(p *types.Project) ProjectResponse {
	return ProjectResponse{
		ExternalID:    p.ExternalId,
		Name:          p.Name,
		Status:        string(p.Status),
		PreviewURL:    p.PreviewUrl,
		DeploymentURL: p.DeploymentUrl,
		BuildStatus:   string(p.BuildStatus),
		LastActiveAt:  p.LastActiveAt.Format("2006-01-02T15:04:05Z07:00"),
		CreatedAt:     p.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
