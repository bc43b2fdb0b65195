package apiv1

import (
	"github.com/labstack/echo/v4"
)

type HealthGroup struct {
	routerGroup *echo.Group
}

// NewHealthGroup creates a new health group
func NewHealthGroup(routerGroup *echo.Group) *HealthGroup {
	group := &HealthGroup{routerGroup: routerGroup}
	group.registerRoutes()
	return group
}

func (g *HealthGroup) registerRoutes() {
	g.routerGroup.GET("", g.HealthCheck)
}

func (g *HealthGroup) HealthCheck(c echo.Context) error {
	return SuccessResponse(c, map[string]string{"status": "ok"})
}
