package apiv1

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/skiff-cloud/skiff/pkg/types"
)

const userIdContextKey = "userId"

// NewUserAuthMiddleware validates HS256 bearer tokens and stores the subject
// claim as the request's user ID. An empty secret disables auth entirely and
// every request runs as LocalUserId; that is the local-mode configuration,
// never a production one.
func NewUserAuthMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				c.Set(userIdContextKey, types.LocalUserId)
				return next(c)
			}

			raw := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				return ErrorResponse(c, http.StatusUnauthorized, "authorization required")
			}

			token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				return ErrorResponse(c, http.StatusUnauthorized, "invalid token")
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				return ErrorResponse(c, http.StatusUnauthorized, "token missing subject")
			}

			c.Set(userIdContextKey, subject)
			return next(c)
		}
	}
}

// UserId returns the authenticated user of the request
func UserId(c echo.Context) string {
	if userId, ok := c.Get(userIdContextKey).(string); ok {
		return userId
	}
	return types.LocalUserId
}
