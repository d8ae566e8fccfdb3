package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admins pass every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, has := range userRoles {
				if has == "admin" {
					return next(c)
				}
				for _, required := range roles {
					if has == required {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireScope checks for a SMART on FHIR style scope such as
// "user/ResearchStudy.read". Wildcards "user/*.*" and "user/*.read" are honored.
func RequireScope(resource, operation string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, scope := range ScopesFromContext(c.Request().Context()) {
				if matchScope(scope, resource, operation) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: user/%s.%s", resource, operation))
		}
	}
}

func matchScope(granted, resource, operation string) bool {
	_, rest, ok := strings.Cut(granted, "/")
	if !ok {
		return false
	}
	gRes, gOp, ok := strings.Cut(rest, ".")
	if !ok {
		return false
	}
	return (gRes == resource || gRes == "*") && (gOp == operation || gOp == "*")
}
