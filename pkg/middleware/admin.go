package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// RequireAdmin ensures the authenticated caller carries the admin role.
// Apply after JWTAuth.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get("user_role").(models.UserRole)
			if !ok {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "unauthorized",
					Message: "Authentication required",
				})
			}
			if role != models.RoleAdmin {
				return c.JSON(http.StatusForbidden, models.ErrorResponse{
					Error:   "forbidden",
					Message: "Admin access required",
				})
			}
			return next(c)
		}
	}
}
