package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// WebhookTokenHeader carries the shared secret for gateway callbacks.
const WebhookTokenHeader = "X-Webhook-Token"

// RequireWebhookToken guards the normalized payment webhook with a shared
// static token.
func RequireWebhookToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.Request().Header.Get(WebhookTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "unauthorized",
					Message: "Invalid webhook token",
				})
			}
			return next(c)
		}
	}
}
