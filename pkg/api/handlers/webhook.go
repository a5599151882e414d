package handlers

import (
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/api/errors"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/billing"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/reward"
)

// WebhookHandler handles payment gateway callbacks
type WebhookHandler struct {
	rewardService *reward.Service
	stripeService *billing.Service
	validator     *validator.Validate
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(rewardService *reward.Service, stripeService *billing.Service) *WebhookHandler {
	return &WebhookHandler{
		rewardService: rewardService,
		stripeService: stripeService,
		validator:     validator.New(),
	}
}

// HandlePayment processes a normalized gateway event. Duplicate deliveries
// answer 200 with Duplicate set so the gateway stops retrying.
func (h *WebhookHandler) HandlePayment(c echo.Context) error {
	var req models.PaymentWebhookRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	ctx := c.Request().Context()

	var (
		outcome models.RewardOutcome
		err     error
	)
	switch req.Status {
	case "succeeded":
		outcome, err = h.rewardService.OnPaymentSucceeded(ctx, reward.PaymentEvent{
			ExternalPaymentID: req.ExternalPaymentID,
			UserID:            req.UserID,
			AmountMinor:       req.AmountMinor,
			Currency:          req.Currency,
		})
	case "refunded":
		outcome, err = h.rewardService.OnRefund(ctx, req.ExternalPaymentID)
	}
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusOK, outcome)
}

// HandleStripe processes a raw Stripe webhook.
func (h *WebhookHandler) HandleStripe(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_body",
			Message: "Failed to read request body",
		})
	}

	signature := c.Request().Header.Get("Stripe-Signature")
	if signature == "" {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error: "missing_signature",
		})
	}

	outcome, err := h.stripeService.HandleWebhook(c.Request().Context(), body, signature)
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusOK, outcome)
}
