package handlers

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/api/errors"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/payout"
)

// PayoutHandler handles the withdrawal workflow endpoints
type PayoutHandler struct {
	payoutService *payout.Service
	validator     *validator.Validate
}

// NewPayoutHandler creates a new payout handler
func NewPayoutHandler(payoutService *payout.Service) *PayoutHandler {
	return &PayoutHandler{
		payoutService: payoutService,
		validator:     validator.New(),
	}
}

// Create opens a payout request for the caller.
func (h *PayoutHandler) Create(c echo.Context) error {
	callerID, ok := c.Get("user_id").(uuid.UUID)
	if !ok {
		return errors.UnauthorizedError(c)
	}

	var req models.CreatePayoutRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	payoutReq, err := h.payoutService.Request(c.Request().Context(), callerID, req.AmountMinor, req.Requisites)
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusCreated, payoutReq)
}

// List returns the caller's payout history, or the processing queue for a
// status when the admin passes ?status=.
func (h *PayoutHandler) List(c echo.Context) error {
	callerID, ok := c.Get("user_id").(uuid.UUID)
	if !ok {
		return errors.UnauthorizedError(c)
	}

	if status := c.QueryParam("status"); status != "" {
		if role, _ := c.Get("user_role").(models.UserRole); role != models.RoleAdmin {
			return errors.ForbiddenError(c)
		}
		queue, err := h.payoutService.Queue(c.Request().Context(), models.PayoutStatus(status))
		if err != nil {
			return errors.Domain(c, err)
		}
		return c.JSON(http.StatusOK, queue)
	}

	history, err := h.payoutService.History(c.Request().Context(), callerID)
	if err != nil {
		return errors.Domain(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// Approve confirms a pending payout. Admin only.
func (h *PayoutHandler) Approve(c echo.Context) error {
	return h.decide(c, h.payoutService.Approve)
}

// Reject declines a pending payout. Admin only.
func (h *PayoutHandler) Reject(c echo.Context) error {
	return h.decide(c, h.payoutService.Reject)
}

// MarkPaid records transfer confirmation for an approved payout. Admin only.
func (h *PayoutHandler) MarkPaid(c echo.Context) error {
	return h.decide(c, h.payoutService.MarkPaid)
}

func (h *PayoutHandler) decide(c echo.Context, op func(ctx context.Context, id uuid.UUID) (models.PayoutRequest, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return errors.ValidationError(c, err)
	}

	payoutReq, err := op(c.Request().Context(), id)
	if err != nil {
		return errors.Domain(c, err)
	}
	return c.JSON(http.StatusOK, payoutReq)
}
