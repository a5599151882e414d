package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/api/errors"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/referral"
)

// ReferralHandler handles attribution and link endpoints
type ReferralHandler struct {
	referralService *referral.Service
	validator       *validator.Validate
}

// NewReferralHandler creates a new referral handler
func NewReferralHandler(referralService *referral.Service) *ReferralHandler {
	return &ReferralHandler{
		referralService: referralService,
		validator:       validator.New(),
	}
}

// ResolveAttribution attributes a newly registered user from an optional
// referral token.
func (h *ReferralHandler) ResolveAttribution(c echo.Context) error {
	var req models.AttributionRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	result, err := h.referralService.Resolve(c.Request().Context(), req.UserID, req.Token)
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// CreateUserLink issues an additional USER link for the caller.
func (h *ReferralHandler) CreateUserLink(c echo.Context) error {
	callerID, ok := c.Get("user_id").(uuid.UUID)
	if !ok {
		return errors.UnauthorizedError(c)
	}

	var req models.CreateUserLinkRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	link, err := h.referralService.CreateUserLink(c.Request().Context(), callerID, req.Comment)
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusCreated, link)
}

// CreatePartnerLink issues a PARTNER link. Admin only.
func (h *ReferralHandler) CreatePartnerLink(c echo.Context) error {
	callerID, ok := c.Get("user_id").(uuid.UUID)
	if !ok {
		return errors.UnauthorizedError(c)
	}

	var req models.CreatePartnerLinkRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	link, err := h.referralService.CreatePartnerLink(c.Request().Context(), callerID, req.OwnerID, req.Percent, req.Comment)
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusCreated, link)
}
