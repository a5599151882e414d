package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/api/errors"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/referral"
)

// PartnerHandler serves the partner dashboard endpoints
type PartnerHandler struct {
	referralService *referral.Service
}

// NewPartnerHandler creates a new partner handler
func NewPartnerHandler(referralService *referral.Service) *PartnerHandler {
	return &PartnerHandler{referralService: referralService}
}

func partnerIDParam(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

// GetStats returns the partner dashboard numbers.
func (h *PartnerHandler) GetStats(c echo.Context) error {
	partnerID, err := partnerIDParam(c)
	if err != nil {
		return errors.ValidationError(c, err)
	}

	stats, err := h.referralService.GetPartnerStats(c.Request().Context(), partnerID)
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusOK, stats)
}

// GetBalance returns the partner's balance aggregate.
func (h *PartnerHandler) GetBalance(c echo.Context) error {
	partnerID, err := partnerIDParam(c)
	if err != nil {
		return errors.ValidationError(c, err)
	}

	balance, err := h.referralService.GetBalance(c.Request().Context(), partnerID)
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusOK, balance)
}

// ListLinks returns all links owned by the partner.
func (h *PartnerHandler) ListLinks(c echo.Context) error {
	partnerID, err := partnerIDParam(c)
	if err != nil {
		return errors.ValidationError(c, err)
	}

	links, err := h.referralService.ListLinks(c.Request().Context(), partnerID)
	if err != nil {
		return errors.Domain(c, err)
	}

	return c.JSON(http.StatusOK, links)
}
