package models

import "github.com/google/uuid"

// PaymentWebhookRequest is the normalized gateway callback payload.
// Refund events carry only the external payment id, so user and amount
// are mandatory for succeeded events only.
type PaymentWebhookRequest struct {
	ExternalPaymentID string    `json:"external_payment_id" validate:"required"`
	UserID            uuid.UUID `json:"user_id" validate:"required_if=Status succeeded"`
	AmountMinor       int64     `json:"amount_minor" validate:"required_if=Status succeeded,omitempty,gt=0"`
	Currency          string    `json:"currency"`
	Status            string    `json:"status" validate:"required,oneof=succeeded refunded"`
}

// AttributionRequest resolves a new user's referral origin.
type AttributionRequest struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	Token  string    `json:"token"`
}

// CreateUserLinkRequest issues an extra USER link for the caller.
type CreateUserLinkRequest struct {
	Comment string `json:"comment" validate:"max=255"`
}

// CreatePartnerLinkRequest issues a PARTNER link (admin only).
type CreatePartnerLinkRequest struct {
	OwnerID uuid.UUID `json:"owner_id" validate:"required"`
	Percent int       `json:"percent" validate:"required,min=10,max=50"`
	Comment string    `json:"comment" validate:"max=255"`
}

// CreatePayoutRequest opens a withdrawal request for the caller.
type CreatePayoutRequest struct {
	AmountMinor int64             `json:"amount_minor" validate:"required,gt=0"`
	Requisites  map[string]string `json:"requisites" validate:"required"`
}
