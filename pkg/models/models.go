package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole defines what a user is allowed to do in the referral program.
type UserRole string

const (
	RoleUser    UserRole = "user"
	RolePartner UserRole = "partner"
	RoleAdmin   UserRole = "admin"
)

// ReferrerType distinguishes the two reward schemes.
type ReferrerType string

const (
	ReferrerUser    ReferrerType = "user"
	ReferrerPartner ReferrerType = "partner"
)

// LinkType mirrors ReferrerType on the link side.
type LinkType string

const (
	LinkTypeUser    LinkType = "user"
	LinkTypePartner LinkType = "partner"
)

// User carries only the attribution-relevant fields the ledger core owns.
// The bot process owns the rest of the profile.
type User struct {
	ID           uuid.UUID     `json:"id"`
	Nickname     string        `json:"nickname"`
	ChatID       string        `json:"chat_id"`
	Coins        int           `json:"coins"`
	Role         UserRole      `json:"role"`
	ReferrerType *ReferrerType `json:"referrer_type,omitempty"`
	ReferrerID   *uuid.UUID    `json:"referrer_id,omitempty"`
	RefLinkID    *uuid.UUID    `json:"ref_link_id,omitempty"`
	IsSuspicious bool          `json:"is_suspicious"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Attribution is the resolved referral origin of a user. Exactly one of the
// three shapes is valid: no referrer, a plain user referrer, or a partner
// referrer carrying the link whose percent was frozen at registration time.
type Attribution struct {
	Kind       ReferrerType
	ReferrerID uuid.UUID
	LinkID     uuid.UUID
	Percent    int // partner links only
}

// Attributed reports whether the user has any referrer at all.
func (u *User) Attributed() bool {
	return u.ReferrerID != nil
}

// ReferralLink is a deep-link token owned by a user or partner.
type ReferralLink struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	LinkType  LinkType  `json:"link_type"`
	Percent   *int      `json:"percent,omitempty"` // required 10..50 for partner, nil for user
	Token     string    `json:"token"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Purchase is one processed payment. ExternalPaymentID is the idempotency
// key: a second webhook delivery with the same id is a no-op.
type Purchase struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	ExternalPaymentID string    `json:"external_payment_id"`
	AmountMinor       int64     `json:"amount_minor"`
	Currency          string    `json:"currency"`
	IsFirstForUser    bool      `json:"is_first_for_user"`
	CreatedAt         time.Time `json:"created_at"`
}

// BonusStatus is the lifecycle of a coin bonus ledger entry.
type BonusStatus string

const (
	BonusAccrued  BonusStatus = "accrued"
	BonusReversed BonusStatus = "reversed"
)

// CoinBonus is one row of the user-to-user bonus trail. A grant writes a
// pair of +1 rows (buyer and referrer); a reversal marks the pair reversed
// and appends compensating -1 rows.
type CoinBonus struct {
	ID         uuid.UUID   `json:"id"`
	GiverID    uuid.UUID   `json:"giver_id"`
	ReceiverID uuid.UUID   `json:"receiver_id"`
	PurchaseID uuid.UUID   `json:"purchase_id"`
	Coins      int         `json:"coins"`
	Status     BonusStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CommissionStatus is the lifecycle of a partner commission.
type CommissionStatus string

const (
	CommissionHold      CommissionStatus = "hold"
	CommissionAvailable CommissionStatus = "available"
	CommissionPaidOut   CommissionStatus = "paid_out"
	CommissionReversed  CommissionStatus = "reversed"
)

// Commission is one row of the partner commission trail. CommissionMinor is
// frozen at accrual time and never recomputed; reversal flips the status and
// records a reason but keeps the historical amount for audit.
type Commission struct {
	ID              uuid.UUID        `json:"id"`
	PartnerID       uuid.UUID        `json:"partner_id"`
	UserID          uuid.UUID        `json:"user_id"`
	PurchaseID      uuid.UUID        `json:"purchase_id"`
	RefLinkID       uuid.UUID        `json:"ref_link_id"`
	BaseAmountMinor int64            `json:"base_amount_minor"`
	Percent         int              `json:"percent"`
	CommissionMinor int64            `json:"commission_minor"`
	Status          CommissionStatus `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// PartnerBalance aggregates a partner's funds. BalanceMinor is available for
// payout, HoldMinor is pending release or pending a payout decision, and
// PaidOutMinor is the lifetime audit total confirmed as transferred.
type PartnerBalance struct {
	PartnerID    uuid.UUID `json:"partner_id"`
	BalanceMinor int64     `json:"balance_minor"`
	HoldMinor    int64     `json:"hold_minor"`
	PaidOutMinor int64     `json:"paid_out_minor"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PayoutStatus is the payout request state machine.
type PayoutStatus string

const (
	PayoutRequested PayoutStatus = "requested"
	PayoutApproved  PayoutStatus = "approved"
	PayoutRejected  PayoutStatus = "rejected"
	PayoutPaid      PayoutStatus = "paid"
)

// PayoutRequest is a partner-initiated withdrawal against available balance.
type PayoutRequest struct {
	ID          uuid.UUID         `json:"id"`
	PartnerID   uuid.UUID         `json:"partner_id"`
	AmountMinor int64             `json:"amount_minor"`
	Status      PayoutStatus      `json:"status"`
	Requisites  map[string]string `json:"requisites"`
	CreatedAt   time.Time         `json:"created_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// RewardKind tells the webhook caller which policy fired.
type RewardKind string

const (
	RewardNone              RewardKind = "none"
	RewardUserBonus         RewardKind = "user_bonus"
	RewardPartnerCommission RewardKind = "partner_commission"
)

// RewardOutcome is returned to the payment webhook handler.
type RewardOutcome struct {
	Processed bool       `json:"processed"`
	Duplicate bool       `json:"duplicate"`
	Kind      RewardKind `json:"reward_kind"`
	// AmountOrCoins is commission in minor units for partner rewards and
	// the coin count for user bonuses.
	AmountOrCoins int64 `json:"amount_or_coins"`
}

// PartnerStats backs the partner dashboard.
type PartnerStats struct {
	RegistrationsCount   int   `json:"registrations_count"`
	PurchasesCount       int   `json:"purchases_count"`
	TotalCommissionMinor int64 `json:"total_commission_minor"`
	BalanceMinor         int64 `json:"balance_minor"`
	HoldMinor            int64 `json:"hold_minor"`
}

// AttributionResult is returned from registration-time resolution.
type AttributionResult struct {
	Attribution  *Attribution `json:"attribution,omitempty"`
	OwnLinkToken string       `json:"own_link_token"`
	Suspicious   bool         `json:"suspicious"`
}

// ErrorResponse is the standard error envelope
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
