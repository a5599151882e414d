// Package ledger is the storage layer of the referral program: the
// append-only commission and bonus trails plus the mutable per-partner
// balance aggregate. All monetary state lives here and every mutation runs
// inside a transaction; balance changes go through the single AdjustBalance
// primitive so the non-negative invariant is enforced in one place.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// Tx is the set of operations available inside one transaction. The
// postgres implementation backs it with a pgx transaction; the in-memory
// implementation backs it with a snapshot that is rolled back on error.
type Tx interface {
	// Users
	GetUser(ctx context.Context, id uuid.UUID) (models.User, error)
	// GetUserForUpdate locks the user row for the rest of the
	// transaction. Reward accrual reads the purchase count under this
	// lock so two concurrent payments cannot both count as first.
	GetUserForUpdate(ctx context.Context, id uuid.UUID) (models.User, error)
	GetUserByChatID(ctx context.Context, chatID string) (models.User, error)
	SetAttribution(ctx context.Context, userID uuid.UUID, a models.Attribution) error
	MarkSuspicious(ctx context.Context, userID uuid.UUID) error
	SetUserRole(ctx context.Context, userID uuid.UUID, role models.UserRole) error
	// AdjustCoins adds delta to the user's coin balance. With floorZero
	// the result is clamped at zero (a reversed coin that was already
	// spent cannot go negative).
	AdjustCoins(ctx context.Context, userID uuid.UUID, delta int, floorZero bool) error

	// Referral links
	CreateLink(ctx context.Context, link models.ReferralLink) (models.ReferralLink, error)
	GetLink(ctx context.Context, id uuid.UUID) (models.ReferralLink, error)
	GetLinkByToken(ctx context.Context, token string) (models.ReferralLink, error)
	ListLinksByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.ReferralLink, error)

	// Purchases
	GetPurchaseByExternalID(ctx context.Context, externalID string) (models.Purchase, error)
	CountPurchases(ctx context.Context, userID uuid.UUID) (int, error)
	// CreatePurchase inserts the purchase row; a duplicate external
	// payment id surfaces as ErrAlreadyProcessed.
	CreatePurchase(ctx context.Context, p models.Purchase) (models.Purchase, error)

	// Coin bonus trail
	AppendBonusPair(ctx context.Context, giverID, receiverID, purchaseID uuid.UUID) ([]models.CoinBonus, error)
	GetBonusPair(ctx context.Context, purchaseID uuid.UUID) ([]models.CoinBonus, error)
	// ReverseBonusPair marks the accrued pair reversed and appends the
	// compensating -1 rows. ErrAlreadyProcessed if nothing is accrued.
	ReverseBonusPair(ctx context.Context, purchaseID uuid.UUID) error

	// Commission trail
	// AppendCommission returns the stored row and whether it was created
	// by this call; a second call for the same purchase returns the
	// existing row with created=false.
	AppendCommission(ctx context.Context, c models.Commission) (models.Commission, bool, error)
	GetCommissionByPurchase(ctx context.Context, purchaseID uuid.UUID) (models.Commission, error)
	SetCommissionStatus(ctx context.Context, id uuid.UUID, status models.CommissionStatus, reason string) error
	// ListReleasable returns HOLD commissions accrued before cutoff whose
	// buyer is not flagged suspicious, capped at limit.
	ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]models.Commission, error)

	// Balances
	// AdjustBalance applies both deltas to the partner's balance row
	// (created with zeros if absent) under a row lock; it fails with
	// ErrInsufficientBalance instead of letting either field go negative.
	AdjustBalance(ctx context.Context, partnerID uuid.UUID, deltaBalance, deltaHold int64) error
	RecordPaidOut(ctx context.Context, partnerID uuid.UUID, amount int64) error
	GetBalance(ctx context.Context, partnerID uuid.UUID) (models.PartnerBalance, error)

	// Payout requests
	CreatePayout(ctx context.Context, p models.PayoutRequest) (models.PayoutRequest, error)
	GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.PayoutRequest, error)
	SetPayoutStatus(ctx context.Context, id uuid.UUID, status models.PayoutStatus, processedAt time.Time) error
	ListPayoutsByPartner(ctx context.Context, partnerID uuid.UUID) ([]models.PayoutRequest, error)
	ListPayoutsByStatus(ctx context.Context, status models.PayoutStatus) ([]models.PayoutRequest, error)

	// Statistics
	CountReferrals(ctx context.Context, referrerID uuid.UUID) (int, error)
	CountReferredPurchases(ctx context.Context, referrerID uuid.UUID) (int, error)
	SumCommission(ctx context.Context, partnerID uuid.UUID) (int64, error)
}

// Store is a Tx whose operations auto-commit, plus the ability to group
// several operations into one transaction.
type Store interface {
	Tx

	// WithinTx runs fn inside a single transaction, committing on nil and
	// rolling back on error. Transient serialization failures are retried
	// a bounded number of times before surfacing ErrConcurrencyConflict.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
