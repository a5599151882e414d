// Package reward turns confirmed payments into referral rewards: a one-time
// coin bonus for user referrers and a per-purchase commission for partners.
// Every entry point is idempotent; the external payment id is the key.
package reward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/cache"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/ledger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/logger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/metrics"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// PaymentEvent is a normalized successful-payment notification from the
// gateway, already mapped to an internal user.
type PaymentEvent struct {
	ExternalPaymentID string
	UserID            uuid.UUID
	AmountMinor       int64
	Currency          string
}

// Service applies reward policies to payment events.
type Service struct {
	store   ledger.Store
	cache   *cache.Client
	metrics *metrics.Metrics
	log     logger.Logger

	holdWindow time.Duration
	batchSize  int
}

// NewService creates the reward engine. cache and m may be nil.
func NewService(store ledger.Store, c *cache.Client, m *metrics.Metrics, log logger.Logger, holdWindow time.Duration, batchSize int) *Service {
	return &Service{
		store:      store,
		cache:      c,
		metrics:    m,
		log:        log,
		holdWindow: holdWindow,
		batchSize:  batchSize,
	}
}

// OnPaymentSucceeded records the purchase and grants the reward the buyer's
// attribution calls for, all in one transaction. Redelivering the same
// external payment id returns Duplicate without touching any state.
func (s *Service) OnPaymentSucceeded(ctx context.Context, ev PaymentEvent) (models.RewardOutcome, error) {
	if ev.ExternalPaymentID == "" {
		return models.RewardOutcome{}, fmt.Errorf("external payment id is required")
	}
	if ev.AmountMinor <= 0 {
		return models.RewardOutcome{}, fmt.Errorf("amount must be positive, got %d", ev.AmountMinor)
	}

	outcome := models.RewardOutcome{Kind: models.RewardNone}
	var partnerID uuid.UUID

	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		// The buyer row lock serializes concurrent payments for the
		// same user; the first-purchase count below depends on it.
		buyer, err := tx.GetUserForUpdate(ctx, ev.UserID)
		if err != nil {
			return err
		}

		priorPurchases, err := tx.CountPurchases(ctx, buyer.ID)
		if err != nil {
			return err
		}

		purchase, err := tx.CreatePurchase(ctx, models.Purchase{
			UserID:            buyer.ID,
			ExternalPaymentID: ev.ExternalPaymentID,
			AmountMinor:       ev.AmountMinor,
			Currency:          ev.Currency,
			IsFirstForUser:    priorPurchases == 0,
		})
		if err != nil {
			return err
		}
		outcome.Processed = true

		if !buyer.Attributed() {
			return nil
		}

		switch *buyer.ReferrerType {
		case models.ReferrerUser:
			if !purchase.IsFirstForUser {
				return nil
			}
			return s.grantUserBonus(ctx, tx, buyer, purchase, &outcome)
		case models.ReferrerPartner:
			partnerID = *buyer.ReferrerID
			return s.grantPartnerCommission(ctx, tx, buyer, purchase, &outcome)
		default:
			return fmt.Errorf("unknown referrer type %q for user %s", *buyer.ReferrerType, buyer.ID)
		}
	})
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyProcessed) {
			s.metrics.RecordDuplicateDelivery()
			s.log.Info("duplicate payment delivery", "external_payment_id", ev.ExternalPaymentID)
			return s.priorOutcome(ctx, ev.ExternalPaymentID)
		}
		return models.RewardOutcome{}, err
	}

	if outcome.Kind != models.RewardNone {
		s.metrics.RecordRewardAccrued(string(outcome.Kind))
	}
	if partnerID != uuid.Nil {
		s.invalidateStats(ctx, partnerID)
	}
	return outcome, nil
}

func (s *Service) grantUserBonus(ctx context.Context, tx ledger.Tx, buyer models.User, purchase models.Purchase, outcome *models.RewardOutcome) error {
	referrerID := *buyer.ReferrerID
	if _, err := tx.AppendBonusPair(ctx, referrerID, buyer.ID, purchase.ID); err != nil {
		return err
	}
	if err := tx.AdjustCoins(ctx, buyer.ID, 1, false); err != nil {
		return err
	}
	if err := tx.AdjustCoins(ctx, referrerID, 1, false); err != nil {
		return err
	}
	outcome.Kind = models.RewardUserBonus
	outcome.AmountOrCoins = 1
	s.log.Info("user bonus granted",
		"buyer_id", buyer.ID, "referrer_id", referrerID, "purchase_id", purchase.ID)
	return nil
}

func (s *Service) grantPartnerCommission(ctx context.Context, tx ledger.Tx, buyer models.User, purchase models.Purchase, outcome *models.RewardOutcome) error {
	link, err := tx.GetLink(ctx, *buyer.RefLinkID)
	if err != nil {
		return fmt.Errorf("failed to load attribution link %s: %w", *buyer.RefLinkID, err)
	}
	if link.Percent == nil {
		return fmt.Errorf("attribution link %s has no percent", link.ID)
	}

	commissionMinor := purchase.AmountMinor * int64(*link.Percent) / 100

	commission, created, err := tx.AppendCommission(ctx, models.Commission{
		PartnerID:       *buyer.ReferrerID,
		UserID:          buyer.ID,
		PurchaseID:      purchase.ID,
		RefLinkID:       link.ID,
		BaseAmountMinor: purchase.AmountMinor,
		Percent:         *link.Percent,
		CommissionMinor: commissionMinor,
		Status:          models.CommissionHold,
	})
	if err != nil {
		return err
	}
	if created {
		if err := tx.AdjustBalance(ctx, commission.PartnerID, 0, commission.CommissionMinor); err != nil {
			return err
		}
	}

	outcome.Kind = models.RewardPartnerCommission
	outcome.AmountOrCoins = commission.CommissionMinor
	s.log.Info("partner commission accrued",
		"partner_id", commission.PartnerID, "purchase_id", purchase.ID,
		"commission_minor", commission.CommissionMinor, "percent", commission.Percent)
	return nil
}

// priorOutcome reconstructs the outcome of the first delivery so retries
// receive the same answer.
func (s *Service) priorOutcome(ctx context.Context, externalPaymentID string) (models.RewardOutcome, error) {
	outcome := models.RewardOutcome{Processed: true, Duplicate: true, Kind: models.RewardNone}
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		purchase, err := tx.GetPurchaseByExternalID(ctx, externalPaymentID)
		if err != nil {
			return err
		}
		if commission, err := tx.GetCommissionByPurchase(ctx, purchase.ID); err == nil {
			outcome.Kind = models.RewardPartnerCommission
			outcome.AmountOrCoins = commission.CommissionMinor
			return nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if _, err := tx.GetBonusPair(ctx, purchase.ID); err == nil {
			outcome.Kind = models.RewardUserBonus
			outcome.AmountOrCoins = 1
			return nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return models.RewardOutcome{}, err
	}
	return outcome, nil
}

// OnRefund reverses whatever reward the purchase produced. Coins already
// spent are clamped at zero; commissions already paid out are left for
// manual reconciliation. Repeat calls are duplicates.
func (s *Service) OnRefund(ctx context.Context, externalPaymentID string) (models.RewardOutcome, error) {
	outcome := models.RewardOutcome{Kind: models.RewardNone}
	reversedAny := false
	unknownPayment := false
	var partnerID uuid.UUID

	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		purchase, err := tx.GetPurchaseByExternalID(ctx, externalPaymentID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				unknownPayment = true
				return nil
			}
			return err
		}

		commission, err := tx.GetCommissionByPurchase(ctx, purchase.ID)
		switch {
		case err == nil:
			reversed, rerr := s.reverseCommission(ctx, tx, commission, externalPaymentID)
			if rerr != nil {
				return rerr
			}
			outcome.Kind = models.RewardPartnerCommission
			outcome.AmountOrCoins = commission.CommissionMinor
			if reversed {
				reversedAny = true
				partnerID = commission.PartnerID
			}
			return nil
		case errors.Is(err, ledger.ErrNotFound):
			// fall through to the bonus trail
		default:
			return err
		}

		pair, err := tx.GetBonusPair(ctx, purchase.ID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				// Purchase produced no reward, nothing to reverse.
				return nil
			}
			return err
		}
		if err := tx.ReverseBonusPair(ctx, purchase.ID); err != nil {
			if errors.Is(err, ledger.ErrAlreadyProcessed) {
				outcome.Kind = models.RewardUserBonus
				outcome.AmountOrCoins = 1
				return nil
			}
			return err
		}
		for _, b := range pair {
			if err := tx.AdjustCoins(ctx, b.ReceiverID, -1, true); err != nil {
				return err
			}
		}
		outcome.Kind = models.RewardUserBonus
		outcome.AmountOrCoins = 1
		reversedAny = true
		s.log.Info("user bonus reversed", "purchase_id", purchase.ID, "external_payment_id", externalPaymentID)
		return nil
	})
	if err != nil {
		return models.RewardOutcome{}, err
	}
	if unknownPayment {
		s.log.Warn("refund for unknown payment, ignoring", "external_payment_id", externalPaymentID)
		return outcome, nil
	}

	outcome.Processed = reversedAny
	outcome.Duplicate = !reversedAny && outcome.Kind != models.RewardNone
	if reversedAny {
		s.metrics.RecordRewardReversed(string(outcome.Kind))
		if partnerID != uuid.Nil {
			s.invalidateStats(ctx, partnerID)
		}
	}
	return outcome, nil
}

// reverseCommission debits the pool the commission currently sits in and
// marks the row reversed. Returns false when there was nothing to do.
func (s *Service) reverseCommission(ctx context.Context, tx ledger.Tx, c models.Commission, externalPaymentID string) (bool, error) {
	reason := "refund " + externalPaymentID
	switch c.Status {
	case models.CommissionHold:
		if err := tx.AdjustBalance(ctx, c.PartnerID, 0, -c.CommissionMinor); err != nil {
			return false, err
		}
	case models.CommissionAvailable:
		if err := tx.AdjustBalance(ctx, c.PartnerID, -c.CommissionMinor, 0); err != nil {
			return false, err
		}
	case models.CommissionPaidOut:
		// Money already left the system; flag it and leave the balance alone.
		s.log.Warn("refund for a paid-out commission, manual reconciliation required",
			"commission_id", c.ID, "partner_id", c.PartnerID, "external_payment_id", externalPaymentID)
		return false, nil
	case models.CommissionReversed:
		return false, nil
	default:
		return false, fmt.Errorf("unknown commission status %q", c.Status)
	}
	if err := tx.SetCommissionStatus(ctx, c.ID, models.CommissionReversed, reason); err != nil {
		return false, err
	}
	s.log.Info("partner commission reversed",
		"commission_id", c.ID, "partner_id", c.PartnerID, "amount_minor", c.CommissionMinor)
	return true, nil
}

func (s *Service) invalidateStats(ctx context.Context, partnerID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidatePartner(ctx, partnerID); err != nil {
		s.log.Warn("failed to invalidate partner stats cache", "partner_id", partnerID, "error", err)
	}
}
