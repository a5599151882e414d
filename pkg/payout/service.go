// Package payout implements the withdrawal workflow: a partner reserves
// available balance into hold, an admin approves or rejects, and a paid
// confirmation closes the request.
package payout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/cache"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/ledger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/logger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/metrics"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// Service drives the payout request state machine.
type Service struct {
	store   ledger.Store
	cache   *cache.Client
	metrics *metrics.Metrics
	log     logger.Logger
}

// NewService creates a payout service. cache and m may be nil.
func NewService(store ledger.Store, c *cache.Client, m *metrics.Metrics, log logger.Logger) *Service {
	return &Service{store: store, cache: c, metrics: m, log: log}
}

// Request reserves amount from the partner's available balance into hold
// and opens a REQUESTED payout. ErrInsufficientBalance when the available
// balance does not cover the amount.
func (s *Service) Request(ctx context.Context, partnerID uuid.UUID, amountMinor int64, requisites map[string]string) (models.PayoutRequest, error) {
	if amountMinor <= 0 {
		return models.PayoutRequest{}, fmt.Errorf("payout amount must be positive, got %d", amountMinor)
	}

	var payout models.PayoutRequest
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		partner, err := tx.GetUser(ctx, partnerID)
		if err != nil {
			return err
		}
		if partner.Role != models.RolePartner && partner.Role != models.RoleAdmin {
			return ledger.ErrPermissionDenied
		}

		if err := tx.AdjustBalance(ctx, partnerID, -amountMinor, amountMinor); err != nil {
			return err
		}

		payout, err = tx.CreatePayout(ctx, models.PayoutRequest{
			PartnerID:   partnerID,
			AmountMinor: amountMinor,
			Status:      models.PayoutRequested,
			Requisites:  requisites,
		})
		return err
	})
	if err != nil {
		return models.PayoutRequest{}, err
	}

	s.metrics.RecordPayoutTransition(string(models.PayoutRequested))
	s.invalidateStats(ctx, partnerID)
	s.log.Info("payout requested",
		"payout_id", payout.ID, "partner_id", partnerID, "amount_minor", amountMinor)
	return payout, nil
}

// Approve moves a REQUESTED payout to APPROVED and releases the reserved
// hold out of the system.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (models.PayoutRequest, error) {
	return s.decide(ctx, id, models.PayoutApproved)
}

// Reject moves a REQUESTED payout to REJECTED and returns the reserved
// hold to available balance.
func (s *Service) Reject(ctx context.Context, id uuid.UUID) (models.PayoutRequest, error) {
	return s.decide(ctx, id, models.PayoutRejected)
}

func (s *Service) decide(ctx context.Context, id uuid.UUID, decision models.PayoutStatus) (models.PayoutRequest, error) {
	var payout models.PayoutRequest
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		var err error
		payout, err = tx.GetPayoutForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if payout.Status != models.PayoutRequested {
			return fmt.Errorf("%w: payout %s is %s", ledger.ErrInvalidStatus, id, payout.Status)
		}

		switch decision {
		case models.PayoutApproved:
			// The reserved hold leaves the ledger with the transfer.
			err = tx.AdjustBalance(ctx, payout.PartnerID, 0, -payout.AmountMinor)
		case models.PayoutRejected:
			err = tx.AdjustBalance(ctx, payout.PartnerID, payout.AmountMinor, -payout.AmountMinor)
		default:
			err = fmt.Errorf("%w: %s is not a decision", ledger.ErrInvalidStatus, decision)
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.SetPayoutStatus(ctx, id, decision, now); err != nil {
			return err
		}
		payout.Status = decision
		payout.ProcessedAt = &now
		return nil
	})
	if err != nil {
		return models.PayoutRequest{}, err
	}

	s.metrics.RecordPayoutTransition(string(decision))
	s.invalidateStats(ctx, payout.PartnerID)
	s.log.Info("payout decided", "payout_id", id, "status", decision, "amount_minor", payout.AmountMinor)
	return payout, nil
}

// MarkPaid confirms the transfer for an APPROVED payout. Balances were
// settled at approval time; this records the lifetime paid-out total.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID) (models.PayoutRequest, error) {
	var payout models.PayoutRequest
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		var err error
		payout, err = tx.GetPayoutForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if payout.Status != models.PayoutApproved {
			return fmt.Errorf("%w: payout %s is %s", ledger.ErrInvalidStatus, id, payout.Status)
		}
		if err := tx.RecordPaidOut(ctx, payout.PartnerID, payout.AmountMinor); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.SetPayoutStatus(ctx, id, models.PayoutPaid, now); err != nil {
			return err
		}
		payout.Status = models.PayoutPaid
		payout.ProcessedAt = &now
		return nil
	})
	if err != nil {
		return models.PayoutRequest{}, err
	}

	s.metrics.RecordPayoutTransition(string(models.PayoutPaid))
	s.log.Info("payout paid", "payout_id", id, "partner_id", payout.PartnerID, "amount_minor", payout.AmountMinor)
	return payout, nil
}

// History returns a partner's payout requests, newest first.
func (s *Service) History(ctx context.Context, partnerID uuid.UUID) ([]models.PayoutRequest, error) {
	if _, err := s.store.GetUser(ctx, partnerID); err != nil {
		return nil, err
	}
	return s.store.ListPayoutsByPartner(ctx, partnerID)
}

// Queue returns payout requests in a given status, oldest first. This is
// the admin processing queue.
func (s *Service) Queue(ctx context.Context, status models.PayoutStatus) ([]models.PayoutRequest, error) {
	switch status {
	case models.PayoutRequested, models.PayoutApproved, models.PayoutRejected, models.PayoutPaid:
	default:
		return nil, fmt.Errorf("%w: unknown payout status %q", ledger.ErrInvalidStatus, status)
	}
	return s.store.ListPayoutsByStatus(ctx, status)
}

func (s *Service) invalidateStats(ctx context.Context, partnerID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidatePartner(ctx, partnerID); err != nil {
		s.log.Warn("failed to invalidate partner stats cache", "partner_id", partnerID, "error", err)
	}
}
