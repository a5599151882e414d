package reward

import (
	"context"
	"errors"
	"time"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/ledger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

// ReleaseHeldCommissions moves HOLD commissions older than the hold window
// into available balance. Each row is its own transaction so one bad row
// cannot poison the batch, and the batch size caps a single run. Re-running
// is safe: released rows are no longer HOLD.
func (s *Service) ReleaseHeldCommissions(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.holdWindow)

	candidates, err := s.store.ListReleasable(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.releaseOne(ctx, candidate)
		if err != nil {
			s.log.Error("failed to release commission",
				"commission_id", candidate.ID, "partner_id", candidate.PartnerID, "error", err)
			continue
		}
		if ok {
			released++
			s.invalidateStats(ctx, candidate.PartnerID)
		}
	}

	s.metrics.RecordReleaseRun(released)
	if released > 0 {
		s.log.Info("hold release sweep finished",
			"candidates", len(candidates), "released", released)
	}
	return released, ctx.Err()
}

// releaseOne re-checks the row inside its own transaction; the candidate
// list may be stale by the time we get here.
func (s *Service) releaseOne(ctx context.Context, candidate models.Commission) (bool, error) {
	released := false
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		c, err := tx.GetCommissionByPurchase(ctx, candidate.PurchaseID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return nil
			}
			return err
		}
		if c.Status != models.CommissionHold {
			return nil
		}
		buyer, err := tx.GetUser(ctx, c.UserID)
		if err != nil {
			return err
		}
		if buyer.IsSuspicious {
			return nil
		}
		if err := tx.AdjustBalance(ctx, c.PartnerID, c.CommissionMinor, -c.CommissionMinor); err != nil {
			return err
		}
		if err := tx.SetCommissionStatus(ctx, c.ID, models.CommissionAvailable, "hold window elapsed"); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}
