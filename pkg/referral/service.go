// Package referral owns attribution: who brought a user in, under which
// link, and at what commission percent. Attribution is resolved once at
// registration time and never changes afterwards.
package referral

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/cache"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/ledger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/logger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/metrics"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

const (
	tokenBytes        = 8
	tokenAttempts     = 5
	minPartnerPercent = 10
	maxPartnerPercent = 50
)

// Service handles referral link issuance and attribution resolution.
type Service struct {
	store   ledger.Store
	cache   *cache.Client
	metrics *metrics.Metrics
	log     logger.Logger
}

// NewService creates a new referral service. cache may be nil; stats are
// then computed on every call.
func NewService(store ledger.Store, c *cache.Client, m *metrics.Metrics, log logger.Logger) *Service {
	return &Service{store: store, cache: c, metrics: m, log: log}
}

// Resolve attributes a newly registered user from an optional referral
// token and issues the user's own USER link. It is safe to call again for
// the same user: the existing attribution and link are returned unchanged.
func (s *Service) Resolve(ctx context.Context, userID uuid.UUID, token string) (models.AttributionResult, error) {
	var result models.AttributionResult

	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		ownToken, err := s.ensureOwnLink(ctx, tx, userID)
		if err != nil {
			return err
		}
		result.OwnLinkToken = ownToken
		result.Suspicious = user.IsSuspicious

		if token == "" {
			return nil
		}

		link, err := tx.GetLinkByToken(ctx, token)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				// Unknown token: register without attribution.
				s.log.Warn("referral token not found", "token", token, "user_id", userID)
				return nil
			}
			return err
		}

		if link.OwnerID == userID {
			if err := tx.MarkSuspicious(ctx, userID); err != nil {
				return err
			}
			result.Suspicious = true
			s.log.Warn("self-referral attempt", "user_id", userID, "link_id", link.ID)
			return nil
		}

		attr := models.Attribution{
			Kind:       models.ReferrerType(link.LinkType),
			ReferrerID: link.OwnerID,
			LinkID:     link.ID,
		}
		if link.Percent != nil {
			attr.Percent = *link.Percent
		}

		if err := tx.SetAttribution(ctx, userID, attr); err != nil {
			if errors.Is(err, ledger.ErrAlreadyAttributed) {
				existing, gerr := currentAttribution(ctx, tx, userID)
				if gerr != nil {
					return gerr
				}
				result.Attribution = existing
				return nil
			}
			return err
		}
		result.Attribution = &attr
		return nil
	})
	if err != nil {
		return models.AttributionResult{}, err
	}
	return result, nil
}

func currentAttribution(ctx context.Context, tx ledger.Tx, userID uuid.UUID) (*models.Attribution, error) {
	user, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Attributed() {
		return nil, nil
	}
	attr := &models.Attribution{
		Kind:       *user.ReferrerType,
		ReferrerID: *user.ReferrerID,
		LinkID:     *user.RefLinkID,
	}
	if link, err := tx.GetLink(ctx, *user.RefLinkID); err == nil && link.Percent != nil {
		attr.Percent = *link.Percent
	}
	return attr, nil
}

// ensureOwnLink returns the user's USER link token, creating the link with
// a fresh random token when none exists yet.
func (s *Service) ensureOwnLink(ctx context.Context, tx ledger.Tx, userID uuid.UUID) (string, error) {
	links, err := tx.ListLinksByOwner(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, l := range links {
		if l.LinkType == models.LinkTypeUser {
			return l.Token, nil
		}
	}
	created, err := createLinkWithToken(ctx, tx, models.ReferralLink{
		OwnerID:  userID,
		LinkType: models.LinkTypeUser,
	})
	if err != nil {
		return "", err
	}
	return created.Token, nil
}

// createLinkWithToken retries token generation on the rare collision.
func createLinkWithToken(ctx context.Context, tx ledger.Tx, link models.ReferralLink) (models.ReferralLink, error) {
	for attempt := 0; attempt < tokenAttempts; attempt++ {
		token, err := generateToken(tokenBytes)
		if err != nil {
			return models.ReferralLink{}, err
		}
		link.Token = token
		created, err := tx.CreateLink(ctx, link)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, ledger.ErrTokenTaken) {
			return models.ReferralLink{}, err
		}
	}
	return models.ReferralLink{}, fmt.Errorf("failed to generate a unique token after %d attempts: %w", tokenAttempts, ledger.ErrTokenTaken)
}

func generateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateUserLink issues an additional USER link for its owner.
func (s *Service) CreateUserLink(ctx context.Context, ownerID uuid.UUID, comment string) (models.ReferralLink, error) {
	var created models.ReferralLink
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, ownerID); err != nil {
			return err
		}
		var err error
		created, err = createLinkWithToken(ctx, tx, models.ReferralLink{
			OwnerID:  ownerID,
			LinkType: models.LinkTypeUser,
			Comment:  comment,
		})
		return err
	})
	return created, err
}

// CreatePartnerLink issues a PARTNER link at the given commission percent.
// Admin only. Issuing a partner's first link promotes the owner to the
// partner role.
func (s *Service) CreatePartnerLink(ctx context.Context, actorID, ownerID uuid.UUID, percent int, comment string) (models.ReferralLink, error) {
	if percent < minPartnerPercent || percent > maxPartnerPercent {
		return models.ReferralLink{}, ledger.ErrInvalidPercent
	}

	var created models.ReferralLink
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		actor, err := tx.GetUser(ctx, actorID)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleAdmin {
			return ledger.ErrPermissionDenied
		}

		owner, err := tx.GetUser(ctx, ownerID)
		if err != nil {
			return err
		}

		created, err = createLinkWithToken(ctx, tx, models.ReferralLink{
			OwnerID:  ownerID,
			LinkType: models.LinkTypePartner,
			Percent:  &percent,
			Comment:  comment,
		})
		if err != nil {
			return err
		}

		if owner.Role == models.RoleUser {
			if err := tx.SetUserRole(ctx, ownerID, models.RolePartner); err != nil {
				return err
			}
			s.log.Info("user promoted to partner", "user_id", ownerID)
		}
		return nil
	})
	if err != nil {
		return models.ReferralLink{}, err
	}
	return created, nil
}

// ListLinks returns all links owned by a user, oldest first.
func (s *Service) ListLinks(ctx context.Context, ownerID uuid.UUID) ([]models.ReferralLink, error) {
	if _, err := s.store.GetUser(ctx, ownerID); err != nil {
		return nil, err
	}
	return s.store.ListLinksByOwner(ctx, ownerID)
}

// GetPartnerStats computes the partner dashboard numbers, served from cache
// when one is configured.
func (s *Service) GetPartnerStats(ctx context.Context, partnerID uuid.UUID) (models.PartnerStats, error) {
	if s.cache != nil {
		var stats models.PartnerStats
		if ok, _ := s.cache.GetJSON(ctx, cache.PartnerStatsKey(partnerID), &stats); ok {
			s.metrics.RecordCacheHit()
			return stats, nil
		}
		s.metrics.RecordCacheMiss()
	}

	var stats models.PartnerStats
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetUser(ctx, partnerID); err != nil {
			return err
		}
		var err error
		if stats.RegistrationsCount, err = tx.CountReferrals(ctx, partnerID); err != nil {
			return err
		}
		if stats.PurchasesCount, err = tx.CountReferredPurchases(ctx, partnerID); err != nil {
			return err
		}
		if stats.TotalCommissionMinor, err = tx.SumCommission(ctx, partnerID); err != nil {
			return err
		}
		balance, err := tx.GetBalance(ctx, partnerID)
		if err != nil {
			return err
		}
		stats.BalanceMinor = balance.BalanceMinor
		stats.HoldMinor = balance.HoldMinor
		return nil
	})
	if err != nil {
		return models.PartnerStats{}, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, cache.PartnerStatsKey(partnerID), stats, s.cache.StatsTTL); err != nil {
			s.log.Warn("failed to cache partner stats", "partner_id", partnerID, "error", err)
		}
	}
	return stats, nil
}

// GetBalance returns the partner's current balance aggregate.
func (s *Service) GetBalance(ctx context.Context, partnerID uuid.UUID) (models.PartnerBalance, error) {
	if _, err := s.store.GetUser(ctx, partnerID); err != nil {
		return models.PartnerBalance{}, err
	}
	return s.store.GetBalance(ctx, partnerID)
}
