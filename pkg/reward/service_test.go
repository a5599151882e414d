package reward

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/ledger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/logger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

func setupService(t *testing.T, holdWindow time.Duration) (*Service, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	return NewService(store, nil, nil, logger.Nop(), holdWindow, 500), store
}

// seedAttributed creates a referrer, a link and a buyer attributed through it.
func seedAttributed(t *testing.T, store *ledger.MemoryStore, kind models.LinkType, percent int) (referrer, buyer models.User, link models.ReferralLink) {
	t.Helper()
	ctx := context.Background()

	referrerRole := models.RoleUser
	if kind == models.LinkTypePartner {
		referrerRole = models.RolePartner
	}
	referrer = store.SeedUser(models.User{Nickname: gofakeit.Username(), Role: referrerRole})
	buyer = store.SeedUser(models.User{Nickname: gofakeit.Username(), Role: models.RoleUser})

	link = models.ReferralLink{OwnerID: referrer.ID, LinkType: kind, Token: gofakeit.LetterN(12)}
	if kind == models.LinkTypePartner {
		link.Percent = &percent
	}
	created, err := store.CreateLink(ctx, link)
	require.NoError(t, err)
	link = created

	attr := models.Attribution{Kind: models.ReferrerType(kind), ReferrerID: referrer.ID, LinkID: link.ID, Percent: percent}
	require.NoError(t, store.SetAttribution(ctx, buyer.ID, attr))

	buyerLoaded, err := store.GetUser(ctx, buyer.ID)
	require.NoError(t, err)
	return referrer, buyerLoaded, link
}

func payment(userID uuid.UUID, amount int64) PaymentEvent {
	return PaymentEvent{
		ExternalPaymentID: gofakeit.UUID(),
		UserID:            userID,
		AmountMinor:       amount,
		Currency:          "RUB",
	}
}

func TestOnPaymentSucceeded(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - First purchase grants coin bonus to both sides", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		referrer, buyer, _ := seedAttributed(t, store, models.LinkTypeUser, 0)

		outcome, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 50000))

		require.NoError(t, err)
		assert.True(t, outcome.Processed)
		assert.False(t, outcome.Duplicate)
		assert.Equal(t, models.RewardUserBonus, outcome.Kind)
		assert.EqualValues(t, 1, outcome.AmountOrCoins)

		b, err := store.GetUser(ctx, buyer.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Coins)
		r, err := store.GetUser(ctx, referrer.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Coins)
	})

	t.Run("Second purchase grants no bonus", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		referrer, buyer, _ := seedAttributed(t, store, models.LinkTypeUser, 0)

		_, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 50000))
		require.NoError(t, err)
		outcome, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 50000))

		require.NoError(t, err)
		assert.True(t, outcome.Processed)
		assert.Equal(t, models.RewardNone, outcome.Kind)

		r, err := store.GetUser(ctx, referrer.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Coins)
	})

	t.Run("Success - Partner commission goes to hold on every purchase", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 30)

		first, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 10000))
		require.NoError(t, err)
		second, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 999))
		require.NoError(t, err)

		assert.Equal(t, models.RewardPartnerCommission, first.Kind)
		assert.EqualValues(t, 3000, first.AmountOrCoins)
		// 999 * 30 / 100 floors to 299
		assert.EqualValues(t, 299, second.AmountOrCoins)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, balance.BalanceMinor)
		assert.EqualValues(t, 3299, balance.HoldMinor)
	})

	t.Run("Duplicate delivery changes nothing", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 20)

		ev := payment(buyer.ID, 10000)
		first, err := service.OnPaymentSucceeded(ctx, ev)
		require.NoError(t, err)
		second, err := service.OnPaymentSucceeded(ctx, ev)
		require.NoError(t, err)

		assert.False(t, first.Duplicate)
		assert.True(t, second.Duplicate)
		assert.True(t, second.Processed)
		assert.Equal(t, first.Kind, second.Kind)
		assert.Equal(t, first.AmountOrCoins, second.AmountOrCoins)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2000, balance.HoldMinor)
	})

	t.Run("Unattributed buyer produces no reward", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		buyer := store.SeedUser(models.User{Nickname: gofakeit.Username(), Role: models.RoleUser})

		outcome, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 10000))

		require.NoError(t, err)
		assert.True(t, outcome.Processed)
		assert.Equal(t, models.RewardNone, outcome.Kind)
	})

	t.Run("Unknown user fails without a purchase row", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)

		ev := payment(uuid.New(), 10000)
		_, err := service.OnPaymentSucceeded(ctx, ev)

		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = store.GetPurchaseByExternalID(ctx, ev.ExternalPaymentID)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("Invalid amount is rejected", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		buyer := store.SeedUser(models.User{Role: models.RoleUser})

		_, err := service.OnPaymentSucceeded(ctx, PaymentEvent{ExternalPaymentID: "x", UserID: buyer.ID, AmountMinor: 0})
		assert.Error(t, err)
	})
}

func TestOnRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Reverses held commission", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 25)

		ev := payment(buyer.ID, 10000)
		_, err := service.OnPaymentSucceeded(ctx, ev)
		require.NoError(t, err)

		outcome, err := service.OnRefund(ctx, ev.ExternalPaymentID)

		require.NoError(t, err)
		assert.True(t, outcome.Processed)
		assert.Equal(t, models.RewardPartnerCommission, outcome.Kind)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, balance.HoldMinor)
		assert.EqualValues(t, 0, balance.BalanceMinor)

		purchase, err := store.GetPurchaseByExternalID(ctx, ev.ExternalPaymentID)
		require.NoError(t, err)
		commission, err := store.GetCommissionByPurchase(ctx, purchase.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CommissionReversed, commission.Status)
	})

	t.Run("Success - Reverses released commission from balance", func(t *testing.T) {
		service, store := setupService(t, 0)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 25)

		ev := payment(buyer.ID, 10000)
		_, err := service.OnPaymentSucceeded(ctx, ev)
		require.NoError(t, err)
		released, err := service.ReleaseHeldCommissions(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, released)

		outcome, err := service.OnRefund(ctx, ev.ExternalPaymentID)

		require.NoError(t, err)
		assert.True(t, outcome.Processed)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, balance.BalanceMinor)
		assert.EqualValues(t, 0, balance.HoldMinor)
	})

	t.Run("Success - Reverses coin bonus, clamped at zero", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		referrer, buyer, _ := seedAttributed(t, store, models.LinkTypeUser, 0)

		ev := payment(buyer.ID, 10000)
		_, err := service.OnPaymentSucceeded(ctx, ev)
		require.NoError(t, err)

		// The referrer spends the coin before the refund arrives.
		require.NoError(t, store.AdjustCoins(ctx, referrer.ID, -1, false))

		outcome, err := service.OnRefund(ctx, ev.ExternalPaymentID)

		require.NoError(t, err)
		assert.True(t, outcome.Processed)
		assert.Equal(t, models.RewardUserBonus, outcome.Kind)

		b, err := store.GetUser(ctx, buyer.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, b.Coins)
		r, err := store.GetUser(ctx, referrer.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, r.Coins)
	})

	t.Run("Repeat refund is a duplicate", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 25)

		ev := payment(buyer.ID, 10000)
		_, err := service.OnPaymentSucceeded(ctx, ev)
		require.NoError(t, err)

		_, err = service.OnRefund(ctx, ev.ExternalPaymentID)
		require.NoError(t, err)
		outcome, err := service.OnRefund(ctx, ev.ExternalPaymentID)

		require.NoError(t, err)
		assert.False(t, outcome.Processed)
		assert.True(t, outcome.Duplicate)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 0, balance.HoldMinor)
	})

	t.Run("Refund of rewardless purchase is a no-op", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		buyer := store.SeedUser(models.User{Role: models.RoleUser})

		ev := payment(buyer.ID, 10000)
		_, err := service.OnPaymentSucceeded(ctx, ev)
		require.NoError(t, err)

		outcome, err := service.OnRefund(ctx, ev.ExternalPaymentID)

		require.NoError(t, err)
		assert.False(t, outcome.Processed)
		assert.Equal(t, models.RewardNone, outcome.Kind)
	})

	t.Run("Unknown payment is a logged no-op", func(t *testing.T) {
		service, _ := setupService(t, 7*24*time.Hour)

		outcome, err := service.OnRefund(ctx, "never-seen")

		require.NoError(t, err)
		assert.False(t, outcome.Processed)
		assert.False(t, outcome.Duplicate)
		assert.Equal(t, models.RewardNone, outcome.Kind)
	})
}

func TestReleaseHeldCommissions(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Releases matured commissions", func(t *testing.T) {
		service, store := setupService(t, 0)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 20)

		_, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 10000))
		require.NoError(t, err)
		_, err = service.OnPaymentSucceeded(ctx, payment(buyer.ID, 5000))
		require.NoError(t, err)

		released, err := service.ReleaseHeldCommissions(ctx)

		require.NoError(t, err)
		assert.Equal(t, 2, released)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 3000, balance.BalanceMinor)
		assert.EqualValues(t, 0, balance.HoldMinor)
	})

	t.Run("Young commissions stay held", func(t *testing.T) {
		service, store := setupService(t, 7*24*time.Hour)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 20)

		_, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 10000))
		require.NoError(t, err)

		released, err := service.ReleaseHeldCommissions(ctx)

		require.NoError(t, err)
		assert.Equal(t, 0, released)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2000, balance.HoldMinor)
	})

	t.Run("Suspicious buyer blocks release", func(t *testing.T) {
		service, store := setupService(t, 0)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 20)

		_, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 10000))
		require.NoError(t, err)
		require.NoError(t, store.MarkSuspicious(ctx, buyer.ID))

		released, err := service.ReleaseHeldCommissions(ctx)

		require.NoError(t, err)
		assert.Equal(t, 0, released)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2000, balance.HoldMinor)
	})

	t.Run("Re-running releases nothing new", func(t *testing.T) {
		service, store := setupService(t, 0)
		partner, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 20)

		_, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 10000))
		require.NoError(t, err)

		first, err := service.ReleaseHeldCommissions(ctx)
		require.NoError(t, err)
		second, err := service.ReleaseHeldCommissions(ctx)
		require.NoError(t, err)

		assert.Equal(t, 1, first)
		assert.Equal(t, 0, second)

		balance, err := store.GetBalance(ctx, partner.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2000, balance.BalanceMinor)
	})

	t.Run("Batch size caps one run", func(t *testing.T) {
		store := ledger.NewMemoryStore()
		service := NewService(store, nil, nil, logger.Nop(), 0, 2)
		_, buyer, _ := seedAttributed(t, store, models.LinkTypePartner, 20)

		for i := 0; i < 3; i++ {
			_, err := service.OnPaymentSucceeded(ctx, payment(buyer.ID, 10000))
			require.NoError(t, err)
		}

		first, err := service.ReleaseHeldCommissions(ctx)
		require.NoError(t, err)
		second, err := service.ReleaseHeldCommissions(ctx)
		require.NoError(t, err)

		assert.Equal(t, 2, first)
		assert.Equal(t, 1, second)
	})
}
