package referral

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/cache"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/ledger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/logger"
	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

func setupService(t *testing.T) (*Service, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	return NewService(store, nil, nil, logger.Nop()), store
}

func seedUser(t *testing.T, store *ledger.MemoryStore, role models.UserRole) models.User {
	t.Helper()
	return store.SeedUser(models.User{
		Nickname: gofakeit.Username(),
		ChatID:   gofakeit.UUID(),
		Role:     role,
	})
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - No token creates own link only", func(t *testing.T) {
		service, store := setupService(t)
		user := seedUser(t, store, models.RoleUser)

		result, err := service.Resolve(ctx, user.ID, "")

		require.NoError(t, err)
		assert.Nil(t, result.Attribution)
		assert.NotEmpty(t, result.OwnLinkToken)
		assert.False(t, result.Suspicious)

		link, err := store.GetLinkByToken(ctx, result.OwnLinkToken)
		require.NoError(t, err)
		assert.Equal(t, user.ID, link.OwnerID)
		assert.Equal(t, models.LinkTypeUser, link.LinkType)
	})

	t.Run("Success - User token attributes to referrer", func(t *testing.T) {
		service, store := setupService(t)
		referrer := seedUser(t, store, models.RoleUser)
		newcomer := seedUser(t, store, models.RoleUser)

		refResult, err := service.Resolve(ctx, referrer.ID, "")
		require.NoError(t, err)

		result, err := service.Resolve(ctx, newcomer.ID, refResult.OwnLinkToken)

		require.NoError(t, err)
		require.NotNil(t, result.Attribution)
		assert.Equal(t, models.ReferrerUser, result.Attribution.Kind)
		assert.Equal(t, referrer.ID, result.Attribution.ReferrerID)

		stored, err := store.GetUser(ctx, newcomer.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.ReferrerID)
		assert.Equal(t, referrer.ID, *stored.ReferrerID)
	})

	t.Run("Success - Partner token carries percent", func(t *testing.T) {
		service, store := setupService(t)
		admin := seedUser(t, store, models.RoleAdmin)
		partner := seedUser(t, store, models.RolePartner)
		newcomer := seedUser(t, store, models.RoleUser)

		link, err := service.CreatePartnerLink(ctx, admin.ID, partner.ID, 30, "blog campaign")
		require.NoError(t, err)

		result, err := service.Resolve(ctx, newcomer.ID, link.Token)

		require.NoError(t, err)
		require.NotNil(t, result.Attribution)
		assert.Equal(t, models.ReferrerPartner, result.Attribution.Kind)
		assert.Equal(t, partner.ID, result.Attribution.ReferrerID)
		assert.Equal(t, 30, result.Attribution.Percent)
		assert.Equal(t, link.ID, result.Attribution.LinkID)
	})

	t.Run("Self-referral marks the user suspicious without attribution", func(t *testing.T) {
		service, store := setupService(t)
		user := seedUser(t, store, models.RoleUser)

		first, err := service.Resolve(ctx, user.ID, "")
		require.NoError(t, err)

		result, err := service.Resolve(ctx, user.ID, first.OwnLinkToken)

		require.NoError(t, err)
		assert.Nil(t, result.Attribution)
		assert.True(t, result.Suspicious)

		stored, err := store.GetUser(ctx, user.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsSuspicious)
		assert.Nil(t, stored.ReferrerID)
	})

	t.Run("Attribution is immutable across resolves", func(t *testing.T) {
		service, store := setupService(t)
		first := seedUser(t, store, models.RoleUser)
		second := seedUser(t, store, models.RoleUser)
		newcomer := seedUser(t, store, models.RoleUser)

		firstResult, err := service.Resolve(ctx, first.ID, "")
		require.NoError(t, err)
		secondResult, err := service.Resolve(ctx, second.ID, "")
		require.NoError(t, err)

		_, err = service.Resolve(ctx, newcomer.ID, firstResult.OwnLinkToken)
		require.NoError(t, err)

		result, err := service.Resolve(ctx, newcomer.ID, secondResult.OwnLinkToken)

		require.NoError(t, err)
		require.NotNil(t, result.Attribution)
		assert.Equal(t, first.ID, result.Attribution.ReferrerID)

		stored, err := store.GetUser(ctx, newcomer.ID)
		require.NoError(t, err)
		assert.Equal(t, first.ID, *stored.ReferrerID)
	})

	t.Run("Unknown token registers without attribution", func(t *testing.T) {
		service, store := setupService(t)
		user := seedUser(t, store, models.RoleUser)

		result, err := service.Resolve(ctx, user.ID, "no-such-token")

		require.NoError(t, err)
		assert.Nil(t, result.Attribution)
		assert.NotEmpty(t, result.OwnLinkToken)
	})

	t.Run("Repeat resolve returns the same own link", func(t *testing.T) {
		service, store := setupService(t)
		user := seedUser(t, store, models.RoleUser)

		first, err := service.Resolve(ctx, user.ID, "")
		require.NoError(t, err)
		second, err := service.Resolve(ctx, user.ID, "")
		require.NoError(t, err)

		assert.Equal(t, first.OwnLinkToken, second.OwnLinkToken)

		links, err := store.ListLinksByOwner(ctx, user.ID)
		require.NoError(t, err)
		assert.Len(t, links, 1)
	})

	t.Run("Unknown user fails", func(t *testing.T) {
		service, _ := setupService(t)

		_, err := service.Resolve(ctx, uuid.New(), "")

		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestCreatePartnerLink(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - Admin issues link and promotes owner", func(t *testing.T) {
		service, store := setupService(t)
		admin := seedUser(t, store, models.RoleAdmin)
		owner := seedUser(t, store, models.RoleUser)

		link, err := service.CreatePartnerLink(ctx, admin.ID, owner.ID, 25, "youtube")

		require.NoError(t, err)
		assert.Equal(t, models.LinkTypePartner, link.LinkType)
		require.NotNil(t, link.Percent)
		assert.Equal(t, 25, *link.Percent)
		assert.Equal(t, "youtube", link.Comment)

		promoted, err := store.GetUser(ctx, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RolePartner, promoted.Role)
	})

	t.Run("Existing partner keeps role", func(t *testing.T) {
		service, store := setupService(t)
		admin := seedUser(t, store, models.RoleAdmin)
		owner := seedUser(t, store, models.RolePartner)

		_, err := service.CreatePartnerLink(ctx, admin.ID, owner.ID, 25, "")

		require.NoError(t, err)
		got, err := store.GetUser(ctx, owner.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RolePartner, got.Role)
	})

	t.Run("Non-admin is denied", func(t *testing.T) {
		service, store := setupService(t)
		actor := seedUser(t, store, models.RoleUser)
		owner := seedUser(t, store, models.RoleUser)

		_, err := service.CreatePartnerLink(ctx, actor.ID, owner.ID, 25, "")

		assert.ErrorIs(t, err, ledger.ErrPermissionDenied)
	})

	t.Run("Percent out of range is rejected", func(t *testing.T) {
		service, store := setupService(t)
		admin := seedUser(t, store, models.RoleAdmin)
		owner := seedUser(t, store, models.RoleUser)

		_, err := service.CreatePartnerLink(ctx, admin.ID, owner.ID, 5, "")
		assert.ErrorIs(t, err, ledger.ErrInvalidPercent)

		_, err = service.CreatePartnerLink(ctx, admin.ID, owner.ID, 51, "")
		assert.ErrorIs(t, err, ledger.ErrInvalidPercent)
	})
}

func TestGetPartnerStats(t *testing.T) {
	ctx := context.Background()

	t.Run("Counts referrals and purchases", func(t *testing.T) {
		service, store := setupService(t)
		admin := seedUser(t, store, models.RoleAdmin)
		partner := seedUser(t, store, models.RolePartner)

		link, err := service.CreatePartnerLink(ctx, admin.ID, partner.ID, 20, "")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			referred := seedUser(t, store, models.RoleUser)
			_, err := service.Resolve(ctx, referred.ID, link.Token)
			require.NoError(t, err)
			if i < 2 {
				_, err = store.CreatePurchase(ctx, models.Purchase{
					UserID:            referred.ID,
					ExternalPaymentID: gofakeit.UUID(),
					AmountMinor:       10000,
					Currency:          "RUB",
				})
				require.NoError(t, err)
			}
		}

		stats, err := service.GetPartnerStats(ctx, partner.ID)

		require.NoError(t, err)
		assert.Equal(t, 3, stats.RegistrationsCount)
		assert.Equal(t, 2, stats.PurchasesCount)
	})

	t.Run("Repeat reads are served from cache", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cacheClient, err := cache.NewClient("redis://"+mr.Addr(), time.Minute)
		require.NoError(t, err)
		t.Cleanup(func() { cacheClient.Close() })

		store := ledger.NewMemoryStore()
		service := NewService(store, cacheClient, nil, logger.Nop())
		admin := seedUser(t, store, models.RoleAdmin)
		partner := seedUser(t, store, models.RolePartner)

		link, err := service.CreatePartnerLink(ctx, admin.ID, partner.ID, 20, "")
		require.NoError(t, err)
		referred := seedUser(t, store, models.RoleUser)
		_, err = service.Resolve(ctx, referred.ID, link.Token)
		require.NoError(t, err)

		first, err := service.GetPartnerStats(ctx, partner.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, first.RegistrationsCount)

		// New registrations stay invisible until the entry expires.
		another := seedUser(t, store, models.RoleUser)
		_, err = service.Resolve(ctx, another.ID, link.Token)
		require.NoError(t, err)

		cached, err := service.GetPartnerStats(ctx, partner.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, cached.RegistrationsCount)

		mr.FastForward(2 * time.Minute)
		fresh, err := service.GetPartnerStats(ctx, partner.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, fresh.RegistrationsCount)
	})

	t.Run("Unknown partner fails", func(t *testing.T) {
		service, _ := setupService(t)

		_, err := service.GetPartnerStats(ctx, uuid.New())

		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestGenerateToken(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		token, err := generateToken(tokenBytes)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(token), 11) // 8 bytes base64url
		assert.False(t, seen[token], "token collision")
		seen[token] = true
	}
}
