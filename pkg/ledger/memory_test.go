package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

func TestMemoryStore_AttributionIsSetOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := store.SeedUser(models.User{Nickname: "newcomer"})
	referrer := store.SeedUser(models.User{Nickname: "referrer"})

	attr := models.Attribution{Kind: models.ReferrerUser, ReferrerID: referrer.ID, LinkID: uuid.New()}
	require.NoError(t, store.SetAttribution(ctx, user.ID, attr))

	err := store.SetAttribution(ctx, user.ID, models.Attribution{
		Kind: models.ReferrerUser, ReferrerID: uuid.New(), LinkID: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrAlreadyAttributed)

	got, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, referrer.ID, *got.ReferrerID)
}

func TestMemoryStore_GetUserForUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := store.SeedUser(models.User{Nickname: "buyer"})

	got, err := store.GetUserForUpdate(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = store.GetUserForUpdate(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DuplicateExternalPaymentID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := store.SeedUser(models.User{})

	p := models.Purchase{UserID: user.ID, ExternalPaymentID: "pay-1", AmountMinor: 100}
	_, err := store.CreatePurchase(ctx, p)
	require.NoError(t, err)

	_, err = store.CreatePurchase(ctx, p)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestMemoryStore_AdjustBalanceNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	partnerID := uuid.New()

	require.NoError(t, store.AdjustBalance(ctx, partnerID, 1000, 0))

	err := store.AdjustBalance(ctx, partnerID, -2000, 0)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	err = store.AdjustBalance(ctx, partnerID, 0, -1)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	b, err := store.GetBalance(ctx, partnerID)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, b.BalanceMinor)
	assert.EqualValues(t, 0, b.HoldMinor)
}

func TestMemoryStore_WithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	partnerID := uuid.New()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.AdjustBalance(ctx, partnerID, 500, 0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := store.GetBalance(ctx, partnerID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, b.BalanceMinor)
}

func TestMemoryStore_BonusPairLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	giver := store.SeedUser(models.User{})
	receiver := store.SeedUser(models.User{})
	purchaseID := uuid.New()

	pair, err := store.AppendBonusPair(ctx, giver.ID, receiver.ID, purchaseID)
	require.NoError(t, err)
	require.Len(t, pair, 2)

	_, err = store.AppendBonusPair(ctx, giver.ID, receiver.ID, purchaseID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	require.NoError(t, store.ReverseBonusPair(ctx, purchaseID))
	err = store.ReverseBonusPair(ctx, purchaseID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestMemoryStore_AppendCommissionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	purchaseID := uuid.New()

	c := models.Commission{
		PartnerID:       uuid.New(),
		UserID:          uuid.New(),
		PurchaseID:      purchaseID,
		RefLinkID:       uuid.New(),
		BaseAmountMinor: 10000,
		Percent:         20,
		CommissionMinor: 2000,
		Status:          models.CommissionHold,
	}

	first, created, err := store.AppendCommission(ctx, c)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.AppendCommission(ctx, c)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestMemoryStore_ListReleasable(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clean := store.SeedUser(models.User{})
	flagged := store.SeedUser(models.User{IsSuspicious: true})

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	for i, userID := range []uuid.UUID{clean.ID, flagged.ID} {
		_, _, err := store.AppendCommission(ctx, models.Commission{
			PartnerID:       uuid.New(),
			UserID:          userID,
			PurchaseID:      uuid.New(),
			RefLinkID:       uuid.New(),
			CommissionMinor: int64(1000 * (i + 1)),
			Status:          models.CommissionHold,
			CreatedAt:       old,
		})
		require.NoError(t, err)
	}

	out, err := store.ListReleasable(ctx, time.Now().UTC().Add(-7*24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, clean.ID, out[0].UserID)
}
