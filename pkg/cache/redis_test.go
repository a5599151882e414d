package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Merdan-Mahmudow/veo3-bot/pkg/models"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := &Client{
		Redis:    redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		StatsTTL: time.Minute,
	}
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestClient_SetGetJSON(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	partnerID := uuid.New()
	stats := models.PartnerStats{
		RegistrationsCount:   12,
		PurchasesCount:       5,
		TotalCommissionMinor: 42500,
		BalanceMinor:         30000,
		HoldMinor:            12500,
	}

	err := client.SetJSON(ctx, PartnerStatsKey(partnerID), stats, client.StatsTTL)
	require.NoError(t, err)

	var got models.PartnerStats
	hit, err := client.GetJSON(ctx, PartnerStatsKey(partnerID), &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, stats, got)
}

func TestClient_GetJSON_Miss(t *testing.T) {
	client, _ := setupTestRedis(t)

	var got models.PartnerStats
	hit, err := client.GetJSON(context.Background(), PartnerStatsKey(uuid.New()), &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestClient_GetJSON_CorruptValueIsAMiss(t *testing.T) {
	client, mr := setupTestRedis(t)
	partnerID := uuid.New()

	mr.Set(PartnerStatsKey(partnerID), "{not json")

	var got models.PartnerStats
	hit, err := client.GetJSON(context.Background(), PartnerStatsKey(partnerID), &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestClient_InvalidatePartner(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	partnerID := uuid.New()
	require.NoError(t, client.SetJSON(ctx, PartnerStatsKey(partnerID), models.PartnerStats{BalanceMinor: 100}, time.Minute))

	require.NoError(t, client.InvalidatePartner(ctx, partnerID))

	var got models.PartnerStats
	hit, err := client.GetJSON(ctx, PartnerStatsKey(partnerID), &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestClient_StatsTTLExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	partnerID := uuid.New()
	require.NoError(t, client.SetJSON(ctx, PartnerStatsKey(partnerID), models.PartnerStats{BalanceMinor: 100}, time.Minute))

	mr.FastForward(2 * time.Minute)

	var got models.PartnerStats
	hit, err := client.GetJSON(ctx, PartnerStatsKey(partnerID), &got)
	require.NoError(t, err)
	assert.False(t, hit)
}
