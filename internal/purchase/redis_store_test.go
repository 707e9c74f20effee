package purchase

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test:sale:", 0, 30*time.Second), mr
}

func TestRedisStore_ReserveAndPut(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	sale, reserved, err := store.Reserve(ctx, "sale-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, sale)
	assert.True(t, mr.Exists("test:sale:sale-1"))

	_, reserved, err = store.Reserve(ctx, "sale-1")
	assert.ErrorIs(t, err, ErrSaleInFlight)
	assert.False(t, reserved)

	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := Sale{
		SaleID:   "sale-1",
		Identity: "buyer@example.com",
		Token:    "payload.sig",
		Payload: license.Payload{
			SubjectIdentity: "buyer@example.com",
			ProductID:       testProduct,
			Plan:            "pro",
			IssuedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			ExpiresAt:       &expires,
		},
		ProcessedAt: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, stored))
	assert.Zero(t, mr.TTL("test:sale:sale-1"), "zero retention keeps the sale forever")

	sale, reserved, err = store.Reserve(ctx, "sale-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, sale)
	assert.Equal(t, stored.Token, sale.Token)
	assert.Equal(t, stored.Payload.SubjectIdentity, sale.Payload.SubjectIdentity)
	require.NotNil(t, sale.Payload.ExpiresAt)
	assert.True(t, expires.Equal(*sale.Payload.ExpiresAt))
}

func TestRedisStore_ReservationExpires(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, reserved, err := store.Reserve(ctx, "sale-1")
	require.NoError(t, err)
	require.True(t, reserved)

	mr.FastForward(31 * time.Second)

	_, reserved, err = store.Reserve(ctx, "sale-1")
	require.NoError(t, err)
	assert.True(t, reserved, "an abandoned reservation can be taken over")
}

func TestRedisStore_Release(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, "pending")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "pending"))
	assert.False(t, mr.Exists("test:sale:pending"))

	_, _, err = store.Reserve(ctx, "done")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, Sale{SaleID: "done", Token: "t"}))
	require.NoError(t, store.Release(ctx, "done"))
	assert.True(t, mr.Exists("test:sale:done"), "completed sales survive release")

	require.NoError(t, store.Release(ctx, "missing"))
}

func TestRedisStore_Retention(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisStore(client, "p:", 24*time.Hour, 0)
	require.NoError(t, store.Put(context.Background(), Sale{SaleID: "s", Token: "t"}))
	assert.Equal(t, 24*time.Hour, mr.TTL("p:s"))
}

func TestRedisStore_IngestorAcrossReplicas(t *testing.T) {
	store, _ := newRedisStore(t)
	issuer, _ := newTestIssuer(t)
	cfg := IngestorConfig{ProductID: testProduct, Plan: "pro"}

	replicaA := NewIngestor(issuer, store, cfg, WithIngestorLogger(quietLogger()))
	replicaB := NewIngestor(issuer, store, cfg, WithIngestorLogger(quietLogger()))

	first, err := replicaA.HandlePurchaseEvent(context.Background(), "sale-1", "buyer@example.com")
	require.NoError(t, err)
	second, err := replicaB.HandlePurchaseEvent(context.Background(), "sale-1", "buyer@example.com")
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Token, second.Token)
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
