package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONRoundTripAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := New(client, time.Minute, "pricing:")
	ctx := context.Background()

	var got payload
	hit, err := c.GetJSON(ctx, KeyProduct(7), &got)
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, c.SetJSON(ctx, KeyProduct(7), payload{Name: "burger", Count: 2}))
	require.True(t, mr.Exists("pricing:product:7"))

	hit, err = c.GetJSON(ctx, KeyProduct(7), &got)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, payload{Name: "burger", Count: 2}, got)

	mr.FastForward(2 * time.Minute)
	hit, err = c.GetJSON(ctx, KeyProduct(7), &got)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestDisabledCacheIsNoop(t *testing.T) {
	c := New(nil, time.Minute, "")
	require.False(t, c.Enabled())
	require.NoError(t, c.SetJSON(context.Background(), "k", payload{}))
	hit, err := c.GetJSON(context.Background(), "k", &payload{})
	require.NoError(t, err)
	require.False(t, hit)
}
