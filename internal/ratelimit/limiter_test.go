package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, slog.Default()), mr
}

func testParams() Params {
	return Params{
		Window:    time.Minute,
		Threshold: 3,
		Namespace: "hypixel",
	}
}

func TestAdmit(t *testing.T) {
	ctx := context.Background()

	t.Run("admits below threshold", func(t *testing.T) {
		l, _ := newTestLimiter(t)
		for i := int64(1); i <= 3; i++ {
			res, err := l.Admit(ctx, "p1", "skyblock/profiles", "abc", testParams())
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, i, res.Used)
		}
	})

	t.Run("rejects above threshold", func(t *testing.T) {
		l, _ := newTestLimiter(t)
		for range 3 {
			_, err := l.Admit(ctx, "p1", "skyblock/profiles", "abc", testParams())
			require.NoError(t, err)
		}
		res, err := l.Admit(ctx, "p1", "skyblock/profiles", "abc", testParams())
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, int64(4), res.Used)
	})

	t.Run("principals are independent", func(t *testing.T) {
		l, _ := newTestLimiter(t)
		for range 4 {
			_, err := l.Admit(ctx, "p1", "skyblock/profiles", "abc", testParams())
			require.NoError(t, err)
		}
		res, err := l.Admit(ctx, "p2", "skyblock/profiles", "abc", testParams())
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(1), res.Used)
	})

	t.Run("window anchors at first use", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		p := testParams()

		_, err := l.Admit(ctx, "p1", "skyblock/profiles", "abc", p)
		require.NoError(t, err)
		firstTTL := mr.TTL("hypixel:ratelimit:p1")
		assert.Equal(t, time.Minute, firstTTL)

		// Later traffic must not extend the window.
		mr.FastForward(30 * time.Second)
		_, err = l.Admit(ctx, "p1", "skyblock/profiles", "abc", p)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, mr.TTL("hypixel:ratelimit:p1"))
	})

	t.Run("bucket resets after window expiry", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		p := testParams()

		for range 4 {
			_, err := l.Admit(ctx, "p1", "skyblock/profiles", "abc", p)
			require.NoError(t, err)
		}
		mr.FastForward(time.Minute + time.Second)

		res, err := l.Admit(ctx, "p1", "skyblock/profiles", "abc", p)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(1), res.Used)
		// The fresh bucket carries a fresh full window.
		assert.Equal(t, time.Minute, mr.TTL("hypixel:ratelimit:p1"))
	})

	t.Run("records diagnostics counters", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		p := testParams()

		_, err := l.Admit(ctx, "p1", "skyblock/auction", "player:profile", p)
		require.NoError(t, err)
		_, err = l.Admit(ctx, "p2", "skyblock/auction", "player:profile", p)
		require.NoError(t, err)
		_, err = l.Admit(ctx, "p1", "skyblock/auction", "other:args", p)
		require.NoError(t, err)

		members, err := mr.SortedSet("hypixel:request:skyblock/auction")
		require.NoError(t, err)
		assert.Equal(t, float64(2), members["player:profile"])
		assert.Equal(t, float64(1), members["other:args"])

		got, err := mr.Get("hypixel:accumulated:skyblock/auction")
		require.NoError(t, err)
		assert.Equal(t, "3", got)
	})

	t.Run("store failure is an error", func(t *testing.T) {
		l, mr := newTestLimiter(t)
		mr.Close()

		_, err := l.Admit(ctx, "p1", "skyblock/profiles", "abc", testParams())
		assert.Error(t, err)
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t)
	p := testParams()

	_, err := l.Admit(ctx, "p1", "skyblock/auction", "a:b", p)
	require.NoError(t, err)
	_, err = l.Admit(ctx, "p1", "skyblock/auction", "a:b", p)
	require.NoError(t, err)
	_, err = l.Admit(ctx, "p1", "status", "", p)
	require.NoError(t, err)

	stats, err := l.Stats(ctx, "hypixel")
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byRule := map[string]RuleStats{}
	for _, rs := range stats {
		byRule[rs.RulePath] = rs
	}

	auction := byRule["skyblock/auction"]
	assert.Equal(t, int64(2), auction.Accumulated)
	require.Len(t, auction.Requests, 1)
	assert.Equal(t, "a:b", auction.Requests[0].Member)
	assert.Equal(t, float64(2), auction.Requests[0].Count)

	assert.Equal(t, int64(1), byRule["status"].Accumulated)
}

func TestStatsEmptyNamespace(t *testing.T) {
	l, _ := newTestLimiter(t)
	stats, err := l.Stats(context.Background(), "hypixel")
	require.NoError(t, err)
	assert.Empty(t, stats)
}
