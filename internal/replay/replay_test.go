package replay_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/voicesofjudah/mediagate/internal/replay"
)

func TestMemoryGuardClaimsOnce(t *testing.T) {
	t.Parallel()

	guard := replay.NewMemoryGuard()
	expires := time.Now().Add(time.Hour)

	ok, err := guard.Claim(t.Context(), "token-a", expires)
	require.NoError(t, err)
	require.True(t, ok, "first claim should succeed")

	ok, err = guard.Claim(t.Context(), "token-a", expires)
	require.NoError(t, err)
	require.False(t, ok, "second claim should be rejected")

	ok, err = guard.Claim(t.Context(), "token-b", expires)
	require.NoError(t, err)
	require.True(t, ok, "other tokens are independent")
}

func TestMemoryGuardReleaseAllowsReclaim(t *testing.T) {
	t.Parallel()

	guard := replay.NewMemoryGuard()
	expires := time.Now().Add(time.Hour)

	ok, err := guard.Claim(t.Context(), "token", expires)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, guard.Release(t.Context(), "token"))
	require.Equal(t, 0, guard.Len())

	ok, err = guard.Claim(t.Context(), "token", expires)
	require.NoError(t, err)
	require.True(t, ok, "released token should be claimable again")

	require.NoError(t, guard.Release(t.Context(), "never-claimed"), "releasing an unknown token is a no-op")
}

func TestMemoryGuardForgetsExpiredTokens(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	guard := replay.NewMemoryGuard().WithClock(func() time.Time { return now })

	ok, err := guard.Claim(t.Context(), "token", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)

	ok, err = guard.Claim(t.Context(), "token", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "entry should lapse with the token expiry")
}

func TestMemoryGuardPrunes(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	guard := replay.NewMemoryGuard().WithClock(func() time.Time { return now })

	for i := range 100 {
		_, err := guard.Claim(t.Context(), fmt.Sprintf("old-%d", i), now.Add(time.Second))
		require.NoError(t, err)
	}

	now = now.Add(time.Hour)

	for i := range 300 {
		_, err := guard.Claim(t.Context(), fmt.Sprintf("new-%d", i), now.Add(time.Hour))
		require.NoError(t, err)
	}

	require.LessOrEqual(t, guard.Len(), 300, "expired entries should be swept")
}

func TestMemoryGuardConcurrentClaims(t *testing.T) {
	t.Parallel()

	guard := replay.NewMemoryGuard()
	expires := time.Now().Add(time.Hour)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := guard.Claim(t.Context(), "contended", expires); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load(), "exactly one claim should win")
}
