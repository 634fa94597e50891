package codes

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fuomag9/linkrelay/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistryForTest() (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewRegistry(store.NewMemoryStore()).WithClock(clock.Now), clock
}

func TestGenerateUsesAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := Generate(Length)
		require.NoError(t, err)
		require.Len(t, code, Length)
		for _, c := range code {
			require.True(t, strings.ContainsRune(Alphabet, c), "unexpected character %q", c)
		}
	}
	require.NotContains(t, Alphabet, "0")
	require.NotContains(t, Alphabet, "O")
	require.NotContains(t, Alphabet, "1")
	require.NotContains(t, Alphabet, "I")
}

func TestIssueThenRedeemOnce(t *testing.T) {
	r, clock := newRegistryForTest()
	ctx := context.Background()

	code, err := r.Issue(ctx, 42, 300*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(42), code.ChatID)
	require.Equal(t, clock.Now().Add(300*time.Second), code.ExpiresAt)

	chatID, err := r.Redeem(ctx, code.Code)
	require.NoError(t, err)
	require.Equal(t, int64(42), chatID)

	_, err = r.Redeem(ctx, code.Code)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedeemNormalizesInput(t *testing.T) {
	r, _ := newRegistryForTest()
	ctx := context.Background()

	code, err := r.Issue(ctx, 5, time.Minute)
	require.NoError(t, err)

	chatID, err := r.Redeem(ctx, "  "+strings.ToLower(code.Code)+"\n")
	require.NoError(t, err)
	require.Equal(t, int64(5), chatID)
}

func TestRedeemExpiredCodeIsConsumed(t *testing.T) {
	r, clock := newRegistryForTest()
	ctx := context.Background()

	code, err := r.Issue(ctx, 42, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = r.Redeem(ctx, code.Code)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Even rewinding the clock cannot bring it back
	clock.Advance(-2 * time.Minute)
	_, err = r.Redeem(ctx, code.Code)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedeemUnknownAndEmpty(t *testing.T) {
	r, _ := newRegistryForTest()
	_, err := r.Redeem(context.Background(), "NOPE22")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = r.Redeem(context.Background(), "   ")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentRedeemSingleWinner(t *testing.T) {
	r, _ := newRegistryForTest()
	ctx := context.Background()
	code, err := r.Issue(ctx, 99, time.Minute)
	require.NoError(t, err)

	var hits atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, err := r.Redeem(ctx, code.Code); err == nil && id == 99 {
				hits.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), hits.Load())
}

func TestSweepRemovesExpired(t *testing.T) {
	r, clock := newRegistryForTest()
	ctx := context.Background()

	_, err := r.Issue(ctx, 1, time.Minute)
	require.NoError(t, err)
	live, err := r.Issue(ctx, 2, time.Hour)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	chatID, err := r.Redeem(ctx, live.Code)
	require.NoError(t, err)
	require.Equal(t, int64(2), chatID)
}
