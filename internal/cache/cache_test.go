package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
)

func testCache(t *testing.T, cfg config.CacheConfig) *Cache {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a, err := Fingerprint("openai", []byte(`{"model":"gpt-4o","max_tokens":10}`))
	require.NoError(t, err)

	b, err := Fingerprint("openai", []byte(`{"max_tokens":10,"model":"gpt-4o"}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestFingerprint_DiscriminatesProviderAndBody(t *testing.T) {
	base, err := Fingerprint("openai", []byte(`{"model":"gpt-4o"}`))
	require.NoError(t, err)

	other, err := Fingerprint("anthropic", []byte(`{"model":"gpt-4o"}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, other)

	changed, err := Fingerprint("openai", []byte(`{"model":"gpt-4o-mini"}`))
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}

func TestFingerprint_RejectsInvalidJSON(t *testing.T) {
	_, err := Fingerprint("openai", []byte(`{broken`))
	assert.Error(t, err)
}

func TestCache_PutGetInvalidate(t *testing.T) {
	c := testCache(t, config.CacheConfig{Enabled: true, Capacity: 16})

	_, found := c.Get("k1")
	assert.False(t, found)

	c.Put("k1", []byte("response"))
	body, found := c.Get("k1")
	require.True(t, found)
	assert.Equal(t, "response", string(body))

	// Returned bodies are copies; mutating one never corrupts the entry.
	body[0] = 'X'
	body2, found := c.Get("k1")
	require.True(t, found)
	assert.Equal(t, "response", string(body2))

	c.Invalidate("k1")
	_, found = c.Get("k1")
	assert.False(t, found)
}

func TestCache_Disabled(t *testing.T) {
	c := testCache(t, config.CacheConfig{Enabled: false})

	c.Put("k1", []byte("response"))
	_, found := c.Get("k1")
	assert.False(t, found)

	// Compute still runs, once per call.
	var calls atomic.Int32
	body, cached, err := c.GetOrCompute(context.Background(), "k1", func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "fresh", string(body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_TTLExpiry(t *testing.T) {
	c := testCache(t, config.CacheConfig{Enabled: true, Capacity: 16, TTLSeconds: 1})

	c.Put("k1", []byte("response"))
	_, found := c.Get("k1")
	require.True(t, found)

	time.Sleep(1500 * time.Millisecond)
	_, found = c.Get("k1")
	assert.False(t, found)
}

func TestCache_SingleFlight(t *testing.T) {
	c := testCache(t, config.CacheConfig{Enabled: true, Capacity: 16})

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("shared"), nil
	}

	const waiters = 8
	results := make([][]byte, waiters)
	errs := make([]error, waiters)

	var started, done sync.WaitGroup
	for i := 0; i < waiters; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), "hot", compute)
		}(i)
	}

	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	// Exactly one provider call; every caller sees the same body.
	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", string(results[i]))
	}

	// The result was stored for later hits.
	body, found := c.Get("hot")
	require.True(t, found)
	assert.Equal(t, "shared", string(body))
}

func TestCache_GetOrCompute_Hit(t *testing.T) {
	c := testCache(t, config.CacheConfig{Enabled: true, Capacity: 16})
	c.Put("k1", []byte("stored"))

	body, cached, err := c.GetOrCompute(context.Background(), "k1", func(context.Context) ([]byte, error) {
		t.Fatal("compute must not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "stored", string(body))
}

func TestCache_GetOrCompute_ErrorNotStored(t *testing.T) {
	c := testCache(t, config.CacheConfig{Enabled: true, Capacity: 16})

	wantErr := errors.New("upstream down")
	_, _, err := c.GetOrCompute(context.Background(), "k1", func(context.Context) ([]byte, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	_, found := c.Get("k1")
	assert.False(t, found)
}

func TestCache_GetOrCompute_CancelledWaiterDoesNotAbortLeader(t *testing.T) {
	c := testCache(t, config.CacheConfig{Enabled: true, Capacity: 16})

	release := make(chan struct{})
	leaderDone := make(chan struct{})

	go func() {
		defer close(leaderDone)
		body, _, err := c.GetOrCompute(context.Background(), "k1", func(ctx context.Context) ([]byte, error) {
			<-release
			// The shared computation keeps a live context even after the
			// cancelled waiter gave up.
			assert.NoError(t, ctx.Err())
			return []byte("survived"), nil
		})
		assert.NoError(t, err)
		assert.Equal(t, "survived", string(body))
	}()

	// Give the leader time to claim the flight slot, then join and cancel.
	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, _, err := c.GetOrCompute(ctx, "k1", func(context.Context) ([]byte, error) {
		return []byte("unused"), nil
	})
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	<-leaderDone

	body, found := c.Get("k1")
	require.True(t, found)
	assert.Equal(t, "survived", string(body))
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := testCache(t, config.CacheConfig{Enabled: true, Capacity: 16})

	c.Put("openai:a", []byte("1"))
	c.Put("openai:b", []byte("2"))
	c.Put("anthropic:a", []byte("3"))

	c.InvalidatePrefix("openai:")

	_, found := c.Get("openai:a")
	assert.False(t, found)
	_, found = c.Get("openai:b")
	assert.False(t, found)
	_, found = c.Get("anthropic:a")
	assert.True(t, found)
}
