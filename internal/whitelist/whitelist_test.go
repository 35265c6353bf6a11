package whitelist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	mu      sync.Mutex
	answers map[string][]string
	errs    map[string]error
	lookups int32
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	atomic.AddInt32(&f.lookups, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[host]; ok {
		return nil, err
	}
	return f.answers[host], nil
}

func (f *fakeResolver) set(host string, ips ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[host] = ips
	delete(f.errs, host)
}

func (f *fakeResolver) fail(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[host] = errors.New("lookup failed")
}

func newTestCache(domains []string, ttl time.Duration) (*Cache, *fakeResolver) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cache := NewCache(logger, domains, ttl, time.Second)
	fake := &fakeResolver{
		answers: make(map[string][]string),
		errs:    make(map[string]error),
	}
	cache.resolver = fake
	return cache, fake
}

func TestEnabled(t *testing.T) {
	cache, _ := newTestCache(nil, time.Minute)
	assert.False(t, cache.Enabled())

	cache, _ = newTestCache([]string{"client.example.com"}, time.Minute)
	assert.True(t, cache.Enabled())
}

func TestIsWhitelisted(t *testing.T) {
	cache, fake := newTestCache([]string{"client.example.com"}, time.Minute)
	fake.set("client.example.com", "203.0.113.10", "203.0.113.11")

	ctx := context.Background()
	assert.True(t, cache.IsWhitelisted(ctx, "203.0.113.10"))
	assert.True(t, cache.IsWhitelisted(ctx, "203.0.113.11"))
	assert.False(t, cache.IsWhitelisted(ctx, "203.0.113.99"))
}

func TestRefreshRespectsTTL(t *testing.T) {
	cache, fake := newTestCache([]string{"client.example.com"}, time.Minute)
	fake.set("client.example.com", "203.0.113.10")

	ctx := context.Background()
	require.NoError(t, cache.Refresh(ctx, false))
	first := atomic.LoadInt32(&fake.lookups)

	require.NoError(t, cache.Refresh(ctx, false))
	require.NoError(t, cache.Refresh(ctx, false))
	assert.Equal(t, first, atomic.LoadInt32(&fake.lookups), "refresh within TTL should not resolve again")

	require.NoError(t, cache.Refresh(ctx, true))
	assert.Greater(t, atomic.LoadInt32(&fake.lookups), first)
}

func TestRotatedIPPickedUpByForcedRefresh(t *testing.T) {
	cache, fake := newTestCache([]string{"client.example.com"}, time.Hour)
	fake.set("client.example.com", "203.0.113.10")

	ctx := context.Background()
	require.True(t, cache.IsWhitelisted(ctx, "203.0.113.10"))

	// DNS rotates. The TTL has not expired, but the membership miss
	// forces one refresh and the new IP is accepted.
	fake.set("client.example.com", "203.0.113.20")
	assert.True(t, cache.IsWhitelisted(ctx, "203.0.113.20"))
	assert.False(t, cache.IsWhitelisted(ctx, "203.0.113.10"), "stale IP must no longer be accepted")
}

func TestResolutionFailureKeepsPreviousIPs(t *testing.T) {
	cache, fake := newTestCache([]string{"client.example.com", "other.example.com"}, time.Hour)
	fake.set("client.example.com", "203.0.113.10")
	fake.set("other.example.com", "203.0.113.30")

	ctx := context.Background()
	require.NoError(t, cache.Refresh(ctx, true))
	require.True(t, cache.contains("203.0.113.10"))

	fake.fail("client.example.com")
	fake.set("other.example.com", "203.0.113.31")
	require.NoError(t, cache.Refresh(ctx, true))

	assert.True(t, cache.contains("203.0.113.10"), "failed domain keeps its cached IPs")
	assert.True(t, cache.contains("203.0.113.31"), "successful domain is fully replaced")
	assert.False(t, cache.contains("203.0.113.30"))
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	cache, fake := newTestCache([]string{"client.example.com"}, time.Hour)
	fake.set("client.example.com", "203.0.113.10")

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cache.Refresh(ctx, false)
		}()
	}
	wg.Wait()

	// All callers share at most one resolution pass (plus scheduling
	// slack for a second flight that started before the first finished).
	assert.LessOrEqual(t, atomic.LoadInt32(&fake.lookups), int32(2))
}

func TestIPs(t *testing.T) {
	cache, fake := newTestCache([]string{"client.example.com"}, time.Hour)
	fake.set("client.example.com", "203.0.113.10", "203.0.113.11")

	require.NoError(t, cache.Refresh(context.Background(), true))
	assert.ElementsMatch(t, []string{"203.0.113.10", "203.0.113.11"}, cache.IPs())
}
