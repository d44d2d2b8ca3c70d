package platform

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/mintwatch/internal/token"
)

type stubLookup struct {
	mu      sync.Mutex
	calls   int
	det     token.Detection
	err     error
}

func (s *stubLookup) Resolve(ctx context.Context, mint string) (token.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.det, s.err
}

func (s *stubLookup) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestDetector_SuffixRules(t *testing.T) {
	d := NewDetector(Config{}, NewMemoryCache(0))
	defer d.Shutdown()

	tests := []struct {
		mint     string
		platform token.Platform
	}{
		{"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwpump", token.PlatformPumpFun},
		{"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFbonk", token.PlatformBonk},
		{"5tMi5XCzKEBcGrdBb1dQvXPXpuRemBRpqGBvm6Svmoon", token.PlatformMoonshot},
	}
	for _, tt := range tests {
		t.Run(string(tt.platform), func(t *testing.T) {
			det := d.Detect(context.Background(), tt.mint)
			assert.Equal(t, tt.platform, det.Platform)
			assert.Equal(t, token.MethodMintPattern, det.Method)
			assert.InDelta(t, 0.99, det.Confidence, 1e-9)
		})
	}
}

func TestDetector_SuffixIsCaseInsensitive(t *testing.T) {
	d := NewDetector(Config{}, NewMemoryCache(0))
	defer d.Shutdown()

	det := d.Detect(context.Background(), "ABCDEFGHJKLMNPQRSTUVWXYZabcdefPUMP")
	assert.Equal(t, token.PlatformPumpFun, det.Platform)
}

func TestDetector_FallbackWithoutLookup(t *testing.T) {
	d := NewDetector(Config{}, NewMemoryCache(0))
	defer d.Shutdown()

	det := d.Detect(context.Background(), "NoMatchingSuffixMint11111111111111")
	assert.Equal(t, token.PlatformUnknown, det.Platform)
	assert.Equal(t, token.MethodFallback, det.Method)
	assert.Zero(t, det.Confidence)
}

func TestDetector_ConfiguredFallbackPlatform(t *testing.T) {
	d := NewDetector(Config{FallbackPlatform: token.PlatformRaydium}, NewMemoryCache(0))
	defer d.Shutdown()

	det := d.Detect(context.Background(), "NoMatchingSuffixMint11111111111111")
	assert.Equal(t, token.PlatformRaydium, det.Platform)
	assert.Equal(t, token.MethodFallback, det.Method)
}

func TestDetector_ProgramLookupPath(t *testing.T) {
	lookup := &stubLookup{det: token.Detection{Platform: token.PlatformRaydium, Confidence: 0.97}}
	d := NewDetector(Config{LookupRPS: 1000}, NewMemoryCache(0), WithLookup(lookup))
	defer d.Shutdown()

	det := d.Detect(context.Background(), "NoMatchingSuffixMint11111111111111")
	assert.Equal(t, token.PlatformRaydium, det.Platform)
	assert.Equal(t, token.MethodProgramID, det.Method)

	// Second call is served from cache, no extra lookup.
	d.Detect(context.Background(), "NoMatchingSuffixMint11111111111111")
	assert.Equal(t, 1, lookup.callCount())
}

func TestDetector_LowConfidenceLookupFallsBack(t *testing.T) {
	lookup := &stubLookup{det: token.Detection{Platform: token.PlatformRaydium, Confidence: 0.5}}
	d := NewDetector(Config{LookupRPS: 1000}, NewMemoryCache(0), WithLookup(lookup))
	defer d.Shutdown()

	det := d.Detect(context.Background(), "NoMatchingSuffixMint11111111111111")
	assert.Equal(t, token.MethodFallback, det.Method)

	// Fallback verdicts are not cached; the lookup is retried next call.
	d.Detect(context.Background(), "NoMatchingSuffixMint11111111111111")
	assert.Equal(t, 2, lookup.callCount())
}

func TestDetector_AsyncEnqueuesAndResolvesOnRetry(t *testing.T) {
	lookup := &stubLookup{err: fmt.Errorf("directory down")}
	d := NewDetector(Config{LookupRPS: 1000}, NewMemoryCache(0), WithLookup(lookup))
	defer d.Shutdown()

	mint := "NoMatchingSuffixMint11111111111111"
	resolvedCh := make(chan token.Detection, 1)

	det := d.DetectAsync(mint, func(_ string, det token.Detection) {
		resolvedCh <- det
	})
	assert.Equal(t, token.PlatformUnknown, det.Platform)
	assert.Equal(t, 1, d.retry.size())

	// Make the pending item due and let the directory recover.
	lookup.mu.Lock()
	lookup.err = nil
	lookup.det = token.Detection{Platform: token.PlatformBonk, Confidence: 0.98}
	lookup.mu.Unlock()
	d.retry.mu.Lock()
	d.retry.pending[mint].nextTry = time.Now().Add(-time.Second)
	d.retry.mu.Unlock()
	d.retry.sweep()

	select {
	case resolved := <-resolvedCh:
		assert.Equal(t, token.PlatformBonk, resolved.Platform)
		assert.Equal(t, token.MethodProgramID, resolved.Method)
	case <-time.After(time.Second):
		t.Fatal("resolution callback never fired")
	}
	assert.Zero(t, d.retry.size())

	// The verdict is now memoized.
	cached := d.DetectAsync(mint, nil)
	assert.Equal(t, token.PlatformBonk, cached.Platform)
}

func TestDetector_RetryGivesUpAfterMaxAttempts(t *testing.T) {
	lookup := &stubLookup{err: fmt.Errorf("directory down")}
	d := NewDetector(Config{LookupRPS: 1000}, NewMemoryCache(0), WithLookup(lookup))
	defer d.Shutdown()

	mint := "NoMatchingSuffixMint11111111111111"
	d.DetectAsync(mint, nil)

	for i := 0; i < maxRetryAttempts+1; i++ {
		d.retry.mu.Lock()
		if item, ok := d.retry.pending[mint]; ok {
			item.nextTry = time.Now().Add(-time.Second)
		}
		d.retry.mu.Unlock()
		d.retry.sweep()
	}
	assert.Zero(t, d.retry.size())
}

func TestDetector_ClearCache(t *testing.T) {
	lookup := &stubLookup{det: token.Detection{Platform: token.PlatformRaydium, Confidence: 0.97}}
	d := NewDetector(Config{LookupRPS: 1000}, NewMemoryCache(0), WithLookup(lookup))
	defer d.Shutdown()

	mint := "NoMatchingSuffixMint11111111111111"
	d.Detect(context.Background(), mint)
	d.ClearCache()
	d.Detect(context.Background(), mint)
	assert.Equal(t, 2, lookup.callCount())
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache(10)
	det := token.Detection{Platform: token.PlatformPumpFun, Confidence: 0.99}

	c.Set("mint", det, 10*time.Millisecond)
	got, ok := c.Get("mint")
	require.True(t, ok)
	assert.Equal(t, det, got)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("mint")
	assert.False(t, ok)
}
