package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/sergv76/imagegate/internal/cache"
	"github.com/sergv76/imagegate/internal/keypool"
	"github.com/sergv76/imagegate/internal/provider"
)

// fakeProvider scripts one response per call, keyed by call order.
type fakeProvider struct {
	name        string
	noRefImages bool
	calls       int
	usedKeys    []string
	respond     func(call int, apiKey string) (*provider.Image, error)
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeProvider) SupportsReferenceImages() bool { return !f.noRefImages }

func (f *fakeProvider) Generate(_ context.Context, apiKey string, _ provider.Request) (*provider.Image, error) {
	f.calls++
	f.usedKeys = append(f.usedKeys, apiKey)
	return f.respond(f.calls, apiKey)
}

func testPool(t *testing.T, keys []string, capacity int) *keypool.Pool {
	t.Helper()
	return keypool.New(keys, keypool.Options{
		CapacityPerKey: capacity,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func noSleep(t *testing.T, waits *[]time.Duration) func(context.Context, time.Duration) error {
	t.Helper()
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

var testImage = &provider.Image{Data: []byte{0x89, 0x50, 0x4e, 0x47}, MIMEType: "image/png"}

func TestGenerate_SuccessFirstAttempt(t *testing.T) {
	pool := testPool(t, []string{"key-a", "key-b"}, 10)
	prov := &fakeProvider{respond: func(int, string) (*provider.Image, error) {
		return testImage, nil
	}}

	o := New(pool, prov, Options{Sleep: func(context.Context, time.Duration) error { return nil }})

	res, err := o.Generate(context.Background(), "req-1", provider.Request{Prompt: "a banana"})
	require.NoError(t, err)
	assert.Equal(t, testImage, res.Image)
	assert.Equal(t, 1, res.Ordinal)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Cached)

	st := pool.Status()
	assert.Equal(t, 1, st.TotalUsage)
	assert.Equal(t, 1, st.TotalSuccess)
}

func TestGenerate_QuotaErrorRotatesToNextKey(t *testing.T) {
	pool := testPool(t, []string{"key-a", "key-b"}, 10)
	prov := &fakeProvider{respond: func(call int, _ string) (*provider.Image, error) {
		if call == 1 {
			return nil, &genai.APIError{Code: 429, Message: "quota exceeded"}
		}
		return testImage, nil
	}}

	var waits []time.Duration
	o := New(pool, prov, Options{BackoffStep: time.Second, Sleep: noSleep(t, &waits)})

	res, err := o.Generate(context.Background(), "req-1", provider.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ordinal)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"key-a", "key-b"}, prov.usedKeys)
	assert.Equal(t, []time.Duration{time.Second}, waits)

	// Slot 1 must be benched, slot 2 credited.
	snap := pool.Snapshot()
	assert.False(t, snap[0].Healthy)
	assert.Equal(t, 1, snap[0].ErrorCount)
	assert.Equal(t, 1, snap[1].SuccessCount)
}

func TestGenerate_TransientErrorKeepsKeyInRotation(t *testing.T) {
	pool := testPool(t, []string{"key-a", "key-b"}, 10)
	prov := &fakeProvider{respond: func(call int, _ string) (*provider.Image, error) {
		if call == 1 {
			return nil, errors.New("connection refused")
		}
		return testImage, nil
	}}

	var waits []time.Duration
	o := New(pool, prov, Options{BackoffStep: time.Second, Sleep: noSleep(t, &waits)})

	res, err := o.Generate(context.Background(), "req-1", provider.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	// Neither key was marked exhausted.
	for _, s := range pool.Snapshot() {
		assert.True(t, s.Healthy)
		assert.Zero(t, s.ErrorCount)
	}
}

func TestGenerate_LinearBackoffSchedule(t *testing.T) {
	pool := testPool(t, []string{"key-a"}, 10)
	prov := &fakeProvider{respond: func(int, string) (*provider.Image, error) {
		return nil, errors.New("upstream hiccup")
	}}

	var waits []time.Duration
	o := New(pool, prov, Options{MaxAttempts: 3, BackoffStep: time.Second, Sleep: noSleep(t, &waits)})

	_, err := o.Generate(context.Background(), "req-1", provider.Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, waits)
	assert.Equal(t, 3, prov.calls)
}

func TestGenerate_AllAttemptsFail(t *testing.T) {
	pool := testPool(t, []string{"key-a"}, 10)
	upstream := errors.New("bad gateway")
	prov := &fakeProvider{respond: func(int, string) (*provider.Image, error) {
		return nil, upstream
	}}

	o := New(pool, prov, Options{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }})

	_, err := o.Generate(context.Background(), "req-1", provider.Request{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream)
	assert.NotErrorIs(t, err, ErrAllKeysExhausted)
}

func TestGenerate_PoolExhaustedIsTerminal(t *testing.T) {
	pool := testPool(t, []string{"key-a"}, 1)
	prov := &fakeProvider{respond: func(int, string) (*provider.Image, error) {
		return nil, &genai.APIError{Code: 429}
	}}

	o := New(pool, prov, Options{MaxAttempts: 5, Sleep: func(context.Context, time.Duration) error { return nil }})

	_, err := o.Generate(context.Background(), "req-1", provider.Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrAllKeysExhausted)
	// The single key's quota failure consumed its capacity and benched it;
	// the loop must stop at the next acquire, not burn attempts 3..5.
	assert.Equal(t, 1, prov.calls)
}

func TestGenerate_EmptyPool(t *testing.T) {
	pool := testPool(t, nil, 10)
	prov := &fakeProvider{respond: func(int, string) (*provider.Image, error) {
		t.Fatal("provider must not be called with an empty pool")
		return nil, nil
	}}

	o := New(pool, prov, Options{Sleep: func(context.Context, time.Duration) error { return nil }})

	_, err := o.Generate(context.Background(), "req-1", provider.Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrAllKeysExhausted)
}

func TestGenerate_ContextCanceledDuringCall(t *testing.T) {
	pool := testPool(t, []string{"key-a"}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	prov := &fakeProvider{respond: func(int, string) (*provider.Image, error) {
		cancel()
		return nil, ctx.Err()
	}}

	o := New(pool, prov, Options{Sleep: func(context.Context, time.Duration) error { return nil }})

	_, err := o.Generate(ctx, "req-1", provider.Request{Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, prov.calls)
}

func TestGenerate_UnsupportedReferenceImagesSkipPool(t *testing.T) {
	pool := testPool(t, []string{"key-a"}, 10)
	prov := &fakeProvider{noRefImages: true, respond: func(int, string) (*provider.Image, error) {
		return testImage, nil
	}}

	o := New(pool, prov, Options{Sleep: func(context.Context, time.Duration) error { return nil }})

	req := provider.Request{
		Prompt: "edit this",
		Images: []provider.InputImage{{Data: []byte{1}, MIMEType: "image/png"}},
	}
	_, err := o.Generate(context.Background(), "req-1", req)
	require.ErrorIs(t, err, provider.ErrReferenceImagesUnsupported)

	// A request the backend can never serve must not cost an attempt or a
	// unit of pool capacity.
	assert.Equal(t, 0, prov.calls)
	assert.Equal(t, 0, pool.Status().TotalUsage)

	// Without images the same provider works normally.
	res, err := o.Generate(context.Background(), "req-2", provider.Request{Prompt: "plain"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
}

func TestGenerate_CacheHitSkipsPool(t *testing.T) {
	pool := testPool(t, []string{"key-a"}, 10)
	rc, err := cache.New(8, time.Minute)
	require.NoError(t, err)

	prov := &fakeProvider{respond: func(int, string) (*provider.Image, error) {
		return testImage, nil
	}}
	o := New(pool, prov, Options{Cache: rc, Sleep: func(context.Context, time.Duration) error { return nil }})

	req := provider.Request{Prompt: "same prompt"}

	first, err := o.Generate(context.Background(), "req-1", req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := o.Generate(context.Background(), "req-2", req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, testImage, second.Image)

	// One provider call, one unit of pool capacity.
	assert.Equal(t, 1, prov.calls)
	assert.Equal(t, 1, pool.Status().TotalUsage)
}

func TestNew_PanicsOnNilDeps(t *testing.T) {
	pool := testPool(t, []string{"k"}, 1)
	assert.Panics(t, func() { New(nil, &fakeProvider{}, Options{}) })
	assert.Panics(t, func() { New(pool, nil, Options{}) })
}
