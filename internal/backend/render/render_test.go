package render

import (
	"context"
	"errors"
	"go/format"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlosdotorg/atlos/internal/archive"
	"github.com/atlosdotorg/atlos/internal/ratelimit"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1}, nil)
	require.ErrorIs(t, err, ErrRendererDisabled)

	b, err := New(Config{MaxParallel: 3}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	assert.Equal(t, 3, cap(b.sem))
	assert.Equal(t, archive.BackendRender, b.ID())
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultMaxParallel, cfg.MaxParallel)
	assert.Equal(t, 3*time.Minute, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.SettleDelay)
	assert.Equal(t, 1600, cfg.Width)
	assert.Equal(t, 1200, cfg.Height)

	cfg = Config{SettleDelay: -1, Timeout: time.Second}.withDefaults()
	assert.Zero(t, cfg.SettleDelay)
	assert.Equal(t, time.Second, cfg.Timeout)
}

func TestAcquireSlotHonorsContext(t *testing.T) {
	t.Parallel()

	b := &Backend{sem: make(chan struct{}, 1)}
	release, err := b.acquireSlot(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = b.acquireSlot(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := b.acquireSlot(context.Background())
	require.NoError(t, err)
	release2()
}

func TestWaitDomainBudget(t *testing.T) {
	t.Parallel()

	b := &Backend{limiter: ratelimit.New(ratelimit.Config{RPS: 0.001})}
	require.NoError(t, b.waitDomainBudget(context.Background(), "https://Example.com/a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.waitDomainBudget(ctx, "https://example.com/b")
	require.Error(t, err, "second request to the same host must wait")

	require.NoError(t, b.waitDomainBudget(context.Background(), "https://other.example/"))

	unlimited := &Backend{limiter: ratelimit.New(ratelimit.Config{})}
	require.NoError(t, unlimited.waitDomainBudget(context.Background(), "::bad url"))
}

func TestPersistWritesAllFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files, err := persist(dir, capture{
		viewport: []byte("vp"),
		fullPage: []byte("fp"),
		pdf:      []byte("%PDF"),
	})
	require.NoError(t, err)
	require.Len(t, files, 3)

	kinds := []archive.Kind{}
	for _, f := range files {
		assert.FileExists(t, f.Path)
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []archive.Kind{
		archive.KindViewportScreenshot,
		archive.KindFullPageScreenshot,
		archive.KindPDF,
	}, kinds)
	assert.Equal(t, filepath.Join(dir, "page.pdf"), files[2].Path)
}

func TestPersistIsAllOrNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := persist(dir, capture{viewport: []byte("vp"), fullPage: []byte("fp")})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCaptureWithoutBrowserFails(t *testing.T) {
	t.Parallel()

	b, err := New(Config{
		ExecPath:    filepath.Join(t.TempDir(), "no-such-chrome"),
		Timeout:     5 * time.Second,
		SettleDelay: -1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	dir := t.TempDir()
	res, err := b.Capture(context.Background(), "https://example.com", dir)
	require.NoError(t, err)
	assert.False(t, res.Succeeded)
	assert.NotEmpty(t, res.Err)
	assert.Empty(t, res.Files)
	assert.Nil(t, res.PageInfo)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
		assert.True(t, errors.Is(child.Err(), context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("parent cancellation was not forwarded")
	}
}

func TestRenderSourceIsGofmtClean(t *testing.T) {
	t.Parallel()

	src, err := os.ReadFile("render.go")
	require.NoError(t, err)
	formatted, err := format.Source(src)
	require.NoError(t, err)
	assert.Equal(t, string(formatted), string(src))
}
