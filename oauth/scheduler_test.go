package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshSchedulerSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	f.seedToken(t, "soon", Token{AccessToken: "a", RefreshToken: "r-soon", ExpiresAt: ptr(now.Add(time.Minute))})
	f.seedToken(t, "later", Token{AccessToken: "b", RefreshToken: "r-later", ExpiresAt: ptr(now.Add(time.Hour))})
	f.seedToken(t, "forever", Token{AccessToken: "c", RefreshToken: "r-forever"})
	f.seedToken(t, "norefresh", Token{AccessToken: "d", ExpiresAt: ptr(now.Add(time.Minute))})
	for _, id := range []string{"soon", "later", "forever", "norefresh"} {
		require.NoError(t, f.manager.Register(ctx, f.server.ConfidentialProvider(id)))
	}

	scheduler := NewRefreshScheduler(f.manager)
	assert.Equal(t, 1, scheduler.Sweep(ctx))
	assert.Equal(t, int32(1), f.server.refreshCount.Load())
	assert.Equal(t, "r-soon", f.server.LastForm().Get("refresh_token"))

	tok, err := f.manager.Token(ctx, "soon")
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "b", mustToken(t, f.manager, "later").AccessToken)
}

func TestRefreshSchedulerRunsOnSchedule(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.seedToken(t, "github", Token{AccessToken: "a", RefreshToken: "r0", ExpiresAt: ptr(time.Now().Add(time.Minute))})
	require.NoError(t, f.manager.Register(ctx, f.server.ConfidentialProvider("github")))

	scheduler := NewRefreshScheduler(f.manager)
	require.NoError(t, scheduler.Start(ctx))
	require.NoError(t, scheduler.Start(ctx), "second start is a no-op")

	assert.Eventually(t, func() bool { return f.server.refreshCount.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, scheduler.Stop(context.Background()))
	require.NoError(t, scheduler.Stop(context.Background()))
}

func TestRefreshSchedulerRejectsBadSchedule(t *testing.T) {
	cfg := fastConfig()
	cfg.RefreshSpec = "not a schedule"
	f := newFixture(t, WithConfig(cfg))

	err := NewRefreshScheduler(f.manager).Start(context.Background())
	assert.Error(t, err)
}

func mustToken(t *testing.T, m *Manager, id string) *Token {
	t.Helper()
	tok, err := m.Token(context.Background(), id)
	require.NoError(t, err)
	return tok
}
