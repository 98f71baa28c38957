package surface

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/GoCodeAlone/modhost/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mutex  sync.Mutex
	urls   []string
	result oauth.CallbackResult
}

func (h *recordingHandler) HandleCallback(ctx context.Context, rawURL string) oauth.CallbackResult {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.urls = append(h.urls, rawURL)
	return h.result
}

func TestBrowserCommand(t *testing.T) {
	tests := []struct {
		goos string
		name string
	}{
		{"darwin", "open"},
		{"windows", "rundll32"},
		{"linux", "xdg-open"},
	}
	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			name, args, err := browserCommand(tt.goos, "https://example.com")
			require.NoError(t, err)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, "https://example.com", args[len(args)-1])
		})
	}

	_, _, err := browserCommand("plan9", "https://example.com")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestRecordingOpener(t *testing.T) {
	inner := NewRecordingOpener(nil)
	outer := NewRecordingOpener(inner)
	require.NoError(t, outer.Open(context.Background(), "https://a"))
	require.NoError(t, outer.Open(context.Background(), "https://b"))
	assert.Equal(t, []string{"https://a", "https://b"}, outer.URLs())
	assert.Equal(t, outer.URLs(), inner.URLs())
}

func TestCallbackServerHandler(t *testing.T) {
	handler := &recordingHandler{result: oauth.CallbackResult{Success: true, Provider: "github"}}
	srv, err := NewCallbackServer("http://localhost:8085/oauth/callback", handler)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?code=abc&state=xyz", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Connected to github")
	require.Len(t, handler.urls, 1)
	assert.Equal(t, "http://localhost:8085/oauth/callback?code=abc&state=xyz", handler.urls[0])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackServerFailurePage(t *testing.T) {
	handler := &recordingHandler{result: oauth.CallbackResult{Error: "Invalid state - possible CSRF"}}
	srv, err := NewCallbackServer("http://localhost:8085/cb", handler)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/cb?state=foo", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid state - possible CSRF")
}

func TestCallbackServerListens(t *testing.T) {
	handler := &recordingHandler{result: oauth.CallbackResult{Success: true, Provider: "github"}}
	srv, err := NewCallbackServer("http://localhost:8085/cb", handler, WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)

	assert.ErrorIs(t, srv.Stop(context.Background()), ErrNotStarted)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/cb?code=1&state=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "github"))
}

func TestNewCallbackServerRejectsBadURI(t *testing.T) {
	_, err := NewCallbackServer("not a uri", &recordingHandler{})
	assert.ErrorIs(t, err, ErrInvalidRedirectURI)
}
