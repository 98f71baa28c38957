package cmd_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/cmd/modhost/cmd"
	"github.com/GoCodeAlone/modhost/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := cmd.NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "execution contexts")
	for _, sub := range []string{"run", "call", "hub", "config", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "modhost v")
	assert.Equal(t, cmd.PrintVersion()+"\n", out)
}

func TestConfigSample(t *testing.T) {
	out, err := execute(t, "config", "sample")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "modhost", doc["name"])

	path := filepath.Join(t.TempDir(), "modhost.yaml")
	out, err = execute(t, "config", "sample", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	out, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "clientId: your-client-id")
}

func TestConfigShowRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  engine: carrier-pigeon\n"), 0o600))
	_, err := execute(t, "config", "show", "-c", path)
	assert.Error(t, err)
}

func TestCallArguments(t *testing.T) {
	args := cmd.CallArguments([]string{"github", "42", `{"a":1}`, "true"})
	require.Len(t, args, 4)
	assert.JSONEq(t, `"github"`, string(args[0]))
	assert.JSONEq(t, `42`, string(args[1]))
	assert.JSONEq(t, `{"a":1}`, string(args[2]))
	assert.JSONEq(t, `true`, string(args[3]))
}

func TestCallCommand(t *testing.T) {
	var gotPath string
	var gotBody []json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/call/page/tokens.revoke" {
			_ = json.NewEncoder(w).Encode(modhost.Envelope{Error: "provider not allowed"})
			return
		}
		_ = json.NewEncoder(w).Encode(modhost.Envelope{Success: true, Result: json.RawMessage(`"fresh-token"`)})
	}))
	t.Cleanup(srv.Close)

	out, err := execute(t, "call", "--admin", srv.URL, "page", "tokens.getToken", "github")
	require.NoError(t, err)
	assert.Equal(t, "\"fresh-token\"\n", out)
	assert.Equal(t, "/call/page/tokens.getToken", gotPath)
	require.Len(t, gotBody, 1)
	assert.JSONEq(t, `"github"`, string(gotBody[0]))

	_, err = execute(t, "call", "--admin", srv.URL, "page", "tokens.revoke", "github")
	require.ErrorIs(t, err, cmd.ErrCallFailed)
	assert.Contains(t, err.Error(), "provider not allowed")
}

func TestCallCommandNeedsArguments(t *testing.T) {
	_, err := execute(t, "call", "page")
	assert.Error(t, err)
}

func TestHubRouter(t *testing.T) {
	srv := httptest.NewServer(cmd.NewHubRouter(transport.NewWSHub(), "/ws"))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health struct {
		Status    string `json:"status"`
		Connected int    `json:"connected"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.Connected)

	resp, err = http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "an endpoint must identify itself")
}

func TestDefaultCatalog(t *testing.T) {
	catalog, err := cmd.DefaultCatalog()
	require.NoError(t, err)
	assert.Equal(t, []string{"tokens", "diagnostics"}, catalog.Names())
}
