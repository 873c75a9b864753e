package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/signing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, apiURL string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(`server:
  public_url: https://app.example.com
logging:
  level: error
  format: json
  output: stderr
scheduler:
  api:
    base_url: %s
    public_key: public
    private_key: private
  connections:
    - name: reports
      key: reports-key
`, apiURL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSign(t *testing.T) {
	body := `{"uuid":"u-1","job":"jobs.Ping@handle"}`

	out, err := execute(t, "sign", "--id", "42", "--processed-at", "1700000000", "--body", body, "--key", "secret")
	require.NoError(t, err)

	want := signing.Digest("secret", "42", "1700000000", []byte(body))
	assert.Contains(t, out, "X-NF-JOB-ID: 42\n")
	assert.Contains(t, out, "X-NF-JOB-PROCESSED-AT: 1700000000\n")
	assert.Contains(t, out, "X-NF-DIGEST: "+want+"\n")
}

func TestSign_KeyFromConfig(t *testing.T) {
	cfgPath := writeConfig(t, "https://api.example.com")

	bodyPath := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(bodyPath, []byte("{}\n"), 0o600))

	out, err := execute(t, "--config", cfgPath, "sign", "--id", "7", "--processed-at", "1", "--body-file", bodyPath)
	require.NoError(t, err)

	// the signing key defaults to the API public key
	assert.Contains(t, out, "X-NF-DIGEST: "+signing.Digest("public", "7", "1", []byte("{}")))
}

func TestSign_RequiresID(t *testing.T) {
	_, err := execute(t, "sign", "--key", "secret")
	assert.Error(t, err)
}

func TestPush(t *testing.T) {
	var got map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/scheduler/jobs") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":991}`))
	}))
	defer api.Close()

	out, err := execute(t, "--config", writeConfig(t, api.URL), "push", "jobs.Ping@handle",
		"--data", `{"message":"hi"}`, "--label", "Smoke test", "--connection", "reports")
	require.NoError(t, err)

	assert.Equal(t, "Job submitted: 991\n", out)
	assert.Equal(t, "post", got["method"])
	assert.Equal(t, "https://app.example.com/.well-known/netflex/scheduler", got["url"])
	assert.True(t, strings.HasPrefix(got["name"].(string), "Smoke test ("))
}

func TestPush_Rejected(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "invalid data", args: []string{"push", "jobs.Ping@handle", "--data", "{"}},
		{name: "missing handler", args: []string{"push"}},
		{name: "unknown connection", args: []string{"push", "jobs.Ping@handle", "--connection", "billing"}},
	}

	cfgPath := writeConfig(t, "https://api.example.com")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--config", cfgPath}, tt.args...)...)
			assert.Error(t, err)
		})
	}
}

func TestSize(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scheduler/queue/reports/size", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"size":3}`))
	}))
	defer api.Close()

	out, err := execute(t, "--config", writeConfig(t, api.URL), "size", "reports")
	require.NoError(t, err)
	assert.Equal(t, "reports: 3\n", out)
}
