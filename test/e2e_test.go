package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2E_Server(t *testing.T) {
	if os.Getenv("GEMINI_API_KEY") == "" {
		t.Skip("GEMINI_API_KEY not set")
	}

	// Build the server
	tempDir := t.TempDir()
	serverBin := filepath.Join(tempDir, "server")

	cmd := exec.Command("go", "build", "-o", serverBin, "../cmd/server")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "Failed to build server:\n%s", out)

	// Start the server
	port := "8081"
	serverCmd := exec.Command(serverBin)
	serverCmd.Env = append(os.Environ(),
		"PORT="+port,
		"RLM_STORE_PATH="+filepath.Join(tempDir, "sessions.db"),
	)
	serverCmd.Stdout = os.Stdout
	serverCmd.Stderr = os.Stderr
	require.NoError(t, serverCmd.Start())
	defer serverCmd.Process.Kill()

	base := fmt.Sprintf("http://localhost:%s", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 100*time.Millisecond, "server did not become healthy")

	reqBody := []byte(`{"query": "What is the total number of fruit?", "context": "Alice has 3 apples. Bob has 4 pears.", "max_iterations": 4}`)
	resp, err := http.Post(base+"/completion", "application/json", bytes.NewBuffer(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

	if errMsg, ok := result["failure_reason"].(string); ok {
		if strings.Contains(errMsg, "Quota exceeded") || strings.Contains(errMsg, "429") {
			t.Skipf("Quota exceeded, skipping test: %s", errMsg)
		}
	}
	// A live model may run out of turns; both outcomes carry a full session.
	require.Contains(t, []int{http.StatusOK, http.StatusUnprocessableEntity}, resp.StatusCode, "response: %v", result)
	assert.NotEmpty(t, result["transcript"])

	id, _ := result["session_id"].(string)
	require.NotEmpty(t, id)
	got, err := http.Get(base + "/sessions/" + id)
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)
}
