package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n  type: file\n  path: " + filepath.Join(dir, "jobs") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSubmitThenGet(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "submit", "--priority", "high", "--tag", "ops", "echo", "hi")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	out, err = execute(t, "--config", cfg, "get", id)
	require.NoError(t, err)
	assert.Contains(t, out, "status:      pending")
	assert.Contains(t, out, "priority:    high")
	assert.Contains(t, out, "shell:echo hi")
	assert.Contains(t, out, "ops")
}

func TestSubmitRejectsBadInput(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, "--config", cfg, "submit", "--priority", "mega", "echo", "hi")
	require.Error(t, err)

	_, err = execute(t, "--config", cfg, "submit", "--params", "{broken", "echo", "hi")
	require.Error(t, err)
}

func TestListFiltersByStatus(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, "--config", cfg, "submit", "--name", "one", "echo", "one")
	require.NoError(t, err)
	_, err = execute(t, "--config", cfg, "submit", "--name", "two", "echo", "two")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "list", "--status", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "one")
	assert.Contains(t, out, "two")

	out, err = execute(t, "--config", cfg, "list", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "no jobs")

	_, err = execute(t, "--config", cfg, "list", "--status", "bogus")
	require.Error(t, err)
}

func TestCancelStoredJob(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "submit", "sleep", "100")
	require.NoError(t, err)
	id := strings.TrimSpace(out)

	out, err = execute(t, "--config", cfg, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	// Already terminal.
	_, err = execute(t, "--config", cfg, "cancel", id)
	require.Error(t, err)

	_, err = execute(t, "--config", cfg, "cancel", "no-such-id")
	require.Error(t, err)
}

func TestStatsAndHealth(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, "--config", cfg, "submit", "echo", "hi")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "total:     1")
	assert.Contains(t, out, "pending")

	out, err = execute(t, "--config", cfg, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
}

func TestCleanupRemovesTerminalJobs(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "submit", "echo", "hi")
	require.NoError(t, err)
	id := strings.TrimSpace(out)

	_, err = execute(t, "--config", cfg, "cancel", id)
	require.NoError(t, err)

	out, err = execute(t, "--config", cfg, "cleanup", "--days", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 jobs")

	_, err = execute(t, "--config", cfg, "get", id)
	require.Error(t, err)
}
