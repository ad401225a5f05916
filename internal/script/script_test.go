package script

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskflow/internal/taskerr"
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestRunScriptCapturesStreams(t *testing.T) {
	requireBash(t)
	r := NewRunner(Config{})

	res, err := r.RunScript(context.Background(), "bash", "echo out; echo err >&2", nil)
	require.NoError(t, err)
	require.Equal(t, "out\n", res.Stdout)
	require.Equal(t, "err\n", res.Stderr)
	require.Equal(t, 0, res.ExitCode)
}

func TestRunScriptNonZeroExit(t *testing.T) {
	requireBash(t)
	r := NewRunner(Config{})

	res, err := r.RunScript(context.Background(), "bash", "echo boom >&2; exit 3", nil)
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Stderr, "boom")
}

func TestRunScriptEnvInjection(t *testing.T) {
	requireBash(t)
	r := NewRunner(Config{})

	res, err := r.RunScript(context.Background(), "bash", `echo "$TASKFLOW_VAR_MODE"`, map[string]string{"TASKFLOW_VAR_MODE": "dry-run"})
	require.NoError(t, err)
	require.Equal(t, "dry-run\n", res.Stdout)
}

func TestRunScriptUnsupportedLanguage(t *testing.T) {
	r := NewRunner(Config{})

	_, err := r.RunScript(context.Background(), "ruby", "puts 1", nil)
	require.Error(t, err)
	require.Equal(t, taskerr.KindScript, taskerr.KindOf(err))
}

func TestRunScriptTimeout(t *testing.T) {
	requireBash(t)
	r := NewRunner(Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := r.RunScript(context.Background(), "bash", "sleep 5", nil)
	require.Error(t, err)
	require.Equal(t, taskerr.KindTimeout, taskerr.KindOf(err))
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestRunScriptInterpreterOverride(t *testing.T) {
	r := NewRunner(Config{Commands: map[string]string{"python": "definitely-not-a-binary"}})

	_, err := r.RunScript(context.Background(), "python", "print(1)", nil)
	require.Error(t, err)
	require.Equal(t, taskerr.KindScript, taskerr.KindOf(err))
}

func TestLanguages(t *testing.T) {
	require.Equal(t, []string{"bash", "javascript", "python"}, Languages())
}
