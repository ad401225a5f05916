// Package script runs task scripts in a separate interpreter process. The
// script body is written to a temp file and executed with a scrubbed working
// directory; stdout and stderr are captured separately so the executor can
// parse structured output.
package script

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"taskflow/internal/logging"
	"taskflow/internal/ports"
	"taskflow/internal/taskerr"
)

// DefaultTimeout bounds a single script run when the caller's context has no
// earlier deadline.
const DefaultTimeout = 2 * time.Minute

// interpreter describes how one language is launched.
type interpreter struct {
	command   string
	args      []string
	extension string
}

var interpreters = map[string]interpreter{
	"javascript": {command: "node", extension: ".js"},
	"python":     {command: "python3", extension: ".py"},
	"bash":       {command: "bash", extension: ".sh"},
}

// Runner implements ports.ScriptExecutor with per-language interpreters.
type Runner struct {
	workDir  string
	timeout  time.Duration
	commands map[string]string // language -> interpreter override
	logger   logging.Logger
}

// Config tunes a Runner. Zero values pick temp working dirs, the default
// timeout, and the standard interpreters.
type Config struct {
	WorkDir  string
	Timeout  time.Duration
	Commands map[string]string
	Logger   logging.Logger
}

// NewRunner builds a script Runner.
func NewRunner(cfg Config) *Runner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		workDir:  cfg.WorkDir,
		timeout:  timeout,
		commands: cfg.Commands,
		logger:   logging.OrNop(cfg.Logger),
	}
}

// Languages lists the supported script languages in sorted order.
func Languages() []string {
	out := make([]string, 0, len(interpreters))
	for lang := range interpreters {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// RunScript executes one script. A non-zero exit is not an error here: the
// result carries the exit code and both streams, and the executor decides how
// to treat it.
func (r *Runner) RunScript(ctx context.Context, language, source string, env map[string]string) (*ports.ScriptResult, error) {
	lang := strings.ToLower(strings.TrimSpace(language))
	spec, ok := interpreters[lang]
	if !ok {
		return nil, taskerr.New(taskerr.KindScript, "unsupported script language %q (supported: %s)", language, strings.Join(Languages(), ", "))
	}
	command := spec.command
	if override, ok := r.commands[lang]; ok && override != "" {
		command = override
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, taskerr.Wrap(taskerr.KindScript, err, "interpreter %q for %s not found", command, lang)
	}

	dir, err := r.scratchDir()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "task"+spec.extension)
	if err := os.WriteFile(path, []byte(source), 0o600); err != nil {
		return nil, taskerr.Wrap(taskerr.KindScript, err, "write script file")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), spec.args...), path)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	cmd.Env = mergedEnv(env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	r.logger.Debug("script %s finished in %v (exit err: %v)", lang, time.Since(start), runErr)

	result := &ports.ScriptResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		// The kill on context expiry surfaces as an ExitError, so the
		// context check has to come first.
		if ctx.Err() != nil {
			return nil, taskerr.Wrap(taskerr.KindTimeout, ctx.Err(), "script %s timed out", lang)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, taskerr.Wrap(taskerr.KindScript, runErr, "run %s script", lang)
		}
	}
	return result, nil
}

func (r *Runner) scratchDir() (string, error) {
	if r.workDir != "" {
		if err := os.MkdirAll(r.workDir, 0o755); err != nil {
			return "", taskerr.Wrap(taskerr.KindScript, err, "create script work dir")
		}
	}
	dir, err := os.MkdirTemp(r.workDir, "taskflow-script-")
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindScript, err, "create script scratch dir")
	}
	return dir, nil
}

// mergedEnv layers the task env over the process env, task values winning.
func mergedEnv(env map[string]string) []string {
	merged := os.Environ()
	if len(env) == 0 {
		return merged
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}
