// Package outputs delivers output-task content to its targets: local files,
// notification channels, and HTTP endpoints. Overwrites of existing files are
// diffed so the log shows what changed.
package outputs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"taskflow/internal/logging"
	"taskflow/internal/ports"
	"taskflow/internal/taskerr"
)

const defaultPostTimeout = 30 * time.Second

// Notifier delivers a message to one named channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, channel, content string) error
}

// Dispatcher implements ports.OutputProvider.
type Dispatcher struct {
	client    *http.Client
	notifiers map[string]Notifier
	fallback  Notifier
	logger    logging.Logger
}

// Config wires a Dispatcher. With no notifiers a console notifier writing to
// stdout is installed as the fallback.
type Config struct {
	Client    *http.Client
	Notifiers []Notifier
	Logger    logging.Logger
}

// NewDispatcher builds an output Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultPostTimeout}
	}
	d := &Dispatcher{
		client:    client,
		notifiers: make(map[string]Notifier),
		logger:    logging.OrNop(cfg.Logger),
	}
	for _, n := range cfg.Notifiers {
		d.notifiers[n.Name()] = n
		if d.fallback == nil {
			d.fallback = n
		}
	}
	if d.fallback == nil {
		console := NewConsoleNotifier(os.Stdout)
		d.notifiers[console.Name()] = console
		d.fallback = console
	}
	return d
}

// WriteFile writes or appends req.Content at req.Path, creating parent
// directories. Overwriting an existing file logs a change summary.
func (d *Dispatcher) WriteFile(ctx context.Context, req ports.OutputRequest) error {
	if req.Path == "" {
		return taskerr.New(taskerr.KindOutput, "file output has no path")
	}
	if err := ctx.Err(); err != nil {
		return taskerr.Wrap(taskerr.KindCancelled, err, "write %s", req.Path)
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return taskerr.Wrap(taskerr.KindOutput, err, "create parent dir for %s", req.Path)
	}

	if strings.EqualFold(req.Mode, "append") {
		f, err := os.OpenFile(req.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return taskerr.Wrap(taskerr.KindOutput, err, "open %s for append", req.Path)
		}
		defer f.Close()
		if _, err := f.WriteString(req.Content); err != nil {
			return taskerr.Wrap(taskerr.KindOutput, err, "append to %s", req.Path)
		}
		return nil
	}

	if prev, err := os.ReadFile(req.Path); err == nil && string(prev) != req.Content {
		added, removed := DiffStats(string(prev), req.Content)
		d.logger.Info("overwriting %s: +%d/-%d chars", req.Path, added, removed)
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		return taskerr.Wrap(taskerr.KindOutput, err, "write %s", req.Path)
	}
	return nil
}

// SendNotification routes req.Content to the channel's notifier, falling back
// to the default when the channel is unknown.
func (d *Dispatcher) SendNotification(ctx context.Context, req ports.OutputRequest) error {
	notifier := d.fallback
	if req.Channel != "" {
		if n, ok := d.notifiers[req.Channel]; ok {
			notifier = n
		}
	}
	if notifier == nil {
		return taskerr.New(taskerr.KindOutput, "no notifier configured for channel %q", req.Channel)
	}
	if err := notifier.Send(ctx, req.Channel, req.Content); err != nil {
		return taskerr.Wrap(taskerr.KindOutput, err, "notify channel %q", req.Channel)
	}
	return nil
}

// PostHTTP posts req.Content to req.URL with the request headers. JSON-looking
// content defaults to application/json.
func (d *Dispatcher) PostHTTP(ctx context.Context, req ports.OutputRequest) error {
	if req.URL == "" {
		return taskerr.New(taskerr.KindOutput, "http output has no url")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, strings.NewReader(req.Content))
	if err != nil {
		return taskerr.Wrap(taskerr.KindOutput, err, "build post to %s", req.URL)
	}
	httpReq.Header.Set("Content-Type", contentTypeFor(req.Content))
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return taskerr.Wrap(taskerr.KindOutput, err, "post to %s", req.URL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		postErr := taskerr.New(taskerr.KindOutput, "post to %s: status %d", req.URL, resp.StatusCode)
		postErr.StatusCode = resp.StatusCode
		return postErr
	}
	return nil
}

// DiffStats counts inserted and deleted characters between two versions.
func DiffStats(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	for _, d := range dmp.DiffMain(before, after, false) {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return added, removed
}

// RenderDiff returns a human-readable char-level diff between two versions.
func RenderDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	return dmp.DiffPrettyText(dmp.DiffCleanupSemantic(diffs))
}

// ConsoleNotifier prints notifications to a writer.
type ConsoleNotifier struct {
	w io.Writer
}

// NewConsoleNotifier builds a console notifier.
func NewConsoleNotifier(w io.Writer) *ConsoleNotifier {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleNotifier{w: w}
}

func (c *ConsoleNotifier) Name() string { return "console" }

func (c *ConsoleNotifier) Send(_ context.Context, channel, content string) error {
	label := channel
	if label == "" {
		label = "notification"
	}
	_, err := fmt.Fprintf(c.w, "[%s] %s\n", label, content)
	return err
}

func contentTypeFor(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}
