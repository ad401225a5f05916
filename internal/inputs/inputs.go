// Package inputs resolves input tasks: interactive user prompts, local files,
// and remote resources. HTML responses are reduced to readable text so
// downstream AI tasks see content instead of markup.
package inputs

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"taskflow/internal/logging"
	"taskflow/internal/ports"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

const (
	// maxRemoteBytes caps remote fetches; anything larger is truncated.
	maxRemoteBytes = 4 << 20
	// maxLocalBytes caps local file reads.
	maxLocalBytes = 16 << 20

	defaultFetchTimeout = 30 * time.Second
)

// Provider implements ports.InputProvider.
type Provider struct {
	stdin   io.Reader
	client  *http.Client
	tokens  map[string]string // authType -> bearer token
	logger  logging.Logger
	isTTY   func() bool
	prompts func(label string) (string, error)
}

// Config wires a Provider. Zero values use os.Stdin, a default HTTP client,
// and real TTY detection.
type Config struct {
	Stdin  io.Reader
	Client *http.Client
	Tokens map[string]string
	Logger logging.Logger
}

// NewProvider builds an input Provider.
func NewProvider(cfg Config) *Provider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	stdin := cfg.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	p := &Provider{
		stdin:  stdin,
		client: client,
		tokens: cfg.Tokens,
		logger: logging.OrNop(cfg.Logger),
	}
	p.isTTY = func() bool {
		f, ok := p.stdin.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	}
	p.prompts = func(label string) (string, error) {
		prompt := promptui.Prompt{Label: label}
		return prompt.Run()
	}
	return p
}

// RequestUserInput asks the user on an interactive terminal, or reads piped
// stdin otherwise. Blocks until input arrives or ctx ends.
func (p *Provider) RequestUserInput(ctx context.Context, req ports.InputRequest) (*ports.InputResult, error) {
	label := strings.TrimSpace(req.Prompt)
	if label == "" {
		label = "Input required"
	}

	type answer struct {
		text string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		if p.isTTY() {
			text, err := p.prompts(label)
			ch <- answer{text: text, err: err}
			return
		}
		data, err := io.ReadAll(io.LimitReader(p.stdin, maxLocalBytes))
		ch <- answer{text: strings.TrimRight(string(data), "\n"), err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, taskerr.Wrap(taskerr.KindCancelled, ctx.Err(), "waiting for user input")
	case a := <-ch:
		if a.err != nil {
			return nil, taskerr.Wrap(taskerr.KindInput, a.err, "read user input")
		}
		return &ports.InputResult{Text: a.text}, nil
	}
}

// ReadLocalFile loads req.Path. Text files come back as Text; binary files
// become a base64 attachment.
func (p *Provider) ReadLocalFile(ctx context.Context, req ports.InputRequest) (*ports.InputResult, error) {
	if req.Path == "" {
		return nil, taskerr.New(taskerr.KindInput, "file input has no path")
	}
	if err := checkExtension(req.Path, req.AcceptedExtensions); err != nil {
		return nil, err
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInput, err, "stat input file %s", req.Path)
	}
	if info.Size() > maxLocalBytes {
		return nil, taskerr.New(taskerr.KindInput, "input file %s is %d bytes, limit is %d", req.Path, info.Size(), maxLocalBytes)
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInput, err, "read input file %s", req.Path)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(req.Path))
	if isTextPayload(mimeType, data) {
		return &ports.InputResult{Text: string(data)}, nil
	}
	return &ports.InputResult{
		Attachments: []task.Attachment{{
			Name:     filepath.Base(req.Path),
			Kind:     attachmentKind(mimeType),
			Encoding: task.EncodingBase64,
			Mime:     mimeType,
			Data:     base64.StdEncoding.EncodeToString(data),
			Path:     req.Path,
		}},
	}, nil
}

// FetchRemoteResource GETs req.URL. HTML is reduced to readable text, other
// text content-types pass through, and binary responses become attachments.
func (p *Provider) FetchRemoteResource(ctx context.Context, req ports.InputRequest) (*ports.InputResult, error) {
	if req.URL == "" {
		return nil, taskerr.New(taskerr.KindInput, "remote input has no url")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInput, err, "build request for %s", req.URL)
	}
	httpReq.Header.Set("User-Agent", "taskflow/1.0")
	if token := p.tokens[req.AuthType]; token != "" && req.AuthType != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInput, err, "fetch %s", req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := taskerr.New(taskerr.KindInput, "fetch %s: status %d", req.URL, resp.StatusCode)
		err.StatusCode = resp.StatusCode
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBytes))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInput, err, "read body of %s", req.URL)
	}

	contentType := resp.Header.Get("Content-Type")
	mimeType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mimeType = parsed
	}

	switch {
	case strings.Contains(mimeType, "html"):
		text, err := extractReadableText(data)
		if err != nil {
			p.logger.Warn("extracting text from %s: %v, falling back to raw body", req.URL, err)
			return &ports.InputResult{Text: string(data)}, nil
		}
		return &ports.InputResult{Text: text}, nil
	case isTextPayload(mimeType, data):
		return &ports.InputResult{Text: string(data)}, nil
	default:
		return &ports.InputResult{
			Attachments: []task.Attachment{{
				Name:     remoteName(req.URL),
				Kind:     attachmentKind(mimeType),
				Encoding: task.EncodingBase64,
				Mime:     mimeType,
				Data:     base64.StdEncoding.EncodeToString(data),
			}},
		}, nil
	}
}

// extractReadableText strips scripts, styling, and navigation chrome from an
// HTML document and returns its visible text, one block per line.
func extractReadableText(html []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(html)))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, nav, header, footer, iframe, svg").Remove()

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var blocks []string
	root.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, th").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Filter("p, li, pre").Length() > 0 {
			return
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		text := strings.Join(strings.Fields(root.Text()), " ")
		if text == "" {
			return "", fmt.Errorf("no readable text")
		}
		return text, nil
	}
	return strings.Join(blocks, "\n"), nil
}

func checkExtension(path string, accepted []string) error {
	if len(accepted) == 0 {
		return nil
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, a := range accepted {
		if ext == strings.ToLower(strings.TrimPrefix(a, ".")) {
			return nil
		}
	}
	return taskerr.New(taskerr.KindInput, "file %s has extension %q, accepted: %s", path, ext, strings.Join(accepted, ", "))
}

func isTextPayload(mimeType string, data []byte) bool {
	switch {
	case strings.HasPrefix(mimeType, "text/"),
		strings.Contains(mimeType, "json"),
		strings.Contains(mimeType, "xml"),
		strings.Contains(mimeType, "yaml"),
		strings.Contains(mimeType, "csv"):
		return true
	}
	if mimeType != "" && !strings.HasPrefix(mimeType, "application/octet-stream") {
		return false
	}
	return utf8.Valid(data) && !containsNUL(data)
}

func containsNUL(data []byte) bool {
	for _, b := range data {
		if b == 0 {
			return true
		}
	}
	return false
}

func attachmentKind(mimeType string) task.AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return task.AttachmentImage
	case strings.HasPrefix(mimeType, "audio/"):
		return task.AttachmentAudio
	case strings.HasPrefix(mimeType, "video/"):
		return task.AttachmentVideo
	case strings.Contains(mimeType, "pdf"), strings.Contains(mimeType, "word"), strings.Contains(mimeType, "document"):
		return task.AttachmentDocument
	default:
		return task.AttachmentData
	}
}

func remoteName(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx < len(trimmed)-1 {
		name := trimmed[idx+1:]
		if q := strings.IndexByte(name, '?'); q >= 0 {
			name = name[:q]
		}
		if name != "" {
			return name
		}
	}
	return "remote-resource"
}
