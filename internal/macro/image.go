package macro

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"taskflow/internal/logging"
)

const (
	// inlineImageThreshold is the size above which bare base64 content is
	// treated as an image and moved out of the prompt.
	inlineImageThreshold = 50 * 1024

	imageSpillDir = "workflow-manager-images"
)

var dataURLImagePattern = regexp.MustCompile(`^data:(image/[a-zA-Z0-9.+-]+);base64,([A-Za-z0-9+/=\s]+)$`)

var extensionByMime = map[string]string{
	"image/png":     "png",
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/gif":     "gif",
	"image/webp":    "webp",
	"image/svg+xml": "svg",
	"image/bmp":     "bmp",
}

// spillInlineImage detects base64 image payloads in extracted content and
// writes them to a temp file, substituting the file path. Non-image content
// and small payloads pass through untouched.
func spillInlineImage(ctx *Context, taskID int64, content string) string {
	mime, payload, ok := detectInlineImage(content)
	if !ok {
		return content
	}
	path, err := writeImageFile(ctx, taskID, mime, payload)
	if err != nil {
		logging.OrNop(ctx.Logger).Warn("failed to spill inline image for task %d: %v", taskID, err)
		return content
	}
	return path
}

func detectInlineImage(content string) (mime, payload string, ok bool) {
	trimmed := strings.TrimSpace(content)
	if m := dataURLImagePattern.FindStringSubmatch(trimmed); m != nil {
		return m[1], m[2], true
	}
	if len(trimmed) >= inlineImageThreshold && isBase64(trimmed) {
		return "image/png", trimmed, true
	}
	return "", "", false
}

func isBase64(s string) bool {
	padding := 0
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '/':
			if padding > 0 {
				return false
			}
		case r == '=':
			padding++
			if padding > 2 {
				return false
			}
		case r == '\n' || r == '\r':
			continue
		default:
			return false
		}
	}
	return true
}

func writeImageFile(ctx *Context, taskID int64, mime, payload string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, payload)

	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", fmt.Errorf("decode base64 image: %w", err)
	}

	root := ctx.TempDir
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, imageSpillDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	ext := extensionByMime[mime]
	if ext == "" {
		ext = "png"
	}
	path := filepath.Join(dir, fmt.Sprintf("task-%d-%d.%s", taskID, ctx.now().UnixMilli(), ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write image file: %w", err)
	}
	logging.OrNop(ctx.Logger).Debug("spilled %d byte inline image for task %d to %s", len(data), taskID, path)
	return path, nil
}
