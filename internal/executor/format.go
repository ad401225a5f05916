package executor

import (
	"fmt"
	"strings"

	"taskflow/internal/provider"
	"taskflow/internal/task"
)

// formatInstructions is the closed set of output formats a task can request.
// Anything else is ignored rather than guessed at.
var formatInstructions = map[string]string{
	"text":     "Respond in plain text without any markup.",
	"markdown": "Respond in well-structured Markdown.",
	"html":     "Respond with a complete, valid HTML document.",
	"pdf":      "Respond with content structured for PDF rendering: headings, paragraphs, and lists.",
	"json":     "Respond with valid JSON only. No prose or markdown fences around the value.",
	"yaml":     "Respond with valid YAML only.",
	"csv":      "Respond with CSV data only, first line being the header row.",
	"sql":      "Respond with executable SQL statements only.",
	"shell":    "Respond with executable shell commands only, one per line.",
	"mermaid":  "Respond with a Mermaid diagram definition only.",
	"svg":      "Respond with a complete SVG document only.",
	"png":      "Generate an image.",
	"mp4":      "Produce video content.",
	"mp3":      "Produce audio content.",
	"diff":     "Respond with a unified diff only.",
	"log":      "Respond in log format: one timestamped entry per line.",
	"code":     "Respond with source code only. No explanation outside code comments.",
}

// formatInstruction renders the "Output Format" instruction for a requested
// format. Unknown formats produce nothing.
func formatInstruction(format, codeLanguage string) string {
	key := strings.ToLower(strings.TrimSpace(format))
	instruction, ok := formatInstructions[key]
	if !ok {
		return ""
	}
	if key == "code" && codeLanguage != "" {
		return fmt.Sprintf("Respond with %s source code only. No explanation outside code comments.", codeLanguage)
	}
	return instruction
}

// kindMap translates provider result kinds into attachment kinds.
var kindMap = map[provider.Kind]task.AttachmentKind{
	provider.KindImage:    task.AttachmentImage,
	provider.KindAudio:    task.AttachmentAudio,
	provider.KindVideo:    task.AttachmentVideo,
	provider.KindDocument: task.AttachmentDocument,
	provider.KindData:     task.AttachmentData,
}

var encodingMap = map[provider.Format]string{
	provider.FormatBase64: task.EncodingBase64,
	provider.FormatURL:    task.EncodingURL,
	provider.FormatBinary: task.EncodingBinary,
	provider.FormatPlain:  task.EncodingText,
}

var extensionByMime = map[string]string{
	"image/png":       "png",
	"image/jpeg":      "jpg",
	"image/webp":      "webp",
	"image/gif":       "gif",
	"audio/mpeg":      "mp3",
	"video/mp4":       "mp4",
	"application/pdf": "pdf",
}

// attachmentFromAIResult maps a non-text AI result into a typed attachment.
func attachmentFromAIResult(t *task.Task, res *provider.AIResult) (task.Attachment, bool) {
	kind, ok := kindMap[res.Kind]
	if !ok || res.Value == "" {
		return task.Attachment{}, false
	}

	encoding, ok := encodingMap[res.Format]
	if !ok {
		encoding = task.EncodingBinary
	}
	ext := extensionByMime[res.Mime]
	if ext == "" {
		ext = strings.ToLower(t.ExpectedOutputFormat)
	}
	if ext == "" {
		ext = "bin"
	}

	return task.Attachment{
		Name:     fmt.Sprintf("task-%d-output.%s", t.ProjectSequence, ext),
		Kind:     kind,
		Encoding: encoding,
		Mime:     res.Mime,
		Data:     res.Value,
	}, true
}
