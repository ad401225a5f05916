package task

import (
	"encoding/json"
	"time"

	"taskflow/internal/taskerr"
)

// ResultStatus is the outcome of one task execution.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
	ResultSkipped ResultStatus = "skipped"
)

// AttachmentKind classifies a binary or text blob attached to a result.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
	AttachmentData     AttachmentKind = "data"
	AttachmentText     AttachmentKind = "text"
)

// Attachment encodings.
const (
	EncodingBase64 = "base64"
	EncodingURL    = "url"
	EncodingText   = "text"
	EncodingBinary = "binary"
)

// Attachment is a typed blob carried alongside a result. Text attachments are
// inlined into downstream prompts; binary attachments are carried forward as
// structured items and surface as multi-modal input when images.
type Attachment struct {
	Name     string         `json:"name"`
	Kind     AttachmentKind `json:"kind"`
	Encoding string         `json:"encoding"` // base64 | url | text | binary
	Mime     string         `json:"mime,omitempty"`
	Data     string         `json:"data,omitempty"`
	Path     string         `json:"path,omitempty"`
}

// IsImage reports whether the attachment can feed a vision-capable model.
func (a Attachment) IsImage() bool {
	return a.Kind == AttachmentImage
}

// Result is the outcome of one task execution attempt sequence.
type Result struct {
	TaskID          int64          `json:"taskId"`
	ProjectSequence int            `json:"projectSequence"`
	Title           string         `json:"title,omitempty"`
	Status          ResultStatus   `json:"status"`
	Output          any            `json:"output,omitempty"`
	Content         string         `json:"content,omitempty"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         time.Time      `json:"endTime"`
	Duration        time.Duration  `json:"duration"`
	Cost            float64        `json:"cost"`
	Tokens          int            `json:"tokens"`
	Retries         int            `json:"retries"`
	Provider        string         `json:"provider,omitempty"`
	Model           string         `json:"model,omitempty"`
	Error           *taskerr.Error `json:"-"`
	ErrorKind       string         `json:"errorKind,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// SetError records the failure on the result in both typed and serializable form.
func (r *Result) SetError(err *taskerr.Error) {
	r.Error = err
	if err != nil {
		r.ErrorKind = string(err.Kind)
		r.ErrorMessage = err.Error()
	}
}

// OutputJSON renders the polymorphic output as canonical JSON.
func (r *Result) OutputJSON() string {
	if r.Output == nil {
		if r.Content != "" {
			return r.Content
		}
		return "null"
	}
	data, err := json.Marshal(r.Output)
	if err != nil {
		return r.Content
	}
	return string(data)
}

// ResultsForSequences selects results whose projectSequence appears in seqs,
// preserving the order of results.
func ResultsForSequences(results []Result, seqs []int) []Result {
	want := make(map[int]struct{}, len(seqs))
	for _, s := range seqs {
		want[s] = struct{}{}
	}
	var out []Result
	for _, r := range results {
		if _, ok := want[r.ProjectSequence]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Budget caps spend for one workflow. Current totals are mutated only by the
// runner between stages.
type Budget struct {
	MaxCost       float64 `json:"maxCost" yaml:"maxCost"`
	MaxTokens     int     `json:"maxTokens" yaml:"maxTokens"`
	CurrentCost   float64 `json:"currentCost" yaml:"currentCost"`
	CurrentTokens int     `json:"currentTokens" yaml:"currentTokens"`
}

// Check fails when either cap is already reached. A zero cap means unlimited.
func (b *Budget) Check() *taskerr.Error {
	if b == nil {
		return nil
	}
	if b.MaxCost > 0 && b.CurrentCost >= b.MaxCost {
		return taskerr.New(taskerr.KindBudget, "cost budget exhausted: spent %.4f of %.4f USD", b.CurrentCost, b.MaxCost)
	}
	if b.MaxTokens > 0 && b.CurrentTokens >= b.MaxTokens {
		return taskerr.New(taskerr.KindBudget, "token budget exhausted: used %d of %d tokens", b.CurrentTokens, b.MaxTokens)
	}
	return nil
}

// CheckSpend fails when the projected spend would cross either cap. The
// executor calls this before any provider call with the attempt's estimate.
func (b *Budget) CheckSpend(estimatedCost float64, estimatedTokens int) *taskerr.Error {
	if b == nil {
		return nil
	}
	if err := b.Check(); err != nil {
		return err
	}
	if b.MaxCost > 0 && b.CurrentCost+estimatedCost > b.MaxCost {
		return taskerr.New(taskerr.KindBudget, "estimated cost %.4f USD exceeds remaining budget %.4f USD", estimatedCost, b.MaxCost-b.CurrentCost)
	}
	if b.MaxTokens > 0 && b.CurrentTokens+estimatedTokens > b.MaxTokens {
		return taskerr.New(taskerr.KindBudget, "estimated %d tokens exceed remaining budget of %d tokens", estimatedTokens, b.MaxTokens-b.CurrentTokens)
	}
	return nil
}

// Add accumulates spend from one task result.
func (b *Budget) Add(cost float64, tokens int) {
	if b == nil {
		return
	}
	b.CurrentCost += cost
	b.CurrentTokens += tokens
}
