// Package knowledge maintains a vector index over completed task results so
// prompt assembly can recall similar past work. Indexing is best-effort; the
// runner never fails a workflow over it.
package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"taskflow/internal/logging"
	"taskflow/internal/task"
	"taskflow/internal/taskerr"
)

const (
	collectionName = "task-results"

	// maxDocChars bounds how much of a result body gets indexed.
	maxDocChars = 2000

	defaultTopK = 3
)

// Index stores result documents and answers similarity queries. It satisfies
// both the runner's ResultIndexer and the AI service's KnowledgeRecaller.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     logging.Logger
}

// Config wires an Index. An empty PersistDir keeps everything in memory.
type Config struct {
	PersistDir string
	Embedder   Embedder
	Logger     logging.Logger
}

// NewIndex opens or creates the task-results collection.
func NewIndex(cfg Config) (*Index, error) {
	embedder := cfg.Embedder
	if embedder == nil {
		embedder = NewLocalEmbedder()
	}

	var db *chromem.DB
	var err error
	if cfg.PersistDir != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistDir, "knowledge.gob"), false)
		if err != nil {
			return nil, taskerr.Wrap(taskerr.KindConfig, err, "open knowledge index at %s", cfg.PersistDir)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, embeddingFunc)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "create %s collection", collectionName)
	}

	return &Index{db: db, collection: collection, logger: logging.OrNop(cfg.Logger)}, nil
}

// IndexResult records one successful task result. Skipped and failed results
// are ignored.
func (i *Index) IndexResult(ctx context.Context, execCtx *task.ExecutionContext, res *task.Result) error {
	if res == nil || res.Status != task.ResultSuccess {
		return nil
	}
	content := strings.TrimSpace(res.Content)
	if content == "" {
		return nil
	}
	if runes := []rune(content); len(runes) > maxDocChars {
		content = string(runes[:maxDocChars])
	}

	doc := chromem.Document{
		ID:      fmt.Sprintf("%s#%d", execCtx.WorkflowID, res.ProjectSequence),
		Content: content,
		Metadata: map[string]string{
			"workflow": execCtx.WorkflowID,
			"project":  strconv.FormatInt(execCtx.ProjectID, 10),
			"sequence": strconv.Itoa(res.ProjectSequence),
			"title":    res.Title,
		},
	}
	if err := i.collection.AddDocument(ctx, doc); err != nil {
		return taskerr.Wrap(taskerr.KindConfig, err, "index result of task %d", res.TaskID)
	}
	return nil
}

// Similar returns up to k indexed result snippets most similar to text, each
// prefixed with the originating task title.
func (i *Index) Similar(ctx context.Context, text string, k int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = defaultTopK
	}
	if count := i.collection.Count(); count < k {
		if count == 0 {
			return nil, nil
		}
		k = count
	}

	results, err := i.collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "query knowledge index")
	}

	out := make([]string, 0, len(results))
	for _, r := range results {
		title := r.Metadata["title"]
		if title != "" {
			out = append(out, title+": "+r.Content)
		} else {
			out = append(out, r.Content)
		}
	}
	return out, nil
}

// Count reports how many results are indexed.
func (i *Index) Count() int {
	return i.collection.Count()
}
