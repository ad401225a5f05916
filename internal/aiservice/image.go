package aiservice

import (
	"context"

	"taskflow/internal/provider"
	"taskflow/internal/task"
)

// runImagePath serves tasks whose output format is a generated image. Model
// substitution for non-image models happens inside the client.
func (m *Manager) runImagePath(ctx context.Context, t *task.Task, client provider.Client, assembled *assembly, cfg provider.RequestConfig) (*provider.AIResult, error) {
	opts := provider.ImageOptions{}
	if t.ImageConfig != nil {
		opts.Size = t.ImageConfig.Size
		opts.Quality = t.ImageConfig.Quality
		opts.Count = t.ImageConfig.Count
	}
	return client.GenerateImage(ctx, assembled.userPrompt, cfg, opts)
}
