package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"taskflow/internal/taskerr"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderConfig configures the OpenAI-compatible HTTP embedder.
type EmbedderConfig struct {
	Model     string // default text-embedding-3-small
	APIKey    string
	BaseURL   string // default https://api.openai.com/v1
	CacheSize int    // default 4096
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint with an LRU
// cache in front.
type HTTPEmbedder struct {
	config EmbedderConfig
	client *http.Client
	cache  *lru.Cache[string, []float32]
}

// NewHTTPEmbedder builds an HTTPEmbedder.
func NewHTTPEmbedder(cfg EmbedderConfig) (*HTTPEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "create embedding cache")
	}
	return &HTTPEmbedder{
		config: cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		cache:  cache,
	}, nil
}

// Embed returns the embedding for one text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}

	body, err := json.Marshal(map[string]any{"model": e.config.Model, "input": []string{text}})
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "marshal embedding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "build embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindProvider, err, "call embedding api")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := taskerr.New(taskerr.KindProvider, "embedding api status %d: %s", resp.StatusCode, string(payload))
		apiErr.StatusCode = resp.StatusCode
		return nil, apiErr
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, taskerr.Wrap(taskerr.KindProvider, err, "decode embedding response")
	}
	if len(apiResp.Data) == 0 {
		return nil, taskerr.New(taskerr.KindProvider, "embedding api returned no data")
	}

	e.cache.Add(text, apiResp.Data[0].Embedding)
	return apiResp.Data[0].Embedding, nil
}

// localDimensions is the vector size of the offline embedder.
const localDimensions = 128

// LocalEmbedder is a deterministic bag-of-words embedder for offline runs and
// tests. Not semantically strong, but stable and dependency-free.
type LocalEmbedder struct{}

// NewLocalEmbedder builds a LocalEmbedder.
func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{}
}

// Embed hashes tokens into a fixed-size normalized vector.
func (LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localDimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(token, ".,;:!?\"'()[]{}")))
		vec[h.Sum32()%localDimensions]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
