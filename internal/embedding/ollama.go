package embedding

import (
	"context"
	"fmt"
	"net/http"
)

const (
	ollamaDefaultModel   = "mxbai-embed-large"
	ollamaDefaultBaseURL = "http://localhost:11434"
)

// Ollama embeds through a local Ollama server. Vectors longer than dims are
// truncated, then normalized.
type Ollama struct {
	model   string
	baseURL string
	dims    int
	client  *http.Client
}

// NewOllama builds a client. Empty arguments take defaults; request deadlines
// come from the caller's context.
func NewOllama(model, baseURL string, dims int) *Ollama {
	if model == "" {
		model = ollamaDefaultModel
	}
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	if dims <= 0 {
		dims = DefaultDims
	}
	return &Ollama{model: model, baseURL: baseURL, dims: dims, client: &http.Client{}}
}

func (o *Ollama) Dims() int    { return o.dims }
func (o *Ollama) Name() string { return fmt.Sprintf("ollama-%s-%d", o.model, o.dims) }

func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result ollamaResponse
	err := postJSON(ctx, o.client, "ollama", o.baseURL+"/api/embed", "", ollamaRequest{Model: o.model, Input: texts}, &result)
	if err != nil {
		return nil, err
	}
	return fit("ollama", result.Embeddings, len(texts), o.dims)
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}
