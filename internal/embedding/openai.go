package embedding

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	openAIDefaultModel   = "text-embedding-3-small"
	openAIDefaultBaseURL = "https://api.openai.com/v1"
)

// OpenAI embeds through /v1/embeddings. Any OpenAI-compatible server works
// when baseURL points at it.
type OpenAI struct {
	apiKey   string
	model    string
	endpoint string
	dims     int
	client   *http.Client
}

func NewOpenAI(apiKey, model, baseURL string, dims int) *OpenAI {
	if model == "" {
		model = openAIDefaultModel
	}
	if baseURL == "" {
		baseURL = openAIDefaultBaseURL
	}
	if dims <= 0 {
		dims = DefaultDims
	}
	return &OpenAI{
		apiKey:   apiKey,
		model:    model,
		endpoint: strings.TrimRight(baseURL, "/") + "/embeddings",
		dims:     dims,
		client:   &http.Client{},
	}
}

func (o *OpenAI) Dims() int    { return o.dims }
func (o *OpenAI) Name() string { return fmt.Sprintf("openai-%s-%d", o.model, o.dims) }

func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result openAIResponse
	req := openAIRequest{Model: o.model, Input: texts, Dimensions: o.dims}
	if err := postJSON(ctx, o.client, "openai", o.endpoint, o.apiKey, req, &result); err != nil {
		return nil, err
	}

	// Results may arrive out of input order.
	sort.Slice(result.Data, func(i, j int) bool {
		return result.Data[i].Index < result.Data[j].Index
	})
	vecs := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		vecs[i] = d.Embedding
	}
	return fit("openai", vecs, len(texts), o.dims)
}

type openAIRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions"`
}

type openAIResponse struct {
	Data []openAIEmbedding `json:"data"`
}

type openAIEmbedding struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}
