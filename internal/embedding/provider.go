package embedding

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/civicq/askrank/internal/config"
)

const probeTimeout = 2 * time.Second

// New builds the configured provider. "auto" prefers a reachable local
// Ollama and falls back to OpenAI when OPENAI_API_KEY is set.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "auto", "":
		if ollamaReachable(cfg.BaseURL) {
			return NewOllama(cfg.Model, cfg.BaseURL, cfg.Dims), nil
		}
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			// BaseURL belongs to the Ollama probe here.
			return NewOpenAI(key, "", "", cfg.Dims), nil
		}
		return nil, fmt.Errorf("no embedder available: start ollama or set OPENAI_API_KEY")
	case "ollama":
		return NewOllama(cfg.Model, cfg.BaseURL, cfg.Dims), nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAI(key, cfg.Model, cfg.BaseURL, cfg.Dims), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider %q (available: auto, ollama, openai)", cfg.Provider)
	}
}

func ollamaReachable(baseURL string) bool {
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
