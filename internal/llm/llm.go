// Package llm talks to the Gemini API: it implements the embedding gateway
// used by the ingestion pipeline and the optional topic summarizer.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"google.golang.org/genai"

	"mnemos/internal/config"
)

const (
	// DefaultEmbeddingModel is the default model for generating embeddings.
	DefaultEmbeddingModel = "gemini-embedding-001"
	// DefaultSummaryModel is the default model for topic label summarization.
	DefaultSummaryModel = "gemini-flash-lite-latest"
	// DefaultEmbeddingDimensions is the output dimension enforced on every vector.
	DefaultEmbeddingDimensions = int32(3072)
)

// TaskType selects the embedding task hint sent to the provider.
type TaskType string

const (
	// TaskDocument embeds memory content for storage and clustering.
	TaskDocument TaskType = "RETRIEVAL_DOCUMENT"
	// TaskQuery embeds search inputs.
	TaskQuery TaskType = "RETRIEVAL_QUERY"
)

// Client wraps the Gemini SDK client.
type Client struct {
	apiKey         string
	embeddingModel string
	summaryModel   string
	dims           int32
	gClient        *genai.Client
}

// NewClient creates a new Gemini client.
// It supports multiple ways to get the API key (in order of preference):
// 1. Environment variable: GEMINI_API_KEY
// 2. Viper configuration: gemini.api_key
func NewClient(cfg config.Gemini) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		apiKey = viper.GetString("gemini.api_key")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required. Set GEMINI_API_KEY environment variable or gemini.api_key in config file")
	}

	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = DefaultEmbeddingModel
	}
	summaryModel := cfg.SummaryModel
	if summaryModel == "" {
		summaryModel = DefaultSummaryModel
	}
	dims := cfg.EmbeddingDimensions
	if dims <= 0 {
		dims = DefaultEmbeddingDimensions
	}

	ctx := context.Background()
	gClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		apiKey:         apiKey,
		embeddingModel: embeddingModel,
		summaryModel:   summaryModel,
		dims:           dims,
		gClient:        gClient,
	}, nil
}

// embedContent calls the embedding model with the given task type and returns
// the raw vector. Shape validation happens in the gateway.
func (c *Client) embedContent(ctx context.Context, text string, task TaskType) ([]float32, error) {
	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: text}},
		Role:  "user",
	}}

	dims := c.dims
	cfg := &genai.EmbedContentConfig{
		TaskType:             string(task),
		OutputDimensionality: &dims,
	}

	resp, err := c.gClient.Models.EmbedContent(ctx, c.embeddingModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, fmt.Errorf("no embedding values returned from API")
	}
	return resp.Embeddings[0].Values, nil
}

// generateText calls the summary model with a plain prompt.
func (c *Client) generateText(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	resp, err := c.gClient.Models.GenerateContent(ctx, c.summaryModel, contents, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty response from model")
	}
	return text, nil
}

// Dimensions returns the enforced embedding dimension.
func (c *Client) Dimensions() int {
	return int(c.dims)
}
