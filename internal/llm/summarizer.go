package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TopicSummarizePromptTemplate asks the model for a short topic label over
// representative memory snippets.
const TopicSummarizePromptTemplate = `These are snippets of related notes a person has written while learning. Name their shared topic in 2-4 words. Write only the topic name, no punctuation, no explanation.

Snippets:
%s`

// Summarizer produces a short topic label from representative snippets.
// The topic labeler treats any error as a cue to fall back to keyword labels.
type Summarizer interface {
	SummarizeTopic(ctx context.Context, snippets []string) (string, error)
}

// GeminiSummarizer labels topics with the configured summary model.
type GeminiSummarizer struct {
	client  *Client
	timeout time.Duration
}

// NewSummarizer creates a summarizer over an existing client.
func NewSummarizer(client *Client, timeout time.Duration) *GeminiSummarizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GeminiSummarizer{client: client, timeout: timeout}
}

// SummarizeTopic implements Summarizer.
func (s *GeminiSummarizer) SummarizeTopic(ctx context.Context, snippets []string) (string, error) {
	if len(snippets) == 0 {
		return "", fmt.Errorf("no snippets to summarize")
	}

	var b strings.Builder
	for _, snippet := range snippets {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(snippet))
		b.WriteString("\n")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	label, err := s.client.generateText(ctx, fmt.Sprintf(TopicSummarizePromptTemplate, b.String()))
	if err != nil {
		return "", err
	}

	// Clean up the label - strip quotes and collapse whitespace.
	label = strings.Trim(label, "\"'")
	label = strings.Join(strings.Fields(label), " ")
	if label == "" {
		return "", fmt.Errorf("model returned empty label")
	}
	return label, nil
}
