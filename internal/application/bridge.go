package application

import (
	"context"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
)

// memorySummarizer adapts service.LLMClient → memory.LLMClient, the
// minimal Summarize(ctx, prompt) surface MemoryManager.Consolidate
// needs, so the Memory Manager can reuse the same LLM Router every
// other component in the app already calls through.
type memorySummarizer struct {
	client service.LLMClient
	model  string
}

// Summarize implements memory.LLMClient.
func (s *memorySummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Generate(ctx, &service.LLMRequest{
		Messages: []service.LLMMessage{{Role: "user", Content: prompt}},
		Model:    s.model,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
