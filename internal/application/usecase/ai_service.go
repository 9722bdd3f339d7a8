package usecase

import (
	"context"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
)

// AIServiceClient abstracts the transport used to reach a model backend —
// implemented both by the in-process llmRouter adapter (llmServiceClient,
// see process_message.go) and by the remote grpc.AIClient for deployments
// that front a separate AI service process.
type AIServiceClient interface {
	GenerateResponse(ctx context.Context, req *AIRequest) (*AIResponse, error)
	GenerateStream(ctx context.Context, req *AIRequest) (<-chan *AIStreamChunk, <-chan error)
	ExecuteSkill(ctx context.Context, req *SkillRequest) (*SkillResponse, error)
}

// AIRequest is the transport-agnostic request shape shared by the local
// LLMClient path and the remote gRPC AI service path.
type AIRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
	History     []*entity.Message
}

// AIResponse is the transport-agnostic response shape.
type AIResponse struct {
	Content    string
	ModelUsed  string
	TokensUsed int
}

// AIStreamChunk is one chunk of a streamed AIResponse.
type AIStreamChunk struct {
	Content string
	IsFinal bool
}

// SkillRequest asks a remote AI service to run a named skill.
type SkillRequest struct {
	SkillID string
	Input   string
	Config  map[string]string
}

// SkillResponse is the result of a SkillRequest.
type SkillResponse struct {
	Output       string
	Success      bool
	ErrorMessage string
}
