package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"go.uber.org/zap"
)

// ModelFailoverer wraps an AIServiceClient call with a fallback chain.
// Satisfied by *grpc.ModelFailover without usecase needing to import the
// infrastructure/grpc package (which itself depends on usecase for the
// AIRequest/AIResponse/AIServiceClient types) — wired in from app.go,
// which sits above both.
type ModelFailoverer interface {
	ExecuteWithFailover(ctx context.Context, req *AIRequest, client AIServiceClient) (*AIResponse, error)
}

// ProcessMessageUseCase handles the legacy message-processing flow.
// The primary path is AgentLoop (ReAct engine); this use-case is the
// fallback for HTTP API and REPL interfaces that do not use AgentLoop.
type ProcessMessageUseCase struct {
	messageRepo repository.MessageRepository
	router      service.MessageRouter
	llm         service.LLMClient
	agentLoop   *service.AgentLoop
	logger      *zap.Logger

	aiClient  AIServiceClient
	compactor *Compactor
	failover  ModelFailoverer
}

// NewProcessMessageUseCase creates a message processing use-case.
// The llm parameter is the same LLMClient (llmRouter) used by AgentLoop.
func NewProcessMessageUseCase(
	messageRepo repository.MessageRepository,
	router service.MessageRouter,
	llm service.LLMClient,
	logger *zap.Logger,
) *ProcessMessageUseCase {
	aiClient := &llmServiceClient{llm: llm}
	return &ProcessMessageUseCase{
		messageRepo: messageRepo,
		router:      router,
		llm:         llm,
		logger:      logger,
		aiClient:    aiClient,
		compactor:   NewCompactor(aiClient, logger),
	}
}

// SetAgentLoop sets the ReAct agent loop for tool-calling conversations
func (uc *ProcessMessageUseCase) SetAgentLoop(loop *service.AgentLoop) {
	uc.agentLoop = loop
}

// SetFailover wraps model calls in a fallback chain: when the primary
// model fails with a retryable error (rate limit, 5xx, timeout), the next
// model in the chain is tried instead. Pass nil to disable.
func (uc *ProcessMessageUseCase) SetFailover(failover ModelFailoverer) {
	uc.failover = failover
}

// SetAIClient replaces the backend used for model calls — e.g. swapping
// the in-process llmRouter adapter for a remote grpc.AIClient — and
// rebuilds the compactor so summarization goes through the same backend.
func (uc *ProcessMessageUseCase) SetAIClient(client AIServiceClient) {
	uc.aiClient = client
	flusher := uc.compactor.memoryFlusher
	uc.compactor = NewCompactor(client, uc.logger)
	uc.compactor.SetMemoryFlusher(flusher)
}

// SetMemoryFlusher wires the compactor's pre-compaction memory flush so
// key facts survive summarization of older turns.
func (uc *ProcessMessageUseCase) SetMemoryFlusher(flusher MemoryFlusher) {
	uc.compactor.SetMemoryFlusher(flusher)
}

// llmServiceClient adapts service.LLMClient (the llmRouter) to the
// transport-agnostic AIServiceClient interface so Compactor and
// ModelFailover can drive it the same way they'd drive a remote
// grpc.AIClient.
type llmServiceClient struct {
	llm service.LLMClient
}

func (c *llmServiceClient) GenerateResponse(ctx context.Context, req *AIRequest) (*AIResponse, error) {
	messages := make([]service.LLMMessage, 0, len(req.History)+1)
	for _, msg := range req.History {
		if !msg.Content().IsTextOnly() {
			continue
		}
		role := "user"
		if msg.IsFromBot() {
			role = "assistant"
		}
		messages = append(messages, service.LLMMessage{Role: role, Content: msg.Content().Text()})
	}
	messages = append(messages, service.LLMMessage{Role: "user", Content: req.Prompt})

	resp, err := c.llm.Generate(ctx, &service.LLMRequest{
		Messages:    messages,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return &AIResponse{Content: resp.Content, ModelUsed: resp.ModelUsed, TokensUsed: resp.TokensUsed}, nil
}

func (c *llmServiceClient) GenerateStream(ctx context.Context, req *AIRequest) (<-chan *AIStreamChunk, <-chan error) {
	out := make(chan *AIStreamChunk)
	errc := make(chan error, 1)
	close(out)
	errc <- fmt.Errorf("llmServiceClient: streaming not supported, use AgentLoop.Run instead")
	return out, errc
}

func (c *llmServiceClient) ExecuteSkill(ctx context.Context, req *SkillRequest) (*SkillResponse, error) {
	return nil, fmt.Errorf("llmServiceClient: skill execution not supported on the legacy message path")
}

// Execute processes a user message and generates an AI response.
func (uc *ProcessMessageUseCase) Execute(ctx context.Context, message *entity.Message) (*entity.Message, error) {
	// 1. Save user message
	if err := uc.messageRepo.Save(ctx, message); err != nil {
		uc.logger.Error("Failed to save message", zap.Error(err))
		return nil, err
	}

	// 2. Route to agent
	agent, err := uc.router.Route(ctx, message)
	if err != nil {
		uc.logger.Error("Failed to route message", zap.Error(err))
		return nil, err
	}

	uc.logger.Info("Message routed to agent",
		zap.String("agent_id", agent.ID()),
		zap.String("agent_name", agent.Name()),
	)

	// 3. Get conversation history
	history, err := uc.messageRepo.FindByConversationID(ctx, message.ConversationID(), 50, 0)
	if err != nil {
		uc.logger.Warn("Failed to retrieve conversation history", zap.Error(err))
		history = []*entity.Message{}
	}
	var filtered []*entity.Message
	for _, msg := range history {
		if msg.ID() != message.ID() {
			filtered = append(filtered, msg)
		}
	}

	// 4. Build model request
	modelConfig := agent.ModelConfig()

	// Summarize older turns when the history has grown long, keeping the
	// most recent messages verbatim (see Compactor.CompactIfNeeded).
	compactResult, err := uc.compactor.CompactIfNeeded(ctx, filtered, modelConfig.FullModelName())
	if err != nil {
		uc.logger.Warn("Compaction failed, proceeding with full history", zap.Error(err))
		compactResult = &CompactResult{RecentMessages: filtered}
	}

	prompt := message.Content().Text()
	if compactResult.WasCompacted && compactResult.Summary != "" {
		prompt = fmt.Sprintf("[Earlier conversation summary]\n%s\n\n[Current message]\n%s",
			compactResult.Summary, prompt)
	}

	aiReq := &AIRequest{
		Prompt:      prompt,
		Model:       modelConfig.FullModelName(),
		MaxTokens:   modelConfig.MaxTokens(),
		Temperature: modelConfig.Temperature(),
		History:     compactResult.RecentMessages,
	}

	// 5. Call the LLM through the configured AIServiceClient, with automatic
	// model failover when SetFailover configured a fallback chain.
	var llmResp *AIResponse
	if uc.failover != nil {
		llmResp, err = uc.failover.ExecuteWithFailover(ctx, aiReq, uc.aiClient)
	} else {
		llmResp, err = uc.aiClient.GenerateResponse(ctx, aiReq)
	}
	if err != nil {
		uc.logger.Error("Failed to generate AI response", zap.Error(err))
		return nil, err
	}

	// 6. Build response message
	botUser := valueobject.NewUser(
		agent.ID(),
		agent.Name(),
		"bot",
	)

	content := valueobject.NewMessageContent(
		llmResp.Content,
		valueobject.ContentTypeText,
	)

	respID := fmt.Sprintf("msg_%d", time.Now().UnixNano())
	responseMsg, err := entity.NewMessage(
		respID,
		message.ConversationID(),
		content,
		botUser,
	)
	if err != nil {
		uc.logger.Error("Failed to create response message", zap.Error(err))
		return nil, err
	}

	responseMsg.SetMetadata("model_used", llmResp.ModelUsed)
	responseMsg.SetMetadata("tokens_used", llmResp.TokensUsed)

	// 7. Save response
	if err := uc.messageRepo.Save(ctx, responseMsg); err != nil {
		uc.logger.Error("Failed to save response message", zap.Error(err))
		return nil, err
	}

	uc.logger.Info("AI response generated and saved",
		zap.String("message_id", responseMsg.ID()),
		zap.String("model", llmResp.ModelUsed),
		zap.Int("tokens", llmResp.TokensUsed),
	)

	return responseMsg, nil
}

// createErrorMessage creates an error response message
func (uc *ProcessMessageUseCase) createErrorMessage(
	ctx context.Context,
	originalMsg *entity.Message,
	agent *entity.Agent,
	errorText string,
) (*entity.Message, error) {
	content := valueobject.NewMessageContent(errorText, valueobject.ContentTypeText)
	return uc.saveResponse(ctx, originalMsg, agent, content, map[string]interface{}{
		"is_error": true,
	})
}

func (uc *ProcessMessageUseCase) saveResponse(
	ctx context.Context,
	originalMsg *entity.Message,
	agent *entity.Agent,
	content valueobject.MessageContent,
	metadata map[string]interface{},
) (*entity.Message, error) {
	botUser := valueobject.NewUser(
		agent.ID(),
		agent.Name(),
		"bot",
	)

	respID := fmt.Sprintf("msg_%d", time.Now().UnixNano())
	responseMsg, err := entity.NewMessage(
		respID,
		originalMsg.ConversationID(),
		content,
		botUser,
	)
	if err != nil {
		return nil, err
	}

	for k, v := range metadata {
		responseMsg.SetMetadata(k, v)
	}

	if err := uc.messageRepo.Save(ctx, responseMsg); err != nil {
		uc.logger.Error("Failed to save response message", zap.Error(err))
		return nil, err
	}

	return responseMsg, nil
}
