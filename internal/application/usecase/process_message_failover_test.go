package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/valueobject"
	"go.uber.org/zap"
)

// stubAIClient records every request it receives instead of calling a model.
type stubAIClient struct {
	resp  *AIResponse
	err   error
	calls []*AIRequest
}

func (s *stubAIClient) GenerateResponse(ctx context.Context, req *AIRequest) (*AIResponse, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (s *stubAIClient) GenerateStream(ctx context.Context, req *AIRequest) (<-chan *AIStreamChunk, <-chan error) {
	return nil, nil
}

func (s *stubAIClient) ExecuteSkill(ctx context.Context, req *SkillRequest) (*SkillResponse, error) {
	return nil, nil
}

// stubFailover just records that it was invoked and delegates straight through.
type stubFailover struct {
	invoked bool
}

func (f *stubFailover) ExecuteWithFailover(ctx context.Context, req *AIRequest, client AIServiceClient) (*AIResponse, error) {
	f.invoked = true
	return client.GenerateResponse(ctx, req)
}

func newTestMessage(t *testing.T, id, convID, text string) *entity.Message {
	t.Helper()
	user := valueobject.NewUser("user-1", "tester", "user")
	content := valueobject.NewMessageContent(text, valueobject.ContentTypeText)
	msg, err := entity.NewMessage(id, convID, content, user)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func TestProcessMessageUseCase_SetFailover_RoutesThroughFailover(t *testing.T) {
	repo := &MockMessageRepositoryLocal{}
	modelConfig := valueobject.NewModelConfig("test-provider", "test-model", 1000, 0.7, 0.9, false)
	agent, _ := entity.NewAgent("agent-1", "Test Agent", modelConfig)
	router := &mockRouterLocal{agent: agent}
	llm := &mockLLMClient{}
	logger := zap.NewNop()

	uc := NewProcessMessageUseCase(repo, router, llm, logger)
	uc.SetAIClient(&stubAIClient{resp: &AIResponse{Content: "hi", ModelUsed: "test-model"}})
	fo := &stubFailover{}
	uc.SetFailover(fo)

	msg := newTestMessage(t, "msg-1", "conv-1", "hello")
	if _, err := uc.Execute(context.Background(), msg); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !fo.invoked {
		t.Fatal("expected failover to be invoked")
	}
}

func TestProcessMessageUseCase_CompactsLongHistory(t *testing.T) {
	repo := &MockMessageRepositoryLocal{}
	for i := 0; i < CompactMessageThreshold+5; i++ {
		repo.history = append(repo.history, newTestMessage(t, fmt.Sprintf("old-%d", i), "conv-1", fmt.Sprintf("message %d", i)))
	}

	modelConfig := valueobject.NewModelConfig("test-provider", "test-model", 1000, 0.7, 0.9, false)
	agent, _ := entity.NewAgent("agent-1", "Test Agent", modelConfig)
	router := &mockRouterLocal{agent: agent}
	llm := &mockLLMClient{}
	logger := zap.NewNop()

	uc := NewProcessMessageUseCase(repo, router, llm, logger)
	stub := &stubAIClient{resp: &AIResponse{Content: "summary response", ModelUsed: "test-model"}}
	uc.SetAIClient(stub)

	msg := newTestMessage(t, "msg-new", "conv-1", "what's next?")
	if _, err := uc.Execute(context.Background(), msg); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(stub.calls) < 2 {
		t.Fatalf("expected at least 2 AI calls (summary + final response), got %d", len(stub.calls))
	}
}

// MockMessageRepositoryLocal and mockRouterLocal avoid colliding with the
// usecase_test package's exported mocks of the same concept.
type MockMessageRepositoryLocal struct {
	history []*entity.Message
	saved   []*entity.Message
}

func (m *MockMessageRepositoryLocal) Save(ctx context.Context, message *entity.Message) error {
	m.saved = append(m.saved, message)
	return nil
}

func (m *MockMessageRepositoryLocal) FindByID(ctx context.Context, id string) (*entity.Message, error) {
	return nil, nil
}

func (m *MockMessageRepositoryLocal) FindByConversationID(ctx context.Context, conversationID string, limit, offset int) ([]*entity.Message, error) {
	return m.history, nil
}

func (m *MockMessageRepositoryLocal) Delete(ctx context.Context, id string) error {
	return nil
}

func (m *MockMessageRepositoryLocal) Count(ctx context.Context, conversationID string) (int64, error) {
	return int64(len(m.history)), nil
}

type mockRouterLocal struct {
	agent *entity.Agent
}

func (m *mockRouterLocal) Route(ctx context.Context, message *entity.Message) (*entity.Agent, error) {
	return m.agent, nil
}
