package memory

import (
	"context"
	"testing"
)

func newTestManager() *MemoryManager {
	return NewMemoryManager(NewInMemoryVectorStore(), NewSimpleEmbedder(32))
}

func TestResolveSessionScope_Stable(t *testing.T) {
	a := ResolveSessionScope("whatsapp", "123", "user-1")
	b := ResolveSessionScope("whatsapp", "123", "user-1")
	if a != b {
		t.Fatalf("expected stable scope id, got %q != %q", a, b)
	}

	c := ResolveSessionScope("whatsapp", "456", "user-1")
	if a == c {
		t.Fatalf("expected different sourceId to yield a different scope id")
	}
}

func TestMemoryManager_SaveAndByScope(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()
	scope := ResolveSessionScope("telegram", "chat-1", "user-1")

	if err := m.Save(ctx, &MemoryEntry{Content: "hello", Kind: KindShort, SessionScopeID: scope}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Save(ctx, &MemoryEntry{Content: "world", Kind: KindShort, SessionScopeID: "other-scope"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := m.ByScope(ctx, scope, 10)
	if err != nil {
		t.Fatalf("ByScope: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "hello" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestMemoryManager_ByAction(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if err := m.Save(ctx, &MemoryEntry{Content: "observed X", ActionID: "action-1", Kind: KindShort}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Save(ctx, &MemoryEntry{Content: "observed Y", ActionID: "action-2", Kind: KindShort}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := m.ByAction(ctx, "action-1")
	if err != nil {
		t.Fatalf("ByAction: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "observed X" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestMemoryManager_Search_WithPredicate(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_ = m.Save(ctx, &MemoryEntry{Content: "deploy succeeded", Kind: KindShort})
	_ = m.Save(ctx, &MemoryEntry{Content: "deploy failed", Kind: KindShort})
	_ = m.Save(ctx, &MemoryEntry{Content: "unrelated note", Kind: KindEpisodic})

	entries, err := m.Search(ctx, KindShort, func(e *MemoryEntry) bool {
		return containsSubstr(e.Content, "failed")
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "deploy failed" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func containsSubstr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

type fakeLLM struct {
	calls int
}

func (f *fakeLLM) Summarize(_ context.Context, _ string) (string, error) {
	f.calls++
	return "summary of recent activity", nil
}

func TestMemoryManager_Consolidate(t *testing.T) {
	llm := &fakeLLM{}
	m := newTestManager().WithLLM(llm).WithConfig(MemoryManagerConfig{ConsolidationThreshold: 3, ConsolidationBatch: 2})
	ctx := context.Background()
	scope := "scope-a"

	for i := 0; i < 4; i++ {
		if err := m.Save(ctx, &MemoryEntry{Content: "note", Kind: KindShort, SessionScopeID: scope}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	episodic, err := m.Consolidate(ctx, scope)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if episodic == nil {
		t.Fatalf("expected a consolidation summary once threshold crossed")
	}
	if episodic.Kind != KindEpisodic {
		t.Errorf("expected episodic kind, got %s", episodic.Kind)
	}
	if llm.calls != 1 {
		t.Errorf("expected exactly one summarize call, got %d", llm.calls)
	}

	remaining, err := m.Recent(ctx, 0, &SearchFilter{SessionScopeID: scope, Kind: KindShort})
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	consolidatedCount := 0
	for _, e := range remaining {
		if e.Consolidated {
			consolidatedCount++
		}
	}
	if consolidatedCount != 2 {
		t.Fatalf("expected 2 entries marked consolidated, got %d", consolidatedCount)
	}
}

func TestMemoryManager_Consolidate_BelowThreshold(t *testing.T) {
	llm := &fakeLLM{}
	m := newTestManager().WithLLM(llm).WithConfig(MemoryManagerConfig{ConsolidationThreshold: 10, ConsolidationBatch: 2})
	ctx := context.Background()

	_ = m.Save(ctx, &MemoryEntry{Content: "note", Kind: KindShort, SessionScopeID: "scope-b"})

	episodic, err := m.Consolidate(ctx, "scope-b")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if episodic != nil {
		t.Fatalf("expected no consolidation below threshold, got %+v", episodic)
	}
	if llm.calls != 0 {
		t.Errorf("expected no summarize call below threshold")
	}
}

func TestMemoryManager_ContactProfile(t *testing.T) {
	m := newTestManager()
	if got := m.ContactProfile("jid-1"); got != "" {
		t.Fatalf("expected empty profile, got %q", got)
	}

	m.SetContactProfile("jid-1", "prefers concise replies")
	if got := m.ContactProfile("jid-1"); got != "prefers concise replies" {
		t.Fatalf("unexpected profile: %q", got)
	}
}

func TestMemoryManager_SemanticSearch(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	if _, err := m.Remember(ctx, "the deploy pipeline failed on staging", nil); err != nil {
		t.Fatalf("Remember: %v", err)
	}

	results, err := m.SemanticSearch(ctx, "deploy pipeline problems", 5)
	if err != nil {
		t.Fatalf("SemanticSearch: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one semantic match")
	}
}
