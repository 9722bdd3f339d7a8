package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// LLMClient is the minimal surface Consolidate needs to summarize a
// batch of short entries into one episodic entry. Declared locally
// (rather than importing internal/domain/service) to keep the memory
// package free of a dependency on the Reasoning Loop.
type LLMClient interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Save persists a memory entry, filling in CreatedAt/UpdatedAt/ID/
// Embedding the same way Remember does, but accepting a fully-formed
// entry (Kind, SessionScopeID, ActionID already set by the caller) so
// Message Bus, Guard, and the Reasoning Loop can tag entries precisely.
func (m *MemoryManager) Save(ctx context.Context, entry *MemoryEntry) error {
	if entry.ID == "" {
		entry.ID = generateID(entry.Content)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.UpdatedAt = time.Now()

	if entry.Embedding == nil {
		embedding, err := m.embedder.Embed(ctx, entry.Content)
		if err != nil {
			return fmt.Errorf("failed to generate embedding: %w", err)
		}
		entry.Embedding = embedding
	}

	if err := m.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("failed to store memory: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, optionally scoped by filter.
func (m *MemoryManager) Recent(ctx context.Context, limit int, filter *SearchFilter) ([]*MemoryEntry, error) {
	lister, ok := m.store.(Lister)
	if !ok {
		return nil, fmt.Errorf("memory: backing store does not support listing")
	}
	return lister.List(ctx, filter, limit)
}

// ByAction returns every memory entry tagged with the given Action id,
// oldest first (the order the Reasoning Loop accumulated them).
func (m *MemoryManager) ByAction(ctx context.Context, actionID string) ([]*MemoryEntry, error) {
	lister, ok := m.store.(Lister)
	if !ok {
		return nil, fmt.Errorf("memory: backing store does not support listing")
	}
	entries, err := lister.List(ctx, &SearchFilter{ActionID: actionID}, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// ByScope returns the most recent entries for a session scope.
func (m *MemoryManager) ByScope(ctx context.Context, sessionScopeID string, limit int) ([]*MemoryEntry, error) {
	lister, ok := m.store.(Lister)
	if !ok {
		return nil, fmt.Errorf("memory: backing store does not support listing")
	}
	return lister.List(ctx, &SearchFilter{SessionScopeID: sessionScopeID}, limit)
}

// SearchPredicate filters entries returned by Search beyond what
// SearchFilter's struct fields express (e.g. substring match on content).
type SearchPredicate func(*MemoryEntry) bool

// Search lists entries of a given kind, optionally refined by predicate.
func (m *MemoryManager) Search(ctx context.Context, kind Kind, predicate SearchPredicate) ([]*MemoryEntry, error) {
	lister, ok := m.store.(Lister)
	if !ok {
		return nil, fmt.Errorf("memory: backing store does not support listing")
	}
	entries, err := lister.List(ctx, &SearchFilter{Kind: kind}, 0)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return entries, nil
	}
	var filtered []*MemoryEntry
	for _, e := range entries {
		if predicate(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// SemanticSearch is the spec's semanticSearch(query, limit) contract
// point: an opaque ranker returning entries ordered by similarity score.
// It is a thin, named alias over Recall so the registry/prompt-assembly
// call sites read the same way the spec names them.
func (m *MemoryManager) SemanticSearch(ctx context.Context, query string, limit int) ([]*MemoryEntry, error) {
	return m.Recall(ctx, query, limit, nil)
}

// Consolidate batches the oldest ConsolidationBatch short entries in a
// scope into one episodic summary via an LLM call, when the scope's
// short-entry count has crossed ConsolidationThreshold (spec.md §4.3).
// Originals are marked Consolidated, not deleted.
func (m *MemoryManager) Consolidate(ctx context.Context, sessionScopeID string) (*MemoryEntry, error) {
	if m.llm == nil {
		return nil, fmt.Errorf("memory: no LLM client configured for consolidation")
	}

	shortFalse := false
	entries, err := m.Recent(ctx, 0, &SearchFilter{
		SessionScopeID: sessionScopeID,
		Kind:           KindShort,
		Consolidated:   &shortFalse,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) < m.config.ConsolidationThreshold {
		return nil, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	batch := entries
	if len(batch) > m.config.ConsolidationBatch {
		batch = batch[:m.config.ConsolidationBatch]
	}

	var lines []string
	for _, e := range batch {
		lines = append(lines, "- "+e.Content)
	}
	prompt := "Summarize the following short-term memory entries into one concise episodic note, preserving facts, decisions, and open items:\n" + strings.Join(lines, "\n")

	summary, err := m.llm.Summarize(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("memory: consolidation summary: %w", err)
	}

	episodic := &MemoryEntry{
		Content:        summary,
		SessionScopeID: sessionScopeID,
		Kind:           KindEpisodic,
		Metadata:       map[string]interface{}{"consolidated_from": len(batch)},
	}
	if err := m.Save(ctx, episodic); err != nil {
		return nil, err
	}

	for _, e := range batch {
		e.Consolidated = true
		if err := m.store.Update(ctx, e); err != nil {
			return episodic, fmt.Errorf("memory: mark consolidated: %w", err)
		}
	}

	return episodic, nil
}

// ContactProfile returns the stored profile text for a contact/channel
// identity (jid), or empty string if none is on file.
func (m *MemoryManager) ContactProfile(jid string) string {
	text, _ := m.profiles.Get(jid)
	return text
}

// SetContactProfile stores profile text for a contact/channel identity.
func (m *MemoryManager) SetContactProfile(jid, text string) {
	m.profiles.Set(jid, text)
}

// UserContext returns the operator's own bootstrap/identity context text.
func (m *MemoryManager) UserContext() string {
	return m.profiles.UserContext()
}
