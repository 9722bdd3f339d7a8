package skills

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/codeintel"
)

// RepoMapSkill exposes codeintel's indexer+PageRank repo map as a callable
// skill, so the Reasoning Loop can ask "what does this codebase look like"
// without the orchestrator having to special-case code intelligence.
// Re-indexes the workspace lazily on first call and caches the indexer;
// call Reset to force a re-scan after large edits.
type RepoMapSkill struct {
	root    string
	logger  *zap.Logger
	indexer *codeintel.Indexer
}

// NewRepoMapSkill builds a repo-map skill rooted at dir.
func NewRepoMapSkill(dir string, logger *zap.Logger) *RepoMapSkill {
	return &RepoMapSkill{root: dir, logger: logger.With(zap.String("skill", "repo_map"))}
}

func (s *RepoMapSkill) Name() string { return "repo_map" }

func (s *RepoMapSkill) Description() string {
	return "生成代码仓库结构地图 (基于 PageRank 的符号重要性排序), 或在已索引符号中做子串搜索"
}

func (s *RepoMapSkill) Usage() string {
	return `repo_map(action="map"|"search", query="...", max_tokens=4000, files=["a.go","b.go"])`
}

// Reset drops the cached index so the next call re-scans the tree.
func (s *RepoMapSkill) Reset() { s.indexer = nil }

func (s *RepoMapSkill) ensureIndexed() (*codeintel.Indexer, error) {
	if s.indexer != nil {
		return s.indexer, nil
	}
	idx := codeintel.NewIndexer(s.logger)
	excludes := []string{".git", "node_modules", "vendor", "_examples"}
	n, err := idx.IndexDirectory(s.root, excludes)
	if err != nil {
		return nil, fmt.Errorf("repo_map: index failed: %w", err)
	}
	s.logger.Debug("repo_map indexed", zap.Int("files", n))
	s.indexer = idx
	return idx, nil
}

func (s *RepoMapSkill) Execute(_ context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	idx, err := s.ensureIndexed()
	if err != nil {
		return nil, err
	}

	action, _ := args["action"].(string)
	if action == "" {
		action = "map"
	}

	switch action {
	case "search":
		query, _ := args["query"].(string)
		if query == "" {
			return nil, fmt.Errorf("repo_map: search requires non-empty query")
		}
		matches := idx.SearchSymbols(query)
		return map[string]interface{}{"matches": matches, "count": len(matches)}, nil

	case "map":
		maxTokens := 4000
		if mt, ok := args["max_tokens"].(float64); ok && mt > 0 {
			maxTokens = int(mt)
		}
		rm := codeintel.NewRepoMap(idx, s.logger)

		if rawFiles, ok := args["files"].([]interface{}); ok && len(rawFiles) > 0 {
			files := make([]string, 0, len(rawFiles))
			for _, f := range rawFiles {
				if fs, ok := f.(string); ok {
					files = append(files, fs)
				}
			}
			return map[string]interface{}{"map": rm.GenerateForFiles(files, maxTokens)}, nil
		}
		return map[string]interface{}{"map": rm.Generate(maxTokens)}, nil

	default:
		return nil, fmt.Errorf("repo_map: unknown action %q", action)
	}
}
