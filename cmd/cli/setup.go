package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
)

// setupConfigTemplate is the minimal, hand-edited config.yaml a wizard
// run produces — just enough to pick a provider and default model.
// Anything the wizard doesn't ask about falls back to config.Load's own
// defaults (setDefaults), same as a blank config.yaml would.
const setupConfigTemplate = `# Generated by "ngoclaw setup" on first run — edit freely afterwards.
agent:
  default_model: %q
  providers:
    - name: %q
      base_url: %q
      api_key: %q
      models:
        - %q
      priority: 1
`

func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "交互式向导, 写入 ~/.ngoclaw/config.yaml",
		Long:  "首次使用向导: 配置一个 LLM provider 并写入 ~/.ngoclaw/config.yaml",
		RunE:  runSetup,
	}
}

func runSetup(cmd *cobra.Command, args []string) error {
	reader := bufio.NewScanner(os.Stdin)

	ask := func(prompt, def string) string {
		if def != "" {
			fmt.Printf("%s [%s]: ", prompt, def)
		} else {
			fmt.Printf("%s: ", prompt)
		}
		if !reader.Scan() {
			return def
		}
		val := strings.TrimSpace(reader.Text())
		if val == "" {
			return def
		}
		return val
	}

	fmt.Println("◇ NGOClaw 配置向导")
	fmt.Println()

	name := ask("Provider 名称 (openai/anthropic/bailian/...)", "openai")
	baseURL := ask("Base URL", "https://api.openai.com/v1")
	apiKey := ask("API Key", "")
	model := ask("模型 ID (例如 openai/gpt-4o)", "openai/gpt-4o")
	defaultModel := ask("默认模型", model)

	home := config.HomeDir()
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	path := filepath.Join(home, "config.yaml")
	content := fmt.Sprintf(setupConfigTemplate, defaultModel, name, baseURL, apiKey, model)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("写入配置失败: %w", err)
	}

	fmt.Println()
	fmt.Printf("✓ 配置已写入 %s\n", path)
	fmt.Println("现在可以运行 `ngoclaw` 开始对话, 或 `ngoclaw run --background` 启动自治模式")
	return nil
}
