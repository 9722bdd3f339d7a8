package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
)

// lightpandaReleaseURL resolves the prebuilt binary for the running
// platform. Lightpanda (https://github.com/lightpanda-io/browser) only
// ships linux/macOS amd64/arm64 builds today.
func lightpandaReleaseURL() (string, error) {
	var arch string
	switch runtime.GOARCH {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	default:
		return "", fmt.Errorf("lightpanda: unsupported arch %s", runtime.GOARCH)
	}
	var osName string
	switch runtime.GOOS {
	case "linux":
		osName = "linux"
	case "darwin":
		osName = "macos"
	default:
		return "", fmt.Errorf("lightpanda: unsupported os %s", runtime.GOOS)
	}
	return fmt.Sprintf("https://github.com/lightpanda-io/browser/releases/latest/download/lightpanda-%s-%s", arch, osName), nil
}

type lightpandaState struct {
	Enabled    bool   `json:"enabled"`
	BinaryPath string `json:"binary_path"`
	CDPPort    int    `json:"cdp_port"`
}

func lightpandaDir() string {
	return filepath.Join(config.HomeDir(), "bin")
}

func lightpandaBinaryPath() string {
	return filepath.Join(lightpandaDir(), "lightpanda")
}

func lightpandaStatePath() string {
	return filepath.Join(config.HomeDir(), "lightpanda.json")
}

func lightpandaLockPath() string {
	return filepath.Join(config.HomeDir(), "lightpanda.lock")
}

func loadLightpandaState() lightpandaState {
	data, err := os.ReadFile(lightpandaStatePath())
	if err != nil {
		return lightpandaState{}
	}
	var st lightpandaState
	_ = json.Unmarshal(data, &st)
	return st
}

func saveLightpandaState(st lightpandaState) error {
	if err := os.MkdirAll(config.HomeDir(), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(lightpandaStatePath(), data, 0644)
}

func newLightpandaCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lightpanda",
		Short: "管理 Lightpanda 浏览器引擎进程生命周期 (不含浏览器自动化逻辑)",
	}
	root.AddCommand(
		&cobra.Command{Use: "install", Short: "下载 Lightpanda 二进制 (若缺失)", RunE: runLightpandaInstall},
		&cobra.Command{Use: "enable", Short: "标记 Lightpanda 为启用状态", RunE: runLightpandaEnable},
		&cobra.Command{Use: "status", Short: "显示 Lightpanda 安装/运行状态", RunE: runLightpandaStatus},
	)

	startCmd := &cobra.Command{Use: "start", Short: "启动 Lightpanda 进程 (CDP 监听)", RunE: runLightpandaStart}
	startCmd.Flags().BoolP("background", "b", false, "后台运行")
	startCmd.Flags().Int("port", 9222, "CDP 监听端口")
	root.AddCommand(startCmd)

	return root
}

func runLightpandaInstall(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(lightpandaBinaryPath()); err == nil {
		fmt.Println("✓ Lightpanda 已安装:", lightpandaBinaryPath())
		return nil
	}

	url, err := lightpandaReleaseURL()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(lightpandaDir(), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	fmt.Println("⏳ 下载 Lightpanda:", url)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("下载失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("下载失败: HTTP %d", resp.StatusCode)
	}

	out, err := os.OpenFile(lightpandaBinaryPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return fmt.Errorf("写入二进制失败: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("写入二进制失败: %w", err)
	}

	fmt.Println("✓ Lightpanda 安装完成:", lightpandaBinaryPath())
	return nil
}

func runLightpandaEnable(cmd *cobra.Command, args []string) error {
	st := loadLightpandaState()
	st.Enabled = true
	st.BinaryPath = lightpandaBinaryPath()
	if err := saveLightpandaState(st); err != nil {
		return fmt.Errorf("保存状态失败: %w", err)
	}
	fmt.Println("✓ Lightpanda 已启用 (配置见 ~/.ngoclaw/lightpanda.json)")
	return nil
}

func runLightpandaStart(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(lightpandaBinaryPath()); err != nil {
		return fmt.Errorf("未安装, 请先运行 `ngoclaw lightpanda install`")
	}
	if pid := readLightpandaLock(); pidAlive(pid) {
		return fmt.Errorf("Lightpanda 已在运行 (pid %d)", pid)
	}

	background, _ := cmd.Flags().GetBool("background")
	port, _ := cmd.Flags().GetInt("port")

	child := exec.Command(lightpandaBinaryPath(), "serve", "--port", strconv.Itoa(port))

	if background {
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("打开 /dev/null 失败: %w", err)
		}
		child.Stdin, child.Stdout, child.Stderr = devnull, devnull, devnull
		if err := child.Start(); err != nil {
			return fmt.Errorf("启动失败: %w", err)
		}
		if err := os.WriteFile(lightpandaLockPath(), []byte(strconv.Itoa(child.Process.Pid)), 0644); err != nil {
			return fmt.Errorf("写入 lock 失败: %w", err)
		}
		st := loadLightpandaState()
		st.CDPPort = port
		_ = saveLightpandaState(st)
		fmt.Printf("✓ Lightpanda 已在后台启动 (pid %d, port %d)\n", child.Process.Pid, port)
		return nil
	}

	child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr
	return child.Run()
}

func runLightpandaStatus(cmd *cobra.Command, args []string) error {
	st := loadLightpandaState()
	installed := false
	if _, err := os.Stat(lightpandaBinaryPath()); err == nil {
		installed = true
	}
	pid := readLightpandaLock()
	running := pidAlive(pid)

	fmt.Printf("安装: %v (%s)\n", installed, lightpandaBinaryPath())
	fmt.Printf("启用: %v\n", st.Enabled)
	if running {
		fmt.Printf("运行中: pid %d, port %d\n", pid, st.CDPPort)
	} else {
		fmt.Println("运行中: 否")
	}
	return nil
}

func readLightpandaLock() int {
	data, err := os.ReadFile(lightpandaLockPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}
