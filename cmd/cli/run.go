package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/gateway/internal/application"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/gateway/internal/infrastructure/logger"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动自治核心 (Action Queue + Scheduler + HITL), 前台或后台运行",
		Long:  "启动完整应用 (等同于 serve), 额外维护 gateway.lock PID 文件; --background 时派生后台进程后立即返回",
		RunE:  runRun,
	}
	cmd.Flags().BoolP("background", "b", false, "后台运行 (派生子进程, 立即返回)")
	return cmd
}

func lockFilePath() string {
	return filepath.Join(config.HomeDir(), "gateway.lock")
}

// readLock returns the pid recorded in gateway.lock, or 0 if absent/unreadable.
func readLock() int {
	data, err := os.ReadFile(lockFilePath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0
	}
	return pid
}

// pidAlive reports whether pid refers to a live process (signal 0 probe).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func writeLock(pid int) error {
	if err := os.MkdirAll(config.HomeDir(), 0755); err != nil {
		return err
	}
	return os.WriteFile(lockFilePath(), []byte(strconv.Itoa(pid)), 0644)
}

func removeLock() {
	_ = os.Remove(lockFilePath())
}

func runRun(cmd *cobra.Command, args []string) error {
	background, _ := cmd.Flags().GetBool("background")

	if existing := readLock(); pidAlive(existing) {
		return fmt.Errorf("检测到已在运行的实例 (pid %d), 若已失效请删除 %s", existing, lockFilePath())
	}

	if background {
		childArgs := []string{"run"}
		child := exec.Command(os.Args[0], childArgs...)
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("打开 /dev/null 失败: %w", err)
		}
		child.Stdin = devnull
		child.Stdout = devnull
		child.Stderr = devnull
		if err := child.Start(); err != nil {
			return fmt.Errorf("后台启动失败: %w", err)
		}
		fmt.Printf("✓ 已在后台启动 (pid %d)\n", child.Process.Pid)
		return nil
	}

	log, err := logger.NewLogger(logger.Config{Level: "info", Format: "json", OutputPath: "stdout"})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}

	if err := writeLock(os.Getpid()); err != nil {
		log.Warn("Failed to write gateway.lock", zap.Error(err))
	}
	defer removeLock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal, draining", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	return nil
}
