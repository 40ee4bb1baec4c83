// 文件: process/controller.go
// 外部命令执行：所有命令都有超时上限，结果分为 成功 / 超时 / 非零退出

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"singbox-agent/agent/models"
)

// maxOutput 保留的诊断输出上限
const maxOutput = 4096

// FailureKind 命令失败分类
type FailureKind string

const (
	KindTimeout     FailureKind = "timeout"
	KindNonZeroExit FailureKind = "non_zero_exit"
	KindStartFailed FailureKind = "start_failed"
)

// CommandError 分类后的命令失败
type CommandError struct {
	Command  string
	Kind     FailureKind
	ExitCode int
	Output   string
	Timeout  time.Duration
	Err      error
}

func (e *CommandError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("命令超时 (%v): %s", e.Timeout, e.Command)
	case KindNonZeroExit:
		if e.Output != "" {
			return fmt.Sprintf("命令退出码 %d: %s: %s", e.ExitCode, e.Command, e.Output)
		}
		return fmt.Sprintf("命令退出码 %d: %s", e.ExitCode, e.Command)
	default:
		return fmt.Sprintf("命令启动失败: %s: %v", e.Command, e.Err)
	}
}

// Unwrap 同时匹配 models.ErrProcess 与底层错误
func (e *CommandError) Unwrap() []error {
	if e.Err != nil {
		return []error{models.ErrProcess, e.Err}
	}
	return []error{models.ErrProcess}
}

// Result 成功执行的命令输出
type Result struct {
	Output   string
	Duration time.Duration
}

// Runner 执行一个有时限的外部命令
type Runner interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) (*Result, error)
}

// Controller 基于 os/exec 的 Runner 实现
type Controller struct {
	// WaitDelay 超时被杀后等待输出管道关闭的最长时间
	WaitDelay time.Duration
}

// NewController 创建命令控制器
func NewController() *Controller {
	return &Controller{WaitDelay: 2 * time.Second}
}

// Run 执行 argv，超过 timeout 即终止并返回 KindTimeout
func (c *Controller) Run(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, &CommandError{Kind: KindStartFailed, Err: errors.New("空命令")}
	}
	if timeout <= 0 {
		return nil, &CommandError{Command: strings.Join(argv, " "), Kind: KindStartFailed, Err: errors.New("必须设置超时")}
	}
	startTime := time.Now()
	command := strings.Join(argv, " ")

	// 步骤1：带超时的上下文
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.WaitDelay = c.WaitDelay
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	// 步骤2：执行
	err := cmd.Run()
	took := time.Since(startTime)
	out := truncate(output.String())

	fields := logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "Controller.Run",
		"took":   took,
		"data":   logrus.Fields{"command": command},
	}

	// 步骤3：分类
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		logrus.WithFields(fields).Error(color.RedString("⏱️ 命令超时: %s", command))
		return nil, &CommandError{Command: command, Kind: KindTimeout, Timeout: timeout, Output: out, Err: cmdCtx.Err()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logrus.WithFields(fields).Warnf("❌ 命令退出码 %d: %s", exitErr.ExitCode(), command)
			return nil, &CommandError{Command: command, Kind: KindNonZeroExit, ExitCode: exitErr.ExitCode(), Output: out}
		}
		logrus.WithFields(fields).Error(color.RedString("💥 命令启动失败: %s: %v", command, err))
		return nil, &CommandError{Command: command, Kind: KindStartFailed, Output: out, Err: err}
	}

	logrus.WithFields(fields).Debug(color.GreenString("✅ 命令执行成功: %s", command))
	return &Result{Output: out, Duration: took}, nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutput {
		return s[:maxOutput] + "..."
	}
	return s
}
