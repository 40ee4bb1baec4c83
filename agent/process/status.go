package process

import (
	"context"
	"errors"
	"time"
)

// DaemonStatus 守护进程状态
type DaemonStatus string

const (
	StatusRunning DaemonStatus = "running"
	StatusStopped DaemonStatus = "stopped"
	StatusUnknown DaemonStatus = "unknown"
)

// stoppedExitCode systemctl is-active 对 inactive/failed 单元返回 3
const stoppedExitCode = 3

// StatusProber 查询守护进程是否在运行
type StatusProber interface {
	Status(ctx context.Context) DaemonStatus
}

// CommandProber 通过状态命令的退出码判断运行状态：0 运行，3 停止，其余未知
type CommandProber struct {
	runner  Runner
	argv    []string
	timeout time.Duration
}

// NewCommandProber 创建基于命令的状态探针
func NewCommandProber(runner Runner, argv []string, timeout time.Duration) *CommandProber {
	return &CommandProber{runner: runner, argv: argv, timeout: timeout}
}

// Status 执行一次状态查询
func (p *CommandProber) Status(ctx context.Context) DaemonStatus {
	_, err := p.runner.Run(ctx, p.argv, p.timeout)
	if err == nil {
		return StatusRunning
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Kind == KindNonZeroExit && cmdErr.ExitCode == stoppedExitCode {
		return StatusStopped
	}
	return StatusUnknown
}
