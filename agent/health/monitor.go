// Package health 在重启后检测守护进程是否进入崩溃循环：
// 先等待启动，再按固定间隔多次探测，任意一次未运行即判定失败。
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"singbox-agent/agent/models"
	"singbox-agent/agent/process"
)

// ProbeObserver 每次探测后的回调（用于指标）
type ProbeObserver func(status process.DaemonStatus)

// Monitor 崩溃循环检测器
type Monitor struct {
	prober   process.StatusProber
	observer ProbeObserver
}

// NewMonitor 创建检测器
func NewMonitor(prober process.StatusProber) *Monitor {
	return &Monitor{prober: prober}
}

// WithObserver 设置探测回调
func (m *Monitor) WithObserver(observer ProbeObserver) *Monitor {
	m.observer = observer
	return m
}

// Watch 等待 initialDelay 后做 checkCount 次间隔为 interval 的探测
// 第一次探测到未运行立即返回 ErrCrashLoop，不再等待剩余探测
func (m *Monitor) Watch(ctx context.Context, initialDelay time.Duration, checkCount int, interval time.Duration) error {
	if checkCount <= 0 {
		return fmt.Errorf("探测次数必须大于0: %d", checkCount)
	}
	startTime := time.Now()

	// 步骤1：等待守护进程完成启动（如虚拟网卡初始化）
	if initialDelay > 0 {
		timer := time.NewTimer(initialDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	// 步骤2：固定间隔探测
	probes := 0
	backoff := wait.Backoff{Duration: interval, Factor: 1, Steps: checkCount}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		probes++
		status := m.prober.Status(ctx)
		if m.observer != nil {
			m.observer(status)
		}
		logrus.WithFields(logrus.Fields{
			"method": "Monitor.Watch",
			"data":   logrus.Fields{"probe": probes, "of": checkCount, "status": status},
		}).Debug("🩺 健康探测")

		if status != process.StatusRunning {
			return false, fmt.Errorf("%w: 第 %d/%d 次探测状态为 %s", models.ErrCrashLoop, probes, checkCount, status)
		}
		return probes >= checkCount, nil
	})

	fields := logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "Monitor.Watch",
		"took":   time.Since(startTime),
	}
	if err != nil {
		if !errors.Is(err, models.ErrCrashLoop) && ctx.Err() == nil {
			err = fmt.Errorf("%w: 探测未完成: %v", models.ErrCrashLoop, err)
		}
		logrus.WithFields(fields).Error(color.RedString("💥 检测到崩溃循环: %v", err))
		return err
	}

	logrus.WithFields(fields).Info(color.GreenString("✅ 守护进程稳定运行 (%d/%d)", probes, checkCount))
	return nil
}
