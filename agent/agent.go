package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"singbox-agent/agent/api"
	"singbox-agent/agent/config"
	"singbox-agent/agent/crypto"
	"singbox-agent/agent/deploy"
	"singbox-agent/agent/health"
	"singbox-agent/agent/metrics"
	"singbox-agent/agent/process"
	"singbox-agent/agent/storage"
	"singbox-agent/agent/telegram"
)

// Agent 部署代理：HTTP 接口 + 部署编排 + 配置目录守卫
type Agent struct {
	config       *config.Config
	metrics      *metrics.Metrics
	backups      *storage.BackupRotator
	writer       *storage.AtomicWriter
	prober       process.StatusProber
	orchestrator *deploy.Orchestrator
	guard        *storage.LayoutGuard
	server       *api.Server
	notifier     *telegram.Notifier
}

// NewAgent 按配置组装全部组件
func NewAgent(cfg *config.Config) (*Agent, error) {
	// 步骤1：基础组件
	m := metrics.New()
	writer := storage.NewAtomicWriter()
	backups := storage.NewBackupRotator(cfg.Paths.BackupDir, cfg.Backup.Retention, writer)
	runner := process.NewController()
	prober := process.NewCommandProber(runner, cfg.Commands.Status, cfg.Commands.Timeout)
	monitor := health.NewMonitor(prober).WithObserver(func(s process.DaemonStatus) {
		m.ObserveProbe(string(s))
	})

	// 步骤2：部署编排
	orchestrator := deploy.NewOrchestrator(
		deploy.OptionsFromConfig(cfg),
		crypto.NewSealer(cfg.PayloadSecret),
		writer, backups, runner, monitor,
	).WithRecorder(m)

	a := &Agent{
		config:       cfg,
		metrics:      m,
		backups:      backups,
		writer:       writer,
		prober:       prober,
		orchestrator: orchestrator,
		guard:        storage.NewLayoutGuard(cfg.Paths.ConfigDir, cfg.Paths.SystemFile, cfg.Paths.BusinessFile),
	}

	// 步骤3：可选的 Telegram 通知
	if cfg.Telegram.Enabled {
		host, _ := os.Hostname()
		notifier, err := telegram.NewNotifier(cfg.Telegram, host)
		if err != nil {
			return nil, err
		}
		a.notifier = notifier
		orchestrator.WithNotifier(notifier)
	}

	// 步骤4：HTTP 服务
	a.server = api.NewServer(cfg, orchestrator, backups, prober, m.Handler())
	return a, nil
}

// Start 启动代理，阻塞直到 ctx 结束或服务出错
func (a *Agent) Start(ctx context.Context) error {
	green := color.New(color.FgGreen).SprintFunc()
	logrus.Infof("%s 🚀 部署代理启动", green("✅"))
	logrus.Infof("📂 配置目录: %s", a.config.Paths.ConfigDir)
	logrus.Infof("🛡️ 系统配置: %s", a.config.Paths.SystemFile)
	logrus.Infof("📝 业务配置: %s", a.config.Paths.BusinessFile)
	logrus.Infof("💾 备份目录: %s (保留 %d 份)", a.config.Paths.BackupDir, a.config.Backup.Retention)

	// 步骤1：确保受保护配置存在
	if err := os.MkdirAll(a.config.Paths.ConfigDir, 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	if _, err := storage.EnsureSystemConfig(a.config.SystemPath(), a.writer); err != nil {
		return err
	}

	// 步骤2：检查配置目录布局
	unexpected, err := a.guard.Check()
	if err != nil {
		logrus.Warnf("⚠️ 检查配置目录失败: %v", err)
	}
	for _, name := range unexpected {
		logrus.WithField("file", name).Warn(color.YellowString("⚠️ 配置目录存在未预期文件，请移出该目录"))
	}

	// 步骤3：备份数量指标
	if list, err := a.backups.List(); err == nil {
		a.metrics.SetBackups(len(list))
	}

	// 步骤4：目录监视与 HTTP 服务
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.guard.Watch(ctx); err != nil {
			logrus.Warnf("⚠️ 配置目录监视未启动: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.server.Start(ctx)
	})
	return g.Wait()
}

// Stop 等待未完成的通知
func (a *Agent) Stop() {
	if a.notifier != nil {
		a.notifier.Close()
	}
	logrus.Info(color.GreenString("👋 部署代理已停止"))
}
