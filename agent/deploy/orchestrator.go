// Package deploy 部署编排：单飞锁、写盘、校验、重启、健康检查与回滚
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"singbox-agent/agent/config"
	"singbox-agent/agent/crypto"
	"singbox-agent/agent/health"
	"singbox-agent/agent/models"
	"singbox-agent/agent/process"
	"singbox-agent/agent/sanitizer"
	"singbox-agent/agent/storage"
)

// Recorder 部署指标
type Recorder interface {
	ObserveDeployment(outcome string, took time.Duration)
	SetInFlight(inFlight bool)
	SetBackups(n int)
}

// Notifier 终态通知（不得阻塞）
type Notifier interface {
	NotifyDeployment(result models.DeployResult)
}

// Options 编排所需的路径、命令与时序
type Options struct {
	SystemPath     string
	BusinessPath   string
	CheckCommand   []string
	RestartCommand []string
	CommandTimeout time.Duration

	InitialDelay  time.Duration
	CheckCount    int
	Interval      time.Duration
	RollbackDelay time.Duration
}

// OptionsFromConfig 由代理配置生成编排参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SystemPath:     cfg.SystemPath(),
		BusinessPath:   cfg.BusinessPath(),
		CheckCommand:   cfg.CheckCommand(),
		RestartCommand: cfg.Commands.Restart,
		CommandTimeout: cfg.Commands.Timeout,
		InitialDelay:   cfg.Health.InitialDelay,
		CheckCount:     cfg.Health.CheckCount,
		Interval:       cfg.Health.Interval,
		RollbackDelay:  cfg.Health.RollbackDelay,
	}
}

// rollbackContext 部署前的业务配置
type rollbackContext struct {
	content []byte
}

// Orchestrator 部署编排器，同一时间只允许一个部署在执行
type Orchestrator struct {
	opts    Options
	opener  crypto.Opener
	writer  storage.Applier
	backups *storage.BackupRotator
	runner  process.Runner
	monitor *health.Monitor

	sem *semaphore.Weighted

	mu    sync.RWMutex
	phase Phase
	last  *models.DeployResult

	recorder Recorder
	notifier Notifier
}

// NewOrchestrator 创建编排器
func NewOrchestrator(opts Options, opener crypto.Opener, writer storage.Applier, backups *storage.BackupRotator, runner process.Runner, monitor *health.Monitor) *Orchestrator {
	return &Orchestrator{
		opts:    opts,
		opener:  opener,
		writer:  writer,
		backups: backups,
		runner:  runner,
		monitor: monitor,
		sem:     semaphore.NewWeighted(1),
		phase:   PhaseIdle,
	}
}

// WithRecorder 设置指标记录器
func (o *Orchestrator) WithRecorder(r Recorder) *Orchestrator {
	o.recorder = r
	return o
}

// WithNotifier 设置终态通知
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// Phase 当前状态（不等待部署锁）
func (o *Orchestrator) Phase() Phase {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.phase
}

// LastResult 最近一次完成的部署结果
func (o *Orchestrator) LastResult() *models.DeployResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return nil
	}
	copied := *o.last
	return &copied
}

// Deploy 执行一次完整部署，返回终态结果
// 部署一旦开始就不受调用方取消影响，直到终态
func (o *Orchestrator) Deploy(ctx context.Context, payload string) *models.DeployResult {
	startTime := time.Now()
	result := &models.DeployResult{ID: uuid.NewString(), StartedAt: startTime}

	// ================================
	// 步骤1：单飞锁，已有部署直接拒绝
	// ================================
	if !o.sem.TryAcquire(1) {
		logrus.WithFields(logrus.Fields{
			"time":   time.Now().Format("2006-01-02 15:04:05"),
			"method": "Orchestrator.Deploy",
			"data":   logrus.Fields{"deployment_id": result.ID},
		}).Warn(color.YellowString("🔒 已有部署在执行，拒绝本次请求"))
		result.Outcome = models.OutcomeBusy
		result.Err = models.ErrLockBusy
		result.Message = "已有部署在执行，请稍后重试"
		if o.recorder != nil {
			o.recorder.ObserveDeployment(string(models.OutcomeBusy), 0)
		}
		return result
	}
	defer o.sem.Release(1)
	if o.recorder != nil {
		o.recorder.SetInFlight(true)
		defer o.recorder.SetInFlight(false)
	}

	ctx = context.WithoutCancel(ctx)
	o.transition(result.ID, EventBegin)
	logrus.WithFields(logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "Orchestrator.Deploy",
		"data":   logrus.Fields{"deployment_id": result.ID},
	}).Info(color.GreenString("🚀 开始部署"))

	o.run(ctx, result, payload)

	// ================================
	// 步骤10：无论结果如何都回到 Idle
	// ================================
	result.Duration = time.Since(startTime)
	o.finish(result)
	return result
}

// run 部署主流程，在 result 中写入终态
func (o *Orchestrator) run(ctx context.Context, result *models.DeployResult, payload string) {
	// ================================
	// 步骤2：确保受保护配置存在
	// ================================
	if _, err := storage.EnsureSystemConfig(o.opts.SystemPath, o.writer); err != nil {
		o.abort(result, err)
		return
	}

	// ================================
	// 步骤3：解密并清洗载荷，失败时磁盘不变
	// ================================
	doc, err := o.decode(payload)
	if err != nil {
		o.removeEmptyBusinessFile()
		o.abort(result, err)
		return
	}
	content, err := doc.Marshal()
	if err != nil {
		o.abort(result, fmt.Errorf("%w: 序列化配置失败: %v", models.ErrPayload, err))
		return
	}

	// ================================
	// 步骤4：读取并归档旧业务配置
	// ================================
	rb, err := o.snapshot(result)
	if err != nil {
		o.abort(result, err)
		return
	}

	// ================================
	// 步骤5：原子写入新配置
	// ================================
	if err := o.writer.Apply(o.opts.BusinessPath, content); err != nil {
		o.abort(result, err)
		return
	}

	// ================================
	// 步骤6-8：校验、重启、健康检查
	// ================================
	restarted, err := o.activate(ctx)
	if err == nil {
		o.transition(result.ID, EventSucceed)
		result.Outcome = models.OutcomeSucceeded
		result.Success = true
		result.Message = "部署成功，守护进程运行稳定"
		return
	}

	// ================================
	// 步骤9：回滚
	// ================================
	o.transition(result.ID, EventFail)
	o.rollback(ctx, result, rb, restarted, err)
}

// decode 解密、解析并清洗载荷
func (o *Orchestrator) decode(payload string) (*models.ConfigDocument, error) {
	plaintext, err := o.opener.Open(payload)
	if err != nil {
		return nil, err
	}
	return sanitizer.Sanitize(plaintext)
}

// snapshot 读取旧业务配置作为回滚上下文并归档；首次部署返回 nil
// 归档失败只记录日志
func (o *Orchestrator) snapshot(result *models.DeployResult) (*rollbackContext, error) {
	previous, err := os.ReadFile(o.opts.BusinessPath)
	if errors.Is(err, os.ErrNotExist) {
		logrus.WithField("deployment_id", result.ID).Info("🆕 首次部署，无旧配置可归档")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 读取旧业务配置失败: %v", models.ErrIO, err)
	}

	backup, err := o.backups.Archive(previous)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"method": "Orchestrator.snapshot",
			"data":   logrus.Fields{"deployment_id": result.ID},
		}).Warnf(color.YellowString("⚠️ 旧配置归档失败，继续部署: %v"), err)
	} else {
		result.BackupName = backup.Name
	}
	if o.recorder != nil {
		if list, err := o.backups.List(); err == nil {
			o.recorder.SetBackups(len(list))
		}
	}
	return &rollbackContext{content: previous}, nil
}

// activate 校验、重启并观察进程；restarted 表示重启命令已经执行过
func (o *Orchestrator) activate(ctx context.Context) (restarted bool, err error) {
	if _, err := o.runner.Run(ctx, o.opts.CheckCommand, o.opts.CommandTimeout); err != nil {
		return false, fmt.Errorf("配置校验失败: %w", err)
	}
	logrus.Info(color.GreenString("✅ 配置校验通过"))

	if _, err := o.runner.Run(ctx, o.opts.RestartCommand, o.opts.CommandTimeout); err != nil {
		return true, fmt.Errorf("重启失败: %w", err)
	}
	logrus.Info(color.GreenString("🔄 守护进程已重启，开始健康检查"))

	if err := o.monitor.Watch(ctx, o.opts.InitialDelay, o.opts.CheckCount, o.opts.Interval); err != nil {
		return true, err
	}
	return true, nil
}

// rollback 恢复旧配置；首次部署则删除新写入的业务配置
func (o *Orchestrator) rollback(ctx context.Context, result *models.DeployResult, rb *rollbackContext, restarted bool, cause error) {
	startTime := time.Now()
	fields := logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "Orchestrator.rollback",
		"data":   logrus.Fields{"deployment_id": result.ID, "first_deploy": rb == nil, "restarted": restarted},
	}
	logrus.WithFields(fields).Warnf(color.YellowString("🔙 部署失败，开始回滚: %v"), cause)

	var err error
	if rb != nil {
		err = o.restorePrevious(ctx, rb)
	} else {
		err = o.removeBusinessFile(ctx, restarted)
	}

	fields["took"] = time.Since(startTime)
	if err != nil {
		o.transition(result.ID, EventRollbackFail)
		fields["fatal"] = true
		logrus.WithFields(fields).Error(color.RedString("🚨 回滚后守护进程仍不可用，需要人工介入: %v", err))
		result.Outcome = models.OutcomeFatal
		result.Err = fmt.Errorf("%w: %v (原始错误: %v)", models.ErrRollbackFailed, err, cause)
		result.Message = fmt.Sprintf("部署失败且回滚未能恢复守护进程，需要人工介入: %v", result.Err)
		return
	}

	o.transition(result.ID, EventRecover)
	logrus.WithFields(fields).Info(color.GreenString("✅ 回滚完成，守护进程已恢复"))
	result.Outcome = models.OutcomeRecovered
	result.Err = cause
	if rb != nil {
		result.Message = fmt.Sprintf("部署失败，已回滚至上一个配置: %v", cause)
	} else {
		result.Message = fmt.Sprintf("部署失败，已移除新写入的业务配置: %v", cause)
	}
}

// restorePrevious 写回旧配置、重启并探测一次
func (o *Orchestrator) restorePrevious(ctx context.Context, rb *rollbackContext) error {
	if err := o.writer.Apply(o.opts.BusinessPath, rb.content); err != nil {
		return fmt.Errorf("写回旧配置失败: %w", err)
	}
	return o.restartAndProbe(ctx)
}

// removeBusinessFile 首次部署失败：删除业务配置，进程已被重启过才需要再次重启
func (o *Orchestrator) removeBusinessFile(ctx context.Context, restarted bool) error {
	if err := os.Remove(o.opts.BusinessPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: 删除业务配置失败: %v", models.ErrIO, err)
	}
	if !restarted {
		return nil
	}
	return o.restartAndProbe(ctx)
}

func (o *Orchestrator) restartAndProbe(ctx context.Context) error {
	if _, err := o.runner.Run(ctx, o.opts.RestartCommand, o.opts.CommandTimeout); err != nil {
		return fmt.Errorf("回滚重启失败: %w", err)
	}
	return o.monitor.Watch(ctx, o.opts.RollbackDelay, 1, 0)
}

// removeEmptyBusinessFile 载荷错误时清理残留的空业务配置
func (o *Orchestrator) removeEmptyBusinessFile() {
	info, err := os.Stat(o.opts.BusinessPath)
	if err != nil || info.Size() != 0 {
		return
	}
	if err := os.Remove(o.opts.BusinessPath); err != nil {
		logrus.Warnf(color.YellowString("⚠️ 删除空业务配置失败: %v"), err)
	}
}

// abort 写盘前失败：守护进程配置未变
func (o *Orchestrator) abort(result *models.DeployResult, err error) {
	o.transition(result.ID, EventAbort)
	logrus.WithFields(logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "Orchestrator.abort",
		"data":   logrus.Fields{"deployment_id": result.ID},
	}).Error(color.RedString("❌ 部署被拒绝: %v", err))
	result.Outcome = models.OutcomeRejected
	result.Err = err
	result.Message = err.Error()
}

// finish 记录结果、通知并回到 Idle
func (o *Orchestrator) finish(result *models.DeployResult) {
	o.mu.Lock()
	copied := *result
	o.last = &copied
	o.mu.Unlock()
	o.transition(result.ID, EventFinish)

	if o.recorder != nil {
		o.recorder.ObserveDeployment(string(result.Outcome), result.Duration)
	}
	if o.notifier != nil && result.Outcome != models.OutcomeRejected {
		o.notifier.NotifyDeployment(copied)
	}

	logrus.WithFields(logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "Orchestrator.Deploy",
		"took":   result.Duration,
		"data":   logrus.Fields{"deployment_id": result.ID, "outcome": result.Outcome},
	}).Infof("🏁 部署结束: %s", result.Outcome)
}

// transition 按状态机推进；非法迁移只会来自编码错误
func (o *Orchestrator) transition(id string, event Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, err := Next(o.phase, event)
	if err != nil {
		logrus.WithField("deployment_id", id).Error(color.RedString("💥 %v", err))
		return
	}
	logrus.WithFields(logrus.Fields{
		"deployment_id": id,
		"from":          o.phase,
		"to":            next,
	}).Debug("🔁 状态迁移")
	o.phase = next
}
