package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"singbox-agent/agent"
	"singbox-agent/agent/api"
	"singbox-agent/agent/config"
	"singbox-agent/agent/crypto"
	"singbox-agent/agent/sanitizer"
	"singbox-agent/agent/storage"
)

// runServe 加载配置并运行代理直到收到退出信号
func runServe(ctx context.Context, configPath string) error {
	startTime := time.Now()

	// 步骤1：加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 步骤2：日志
	closer := config.SetupLogging(cfg.Log)
	defer closer.Close()

	// 步骤3：组装代理
	ag, err := agent.NewAgent(cfg)
	if err != nil {
		return err
	}
	defer ag.Stop()

	logrus.WithFields(logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "runServe",
		"took":   time.Since(startTime),
		"data":   logrus.Fields{"version": version, "config": configPath},
	}).Info(color.GreenString("初始化完成"))

	// 步骤4：运行
	return ag.Start(ctx)
}

// runPush 本地预检、加密并推送业务配置
func runPush(ctx context.Context, out io.Writer, in io.Reader, path string, opts clientOptions) error {
	if opts.token == "" {
		return errors.New("缺少 --token 或 AGENT_AUTH_TOKEN")
	}
	secret := opts.secret
	if secret == "" {
		secret = opts.token
	}

	// 步骤1：读取文档
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(in)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("读取文档失败: %w", err)
	}

	// 步骤2：本地预检，推送清洗后的文档
	doc, err := sanitizer.Sanitize(raw)
	if err != nil {
		return err
	}
	content, err := doc.Marshal()
	if err != nil {
		return err
	}

	// 步骤3：推送
	client := api.NewAPIClient(opts.server, opts.token, crypto.NewSealer(secret), opts.timeout)
	resp, status, err := client.Deploy(ctx, content)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "HTTP %d  outcome=%s  id=%s\n", status, resp.Outcome, resp.DeploymentID)
	if resp.Backup != "" {
		fmt.Fprintf(out, "backup: %s\n", resp.Backup)
	}
	fmt.Fprintln(out, resp.Message)
	if !resp.Success {
		return fmt.Errorf("部署失败: %s", resp.Outcome)
	}
	return nil
}

// runHealth 查询 /health，down 时返回错误
func runHealth(ctx context.Context, out io.Writer, opts clientOptions) error {
	client := api.NewAPIClient(opts.server, opts.token, nil, opts.timeout)
	resp, err := client.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (daemon: %s)\n", resp.Status, resp.Daemon)
	if resp.Status != "up" {
		return errors.New("守护进程未运行")
	}
	return nil
}

// runBackups 列出本机备份
func runBackups(out io.Writer, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	rotator := storage.NewBackupRotator(cfg.Paths.BackupDir, cfg.Backup.Retention, storage.NewAtomicWriter())
	backups, err := rotator.List()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Fprintf(out, "%s 中没有备份\n", rotator.Dir())
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTIME\tSIZE")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%d\n", b.Name, b.Timestamp.Format("2006-01-02 15:04:05"), b.Size)
	}
	return w.Flush()
}

// runTemplate 输出默认系统配置
func runTemplate(out io.Writer) error {
	_, err := io.WriteString(out, storage.DefaultSystemConfig)
	return err
}
