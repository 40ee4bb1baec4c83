package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "/etc/singbox-agent/config.yaml"

// clientOptions push/health 共用的连接参数
type clientOptions struct {
	server  string
	token   string
	secret  string
	timeout time.Duration
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.server, "server", "s", envOr("AGENT_SERVER", "http://127.0.0.1:8080"), "代理地址")
	cmd.Flags().StringVar(&o.token, "token", os.Getenv("AGENT_AUTH_TOKEN"), "Bearer 共享密钥（默认读取 AGENT_AUTH_TOKEN）")
	cmd.Flags().StringVar(&o.secret, "secret", os.Getenv("AGENT_PAYLOAD_SECRET"), "载荷加密口令（默认与 token 相同）")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 5*time.Minute, "请求超时（需覆盖完整部署与回滚）")
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动部署代理",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "配置文件路径")
	return cmd
}

func buildPushCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "加密并推送业务配置（JSON/JSONC）",
		Example: `  singbox-agent push business.jsonc --server http://10.0.0.2:8080 --token $TOKEN
  cat business.json | singbox-agent push -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd.Context(), cmd.OutOrStdout(), cmd.InOrStdin(), args[0], opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func buildHealthCmd() *cobra.Command {
	var opts clientOptions
	cmd := &cobra.Command{
		Use:   "health",
		Short: "查询守护进程存活状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	opts.bind(cmd)
	return cmd
}

func buildBackupsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "列出本机保留的业务配置备份（新到旧）",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackups(cmd.OutOrStdout(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "配置文件路径")
	return cmd
}

func buildTemplateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "template",
		Short: "输出默认的受保护系统配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTemplate(cmd.OutOrStdout())
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
