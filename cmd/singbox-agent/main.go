// singbox-agent：sing-box 远程配置部署代理
//
// 服务端:
//
//	singbox-agent serve --config /etc/singbox-agent/config.yaml
//
// 客户端:
//
//	singbox-agent push business.json --server http://10.0.0.2:8080
//	singbox-agent health --server http://10.0.0.2:8080
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		logrus.Error(color.RedString("❌ %v", err))
		stop()
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "singbox-agent",
		Short:         "sing-box 远程配置部署代理",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		buildServeCmd(),
		buildPushCmd(),
		buildHealthCmd(),
		buildBackupsCmd(),
		buildTemplateCmd(),
	)
	return root
}
