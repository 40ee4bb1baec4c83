package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"singbox-agent/agent/models"
)

// DefaultSystemConfig 受保护段默认模板
// tun 入站开启 auto_route + strict_route 防止流量绕过隧道；system 协议栈；开启嗅探；
// 持久化 cache_file；管理 API 仅监听本地
const DefaultSystemConfig = `{
  "log": {
    "level": "info",
    "timestamp": true
  },
  "inbounds": [
    {
      "type": "tun",
      "tag": "tun-in",
      "interface_name": "tun0",
      "address": [
        "172.19.0.1/30",
        "fdfe:dcba:9876::1/126"
      ],
      "mtu": 9000,
      "auto_route": true,
      "strict_route": true,
      "stack": "system",
      "sniff": true,
      "sniff_override_destination": false
    }
  ],
  "experimental": {
    "cache_file": {
      "enabled": true,
      "path": "cache.db"
    },
    "clash_api": {
      "external_controller": "127.0.0.1:9090"
    }
  }
}
`

// EnsureSystemConfig 受保护配置不存在时写入默认模板，返回是否新建
func EnsureSystemConfig(path string, writer Applier) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("%w: 读取系统配置失败: %v", models.ErrIO, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("%w: 创建配置目录失败: %v", models.ErrIO, err)
	}
	if err := writer.Apply(path, []byte(DefaultSystemConfig)); err != nil {
		return false, err
	}
	logrus.WithField("path", path).Info(color.GreenString("🛡️ 已生成默认系统配置"))
	return true, nil
}
