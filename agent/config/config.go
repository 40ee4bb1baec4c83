//config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ConfigDirPlaceholder 检查命令参数中的配置目录占位符
const ConfigDirPlaceholder = "{config_dir}"

// PathsConfig 配置目录与备份目录布局
type PathsConfig struct {
	ConfigDir    string `yaml:"config_dir" validate:"required"`    // 守护进程配置目录
	SystemFile   string `yaml:"system_file" validate:"required"`   // 受保护的系统配置文件名
	BusinessFile string `yaml:"business_file" validate:"required"` // 业务配置文件名（远端部署目标）
	BackupDir    string `yaml:"backup_dir" validate:"required"`    // 备份目录（必须在配置目录之外）
}

// BackupConfig 备份保留策略
type BackupConfig struct {
	Retention int `yaml:"retention" validate:"min=1"` // 保留的最近备份数量
}

// CommandsConfig 外部命令（argv 形式）
type CommandsConfig struct {
	Check   []string      `yaml:"check" validate:"min=1"`   // 语法检查
	Restart []string      `yaml:"restart" validate:"min=1"` // 重启
	Status  []string      `yaml:"status" validate:"min=1"`  // 状态查询
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`  // 单个命令超时
}

// HealthConfig 重启后的崩溃循环检测参数
type HealthConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay" validate:"gte=0"`  // 首次探测前等待
	CheckCount    int           `yaml:"check_count" validate:"min=1"`    // 探测次数
	Interval      time.Duration `yaml:"interval" validate:"gte=0"`       // 探测间隔
	RollbackDelay time.Duration `yaml:"rollback_delay" validate:"gte=0"` // 回滚重启后探测前等待
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Listen       string        `yaml:"listen" validate:"required"`
	AllowedIPs   []string      `yaml:"allowed_ips"`                    // IP/CIDR 白名单，空表示不限制
	RateLimit    float64       `yaml:"rate_limit" validate:"gte=0"`    // /deploy 每秒请求数
	RateBurst    int           `yaml:"rate_burst" validate:"gte=0"`    // /deploy 突发数
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`  // 读超时
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"` // 写超时（需覆盖完整部署流程）
}

// TelegramConfig 部署结果通知
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token" validate:"required_if=Enabled true"`
	ChatID  int64  `yaml:"chat_id" validate:"required_if=Enabled true"`
}

// Config 完整配置结构
type Config struct {
	AuthToken     string         `yaml:"auth_token" validate:"required"` // Bearer 共享密钥
	PayloadSecret string         `yaml:"payload_secret"`                 // 载荷加密口令，默认与 auth_token 相同
	Paths         PathsConfig    `yaml:"paths"`
	Backup        BackupConfig   `yaml:"backup"`
	Commands      CommandsConfig `yaml:"commands"`
	Health        HealthConfig   `yaml:"health"`
	Server        ServerConfig   `yaml:"server"`
	Telegram      TelegramConfig `yaml:"telegram"`
	Log           LogConfig      `yaml:"log"`
}

// LoadConfig 从YAML文件加载配置
func LoadConfig(filePath string) (*Config, error) {
	startTime := time.Now()
	// 步骤1：读取配置文件
	data, err := os.ReadFile(filePath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"time":   time.Now().Format("2006-01-02 15:04:05"),
			"method": "LoadConfig",
			"took":   time.Since(startTime),
		}).Errorf("读取配置文件失败: %v", err)
		return nil, err
	}

	// 步骤2：解析YAML
	cfg, err := Parse(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"time":   time.Now().Format("2006-01-02 15:04:05"),
			"method": "LoadConfig",
			"took":   time.Since(startTime),
		}).Errorf("解析配置失败: %v", err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "LoadConfig",
		"took":   time.Since(startTime),
	}).Info("配置加载成功")
	return cfg, nil
}

// Parse 解析YAML内容：默认值 -> 环境变量 -> 校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析YAML失败: %w", err)
	}
	cfg.setDefaults()
	cfg.mergeEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	// 步骤1：目录布局
	if c.Paths.ConfigDir == "" {
		c.Paths.ConfigDir = "/etc/sing-box/conf.d"
	}
	if c.Paths.SystemFile == "" {
		c.Paths.SystemFile = "00-system.json"
	}
	if c.Paths.BusinessFile == "" {
		c.Paths.BusinessFile = "10-business.json"
	}
	if c.Paths.BackupDir == "" {
		c.Paths.BackupDir = "/var/lib/singbox-agent/backups"
	}

	// 步骤2：备份保留
	if c.Backup.Retention == 0 {
		c.Backup.Retention = 10
	}

	// 步骤3：外部命令
	if len(c.Commands.Check) == 0 {
		c.Commands.Check = []string{"sing-box", "check", "-C", ConfigDirPlaceholder}
	}
	if len(c.Commands.Restart) == 0 {
		c.Commands.Restart = []string{"systemctl", "restart", "sing-box"}
	}
	if len(c.Commands.Status) == 0 {
		c.Commands.Status = []string{"systemctl", "is-active", "--quiet", "sing-box"}
	}
	if c.Commands.Timeout == 0 {
		c.Commands.Timeout = 30 * time.Second
	}

	// 步骤4：健康检查
	if c.Health.InitialDelay == 0 {
		c.Health.InitialDelay = 3 * time.Second
	}
	if c.Health.CheckCount == 0 {
		c.Health.CheckCount = 5
	}
	if c.Health.Interval == 0 {
		c.Health.Interval = time.Second
	}
	if c.Health.RollbackDelay == 0 {
		c.Health.RollbackDelay = 3 * time.Second
	}

	// 步骤5：HTTP服务
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 1
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 5
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}

	// 步骤6：日志
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
}

// mergeEnvVars 合并环境变量
func (c *Config) mergeEnvVars() {
	// 步骤1：服务与密钥
	if listen := os.Getenv("AGENT_LISTEN"); listen != "" {
		c.Server.Listen = listen
	}
	if token := os.Getenv("AGENT_AUTH_TOKEN"); token != "" {
		c.AuthToken = token
	}
	if secret := os.Getenv("AGENT_PAYLOAD_SECRET"); secret != "" {
		c.PayloadSecret = secret
	}
	if level := os.Getenv("AGENT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	// 步骤2：Telegram
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		c.Telegram.Token = token
	}
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}

	// 步骤3：口令未单独配置时沿用认证令牌
	if c.PayloadSecret == "" {
		c.PayloadSecret = c.AuthToken
	}
}

// Validate 结构校验 + 目录布局校验
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	if c.Paths.SystemFile == c.Paths.BusinessFile {
		return fmt.Errorf("system_file 与 business_file 不能相同: %s", c.Paths.SystemFile)
	}
	for _, name := range []string{c.Paths.SystemFile, c.Paths.BusinessFile} {
		if filepath.Base(name) != name {
			return fmt.Errorf("配置文件名不能包含路径: %s", name)
		}
	}

	// 备份目录放进配置目录会让守护进程读到重复的标识，直接拒绝
	inside, err := isWithin(c.Paths.ConfigDir, c.Paths.BackupDir)
	if err != nil {
		return fmt.Errorf("解析目录失败: %w", err)
	}
	if inside {
		return fmt.Errorf("backup_dir (%s) 不能位于 config_dir (%s) 之内", c.Paths.BackupDir, c.Paths.ConfigDir)
	}
	return nil
}

// SystemPath 受保护配置的完整路径
func (c *Config) SystemPath() string {
	return filepath.Join(c.Paths.ConfigDir, c.Paths.SystemFile)
}

// BusinessPath 业务配置的完整路径
func (c *Config) BusinessPath() string {
	return filepath.Join(c.Paths.ConfigDir, c.Paths.BusinessFile)
}

// CheckCommand 替换占位符后的检查命令
func (c *Config) CheckCommand() []string {
	out := make([]string, len(c.Commands.Check))
	for i, arg := range c.Commands.Check {
		out[i] = strings.ReplaceAll(arg, ConfigDirPlaceholder, c.Paths.ConfigDir)
	}
	return out
}

// isWithin child 是否等于 parent 或位于其下
func isWithin(parent, child string) (bool, error) {
	p, err := filepath.Abs(parent)
	if err != nil {
		return false, err
	}
	ch, err := filepath.Abs(child)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(p, ch)
	if err != nil {
		return false, nil
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))), nil
}
