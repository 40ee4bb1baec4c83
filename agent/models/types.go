// 文件: models/types.go
// 部署代理共享的数据模型：配置文档、部署请求/结果、备份快照

package models

import (
	"encoding/json"
	"time"
)

// 业务段与受保护段的字段名
const (
	SectionDNS       = "dns"
	SectionOutbounds = "outbounds"
	SectionRoute     = "route"
	SectionNTP       = "ntp"

	SectionLog          = "log"
	SectionInbounds     = "inbounds"
	SectionExperimental = "experimental"
)

// BusinessSections 可由远端下发的配置段
var BusinessSections = []string{SectionDNS, SectionOutbounds, SectionRoute, SectionNTP}

// ProtectedSections 仅由本地代理维护的配置段，远端请求永远不能写入
var ProtectedSections = []string{SectionLog, SectionInbounds, SectionExperimental}

// ConfigDocument 业务配置文档（只包含 dns/outbounds/route/ntp）
// 字段顺序即落盘顺序
type ConfigDocument struct {
	DNS       map[string]any `json:"dns"`
	Outbounds []any          `json:"outbounds"`
	Route     map[string]any `json:"route"`
	NTP       map[string]any `json:"ntp"`
}

// Marshal 序列化为落盘格式（两空格缩进 + 结尾换行）
func (d *ConfigDocument) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DeployRequest /deploy 请求体：仅一个加密字符串字段
type DeployRequest struct {
	Payload string `json:"payload"`
}

// Outcome 一次部署的终态
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded" // 新配置已生效且进程稳定
	OutcomeRejected  Outcome = "rejected"  // 写盘前失败（载荷/IO），磁盘未变
	OutcomeRecovered Outcome = "recovered" // 已回滚至上一个可用配置
	OutcomeFatal     Outcome = "fatal"     // 回滚后进程仍无法运行，需要人工介入
	OutcomeBusy      Outcome = "busy"      // 已有部署在执行
)

// DeployResult 一次部署的完整结果（同步返回给调用方）
type DeployResult struct {
	ID         string        `json:"deployment_id"`
	Outcome    Outcome       `json:"outcome"`
	Success    bool          `json:"success"`
	Message    string        `json:"message"`
	BackupName string        `json:"backup,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
	Err        error         `json:"-"`
}

// Backup 业务配置快照（存放在配置目录之外）
type Backup struct {
	Name      string    `json:"name"`
	Path      string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// DeployResponse HTTP 响应体
type DeployResponse struct {
	Success      bool    `json:"success"`
	Message      string  `json:"message"`
	Outcome      Outcome `json:"outcome,omitempty"`
	DeploymentID string  `json:"deployment_id,omitempty"`
	Backup       string  `json:"backup,omitempty"`
}

// StatusResponse /status 响应体
type StatusResponse struct {
	Phase      string        `json:"phase"`
	Daemon     string        `json:"daemon"`
	LastResult *DeployResult `json:"last_result,omitempty"`
}
