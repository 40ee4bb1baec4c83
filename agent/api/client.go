package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"singbox-agent/agent/models"
)

// Sealer 加密待部署文档
type Sealer interface {
	Seal(plaintext []byte) (string, error)
}

// APIClient 部署代理客户端
type APIClient struct {
	baseURL string
	token   string
	sealer  Sealer
	client  *http.Client
}

// NewAPIClient 创建客户端；timeout 需覆盖服务端完整的部署与回滚时间
func NewAPIClient(baseURL, token string, sealer Sealer, timeout time.Duration) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		sealer:  sealer,
		client:  &http.Client{Timeout: timeout},
	}
}

// Deploy 加密文档并 POST /deploy，返回服务端结果与状态码
func (c *APIClient) Deploy(ctx context.Context, document []byte) (*models.DeployResponse, int, error) {
	startTime := time.Now()
	// 步骤1：加密
	payload, err := c.sealer.Seal(document)
	if err != nil {
		return nil, 0, fmt.Errorf("加密文档失败: %w", err)
	}

	// 步骤2：序列化请求
	body, err := json.Marshal(models.DeployRequest{Payload: payload})
	if err != nil {
		return nil, 0, fmt.Errorf("JSON序列化失败: %v", err)
	}

	// 步骤3：发送请求
	var resp models.DeployResponse
	status, err := c.do(ctx, http.MethodPost, "/deploy", bytes.NewReader(body), &resp)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"time":   time.Now().Format("2006-01-02 15:04:05"),
			"method": "Deploy",
			"took":   time.Since(startTime),
		}).Errorf(color.RedString("推送失败: %v", err))
		return nil, status, err
	}

	// 步骤4：总结
	fields := logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "Deploy",
		"took":   time.Since(startTime),
		"data": logrus.Fields{
			"status":        status,
			"outcome":       resp.Outcome,
			"deployment_id": resp.DeploymentID,
		},
	}
	if resp.Success {
		logrus.WithFields(fields).Info(color.GreenString("推送 /deploy 成功: %s", resp.Message))
	} else {
		logrus.WithFields(fields).Warn(color.YellowString("推送 /deploy 失败: %s", resp.Message))
	}
	return &resp, status, nil
}

// Health GET /health
func (c *APIClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if _, err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status GET /status
func (c *APIClient) Status(ctx context.Context) (*models.StatusResponse, error) {
	var resp models.StatusResponse
	status, err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("HTTP错误: %d", status)
	}
	return &resp, nil
}

// Backups GET /backups
func (c *APIClient) Backups(ctx context.Context) ([]models.Backup, error) {
	raw := json.RawMessage{}
	status, err := c.do(ctx, http.MethodGet, "/backups", nil, &raw)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("HTTP错误: %d - %s", status, string(raw))
	}
	var backups []models.Backup
	if err := json.Unmarshal(raw, &backups); err != nil {
		return nil, fmt.Errorf("解析响应失败: %v", err)
	}
	return backups, nil
}

// do 发送请求并解码 JSON 响应；非 2xx 也会尝试解码响应体
func (c *APIClient) do(ctx context.Context, method, path string, body io.Reader, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP请求错误: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("读取响应错误: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("HTTP错误: %d - %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.StatusCode, nil
}
