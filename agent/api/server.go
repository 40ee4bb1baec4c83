// Package api 部署代理的 HTTP 接口与命令行使用的客户端
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"singbox-agent/agent/config"
	"singbox-agent/agent/deploy"
	"singbox-agent/agent/models"
	"singbox-agent/agent/process"
)

// maxDeployBody /deploy 请求体上限：8 MiB 明文经 age 加密与 base64 编码后约 11 MiB
const maxDeployBody = 12 << 20

// Deployer 部署编排器
type Deployer interface {
	Deploy(ctx context.Context, payload string) *models.DeployResult
	Phase() deploy.Phase
	LastResult() *models.DeployResult
}

// BackupLister 列出备份
type BackupLister interface {
	List() ([]models.Backup, error)
}

// HealthResponse /health 响应体
type HealthResponse struct {
	Status string `json:"status"`
	Daemon string `json:"daemon"`
}

// Server 封装 HTTP 服务
type Server struct {
	cfg      config.ServerConfig
	token    string
	deployer Deployer
	backups  BackupLister
	prober   process.StatusProber
	metrics  http.Handler
	router   *gin.Engine
	httpSrv  *http.Server
}

// NewServer 初始化 HTTP 服务并注册路由
func NewServer(cfg *config.Config, deployer Deployer, backups BackupLister, prober process.StatusProber, metrics http.Handler) *Server {
	startTime := time.Now()
	s := &Server{
		cfg:      cfg.Server,
		token:    cfg.AuthToken,
		deployer: deployer,
		backups:  backups,
		prober:   prober,
		metrics:  metrics,
	}

	router := gin.New()
	// 白名单只认 TCP 对端地址，不信任 X-Forwarded-For / X-Real-IP
	if err := router.SetTrustedProxies(nil); err != nil {
		logrus.Errorf("关闭代理头信任失败: %v", err)
	}
	router.Use(gin.Recovery(), requestLogger(), ipWhitelist(cfg.Server.AllowedIPs))

	// 存活检查不需要鉴权，也不经过部署锁
	router.GET("/health", s.handleHealth)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	authed := router.Group("/", bearerAuth(cfg.AuthToken))
	authed.POST("/deploy", rateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst), s.handleDeploy)
	authed.GET("/status", s.handleStatus)
	authed.GET("/backups", s.handleBackups)
	s.router = router

	logrus.WithFields(logrus.Fields{
		"time":   time.Now().Format("2006-01-02 15:04:05"),
		"method": "NewServer",
		"took":   time.Since(startTime),
		"data":   logrus.Fields{"listen": cfg.Server.Listen, "allowed_ips": cfg.Server.AllowedIPs},
	}).Info(color.GreenString("HTTP 服务初始化完成"))
	return s
}

// Handler 返回路由（测试使用）
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 监听并服务，ctx 取消后优雅关闭
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Info(color.GreenString("🌐 HTTP 服务监听 %s", s.cfg.Listen))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logrus.Info("🛑 正在关闭 HTTP 服务")
	return s.httpSrv.Shutdown(shutdownCtx)
}

// handleDeploy POST /deploy
func (s *Server) handleDeploy(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDeployBody)

	var req models.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, models.DeployResponse{Message: fmt.Sprintf("%s: 请求体超过 %d 字节", models.ErrPayload, maxDeployBody)})
			return
		}
		c.JSON(http.StatusBadRequest, models.DeployResponse{Message: models.ErrPayload.Error() + ": " + err.Error()})
		return
	}

	result := s.deployer.Deploy(c.Request.Context(), req.Payload)
	c.JSON(statusCode(result), models.DeployResponse{
		Success:      result.Success,
		Message:      result.Message,
		Outcome:      result.Outcome,
		DeploymentID: result.ID,
		Backup:       result.BackupName,
	})
}

// statusCode 部署结果到 HTTP 状态码
func statusCode(result *models.DeployResult) int {
	switch {
	case result.Outcome == models.OutcomeSucceeded:
		return http.StatusOK
	case result.Outcome == models.OutcomeBusy:
		return http.StatusLocked
	case errors.Is(result.Err, models.ErrPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth GET /health：只反映守护进程状态
func (s *Server) handleHealth(c *gin.Context) {
	status := s.prober.Status(c.Request.Context())
	if status == process.StatusRunning {
		c.JSON(http.StatusOK, HealthResponse{Status: "up", Daemon: string(status)})
		return
	}
	c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "down", Daemon: string(status)})
}

// handleStatus GET /status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{
		Phase:      string(s.deployer.Phase()),
		Daemon:     string(s.prober.Status(c.Request.Context())),
		LastResult: s.deployer.LastResult(),
	})
}

// handleBackups GET /backups
func (s *Server) handleBackups(c *gin.Context) {
	backups, err := s.backups.List()
	if err != nil {
		logrus.Errorf(color.RedString("❌ 读取备份列表失败: %v"), err)
		c.JSON(http.StatusInternalServerError, models.DeployResponse{Message: err.Error()})
		return
	}
	if backups == nil {
		backups = []models.Backup{}
	}
	c.JSON(http.StatusOK, backups)
}
