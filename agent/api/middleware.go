package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"singbox-agent/agent/models"
)

// requestLogger 记录每个请求的来源与耗时
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"client_ip":   c.ClientIP(),
			"path":        c.Request.URL.Path,
			"method":      c.Request.Method,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("HTTP 请求处理完成")
	}
}

// ipWhitelist IP 白名单中间件，支持单个 IP 与 CIDR，空列表不限制
func ipWhitelist(allowed []string) gin.HandlerFunc {
	var ips []net.IP
	var nets []*net.IPNet
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logrus.Errorf("解析 CIDR %s 失败: %v", entry, err)
				continue
			}
			nets = append(nets, ipNet)
		} else if ip := net.ParseIP(entry); ip != nil {
			ips = append(ips, ip)
		} else {
			logrus.Errorf("无效的白名单 IP: %s", entry)
		}
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		clientIP := net.ParseIP(c.ClientIP())
		if clientIP != nil {
			for _, ip := range ips {
				if ip.Equal(clientIP) {
					c.Next()
					return
				}
			}
			for _, ipNet := range nets {
				if ipNet.Contains(clientIP) {
					c.Next()
					return
				}
			}
		}

		logrus.WithField("client_ip", c.ClientIP()).Warn("IP 不允许访问")
		c.AbortWithStatusJSON(http.StatusForbidden, models.DeployResponse{Message: "IP 不在白名单内"})
	}
}

// bearerAuth 共享密钥鉴权，精确匹配
func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := extractBearerToken(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logrus.WithField("client_ip", c.ClientIP()).Warn("🔑 鉴权失败")
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.DeployResponse{Message: models.ErrAuth.Error()})
			return
		}
		c.Next()
	}
}

// extractBearerToken 读取 Authorization: Bearer <token>
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// rateLimit 令牌桶限流，limit<=0 表示不限制
func rateLimit(limit float64, burst int) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			logrus.WithField("client_ip", c.ClientIP()).Warn("⏳ 请求过于频繁")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.DeployResponse{Message: "请求过于频繁，请稍后重试"})
			return
		}
		c.Next()
	}
}
