// Package telegram 部署终态的运维通知
package telegram

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"singbox-agent/agent/config"
	"singbox-agent/agent/models"
)

const maxRetries = 5

// Sender 发送 Telegram 消息（*tgbotapi.BotAPI 满足该接口）
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier 异步发送部署结果，不影响同步响应
type Notifier struct {
	sender Sender
	chatID int64
	host   string
	sleep  func(time.Duration)
	wg     sync.WaitGroup
}

// NewNotifier 根据配置创建通知器
func NewNotifier(cfg config.TelegramConfig, host string) (*Notifier, error) {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     30 * time.Second,
			MaxIdleConnsPerHost: 2,
		},
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("创建Telegram机器人失败: %w", err)
	}
	logrus.Info(color.GreenString("📱 Telegram通知已启用 (@%s)", bot.Self.UserName))
	return NewNotifierWithSender(bot, cfg.ChatID, host), nil
}

// NewNotifierWithSender 使用指定 Sender 创建通知器
func NewNotifierWithSender(sender Sender, chatID int64, host string) *Notifier {
	return &Notifier{sender: sender, chatID: chatID, host: host, sleep: time.Sleep}
}

// NotifyDeployment 后台发送，立即返回
func (n *Notifier) NotifyDeployment(result models.DeployResult) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.Send(result); err != nil {
			logrus.WithFields(logrus.Fields{
				"method": "Notifier.NotifyDeployment",
				"data":   logrus.Fields{"deployment_id": result.ID},
			}).Errorf(color.RedString("📱 Telegram通知发送失败: %v"), err)
		}
	}()
}

// Close 等待未完成的通知
func (n *Notifier) Close() {
	n.wg.Wait()
}

// Send 同步发送，遇到 429 按服务端建议退避重试
func (n *Notifier) Send(result models.DeployResult) error {
	msg := tgbotapi.NewMessage(n.chatID, FormatResult(n.host, result))
	msg.ParseMode = tgbotapi.ModeHTML

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if _, err = n.sender.Send(msg); err == nil {
			logrus.WithField("deployment_id", result.ID).Info(color.GreenString("📱 Telegram通知发送成功"))
			return nil
		}
		wait := time.Duration(attempt*attempt) * time.Second
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
			wait = time.Duration(apiErr.RetryAfter) * time.Second
		}
		logrus.Warnf("📱 Telegram通知失败 (%d/%d)，%v 后重试: %v", attempt, maxRetries, wait, err)
		if attempt < maxRetries {
			n.sleep(wait)
		}
	}
	return fmt.Errorf("重试 %d 次后仍失败: %w", maxRetries, err)
}

// FormatResult 生成 HTML 格式的通知正文
func FormatResult(host string, result models.DeployResult) string {
	var b strings.Builder
	switch result.Outcome {
	case models.OutcomeSucceeded:
		b.WriteString("<b>✅ 配置部署成功</b>\n\n")
	case models.OutcomeRecovered:
		b.WriteString("<b>🔙 配置部署失败，已回滚</b>\n\n")
	case models.OutcomeFatal:
		b.WriteString("<b>🚨 配置部署失败且回滚未恢复，需要人工介入</b>\n\n")
	default:
		b.WriteString(fmt.Sprintf("<b>ℹ️ 配置部署结束: %s</b>\n\n", html.EscapeString(string(result.Outcome))))
	}
	if host != "" {
		b.WriteString(fmt.Sprintf("主机: <b>%s</b>\n", html.EscapeString(host)))
	}
	b.WriteString(fmt.Sprintf("部署ID: <code>%s</code>\n", html.EscapeString(result.ID)))
	if result.BackupName != "" {
		b.WriteString(fmt.Sprintf("备份: <code>%s</code>\n", html.EscapeString(result.BackupName)))
	}
	b.WriteString(fmt.Sprintf("耗时: %s\n", result.Duration.Round(time.Millisecond)))
	if !result.Success && result.Message != "" {
		b.WriteString(fmt.Sprintf("\n<pre>%s</pre>\n", html.EscapeString(result.Message)))
	}
	b.WriteString(fmt.Sprintf("\n时间: %s\n", result.StartedAt.Format("2006-01-02 15:04:05")))
	return b.String()
}
