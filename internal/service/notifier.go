package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dushixiang/ransomguard/internal/protocol"
	"github.com/dushixiang/ransomguard/pkg/agent/config"
	"github.com/valyala/fasttemplate"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

const notifyTimeout = 10 * time.Second

// MailSender 邮件发送
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Notifier 告警通知服务
type Notifier struct {
	logger *zap.Logger
	agent  protocol.AgentInfo
	cfg    config.NotifyConfig
	client *http.Client
	mailer MailSender
}

func NewNotifier(logger *zap.Logger, agent protocol.AgentInfo, cfg config.NotifyConfig) *Notifier {
	n := &Notifier{
		logger: logger,
		agent:  agent,
		cfg:    cfg,
		client: &http.Client{Timeout: notifyTimeout},
	}
	if cfg.Email.Enabled {
		n.mailer = gomail.NewDialer(cfg.Email.Host, cfg.Email.Port, cfg.Email.Username, cfg.Email.Password)
	}
	return n
}

// WithMailer 替换邮件发送实现
func (n *Notifier) WithMailer(mailer MailSender) *Notifier {
	n.mailer = mailer
	return n
}

// Enabled 是否配置了任一通知渠道
func (n *Notifier) Enabled() bool {
	return n.cfg.Webhook.Enabled || n.cfg.Email.Enabled
}

// Run 消费引擎事件并发送告警通知，直到 ctx 结束或事件通道关闭
func (n *Notifier) Run(ctx context.Context, events <-chan protocol.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Alert == nil {
				continue
			}
			if err := n.Notify(ctx, *event.Alert); err != nil {
				n.logger.Error("发送告警通知失败", zap.String("alertId", event.Alert.ID), zap.Error(err))
			}
		}
	}
}

// Notify 向所有已开启的渠道发送告警
func (n *Notifier) Notify(ctx context.Context, alert protocol.ThreatAlert) error {
	var errs []error

	if n.cfg.Webhook.Enabled {
		if err := n.sendWebhook(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}
	if n.cfg.Email.Enabled {
		if err := n.sendEmail(alert); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("部分通知发送失败: %v", errs)
	}
	return nil
}

func severityIcon(severity protocol.Severity) string {
	if severity == protocol.SeverityCritical {
		return "🚨"
	}
	return "⚠️"
}

func alertTypeName(t protocol.AlertType) string {
	switch t {
	case protocol.AlertHoneypotTriggered:
		return "蜜罐触发告警"
	case protocol.AlertMassEncryption:
		return "批量加密告警"
	case protocol.AlertSuspiciousFile:
		return "可疑文件告警"
	}
	return string(t)
}

func formatTime(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

// buildMessage 构建告警消息文本
func (n *Notifier) buildMessage(alert protocol.ThreatAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", severityIcon(alert.Severity), alertTypeName(alert.Type))
	fmt.Fprintf(&b, "探针: %s\n", n.agent.ID)
	fmt.Fprintf(&b, "主机: %s\n", n.agent.Hostname)
	fmt.Fprintf(&b, "级别: %s\n", alert.Severity)
	fmt.Fprintf(&b, "告警消息: %s\n", alert.Message)
	if alert.FilePath != "" {
		fmt.Fprintf(&b, "文件: %s\n", alert.FilePath)
	}
	if alert.ModificationCount > 0 {
		fmt.Fprintf(&b, "修改数: %d / %dms\n", alert.ModificationCount, alert.TimeWindow)
	}
	fmt.Fprintf(&b, "触发时间: %s", formatTime(alert.Timestamp))
	return b.String()
}

// renderBody 自定义模板变量替换，值按 JSON 字符串转义
func (n *Notifier) renderBody(tpl string, alert protocol.ThreatAlert, message string) string {
	t := fasttemplate.New(tpl, "{{", "}}")
	escape := func(s string) string {
		b, _ := json.Marshal(s)
		return string(b[1 : len(b)-1])
	}

	return t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		var v string
		switch tag {
		case "message":
			v = message
		case "agent.id":
			v = n.agent.ID
		case "agent.hostname":
			v = n.agent.Hostname
		case "alert.id":
			v = alert.ID
		case "alert.type":
			v = string(alert.Type)
		case "alert.severity":
			v = string(alert.Severity)
		case "alert.message":
			v = alert.Message
		case "alert.path":
			v = alert.FilePath
		case "alert.count":
			v = fmt.Sprintf("%d", alert.ModificationCount)
		case "alert.time":
			v = formatTime(alert.Timestamp)
		default:
			return w.Write([]byte("{{" + tag + "}}"))
		}
		return w.Write([]byte(escape(v)))
	})
}

// sendWebhook 发送自定义Webhook
func (n *Notifier) sendWebhook(ctx context.Context, alert protocol.ThreatAlert) error {
	cfg := n.cfg.Webhook
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	message := n.buildMessage(alert)

	var reqBody io.Reader
	var contentType string
	if cfg.Body == "" {
		data, err := json.Marshal(map[string]interface{}{
			"msg_type": "text",
			"text": map[string]string{
				"content": message,
			},
			"agent": n.agent,
			"alert": alert,
		})
		if err != nil {
			return fmt.Errorf("序列化 JSON 失败: %w", err)
		}
		reqBody = bytes.NewReader(data)
		contentType = "application/json"
	} else {
		body := n.renderBody(cfg.Body, alert, message)
		n.logger.Sugar().Debugf("自定义Webhook请求体: %s", body)
		reqBody = strings.NewReader(body)
		contentType = "text/plain"
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, reqBody)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("请求失败，状态码: %d, 响应: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info("自定义Webhook发送成功",
		zap.String("url", cfg.URL),
		zap.String("method", method),
	)
	return nil
}

// sendEmail 发送邮件通知
func (n *Notifier) sendEmail(alert protocol.ThreatAlert) error {
	if n.mailer == nil {
		return fmt.Errorf("邮件发送未初始化")
	}
	cfg := n.cfg.Email

	m := gomail.NewMessage()
	m.SetHeader("From", cfg.From)
	m.SetHeader("To", cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s - %s", alert.Severity, alertTypeName(alert.Type), n.agent.Hostname))
	m.SetBody("text/plain", n.buildMessage(alert))

	if err := n.mailer.DialAndSend(m); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	n.logger.Info("邮件通知发送成功", zap.Strings("to", cfg.To))
	return nil
}
