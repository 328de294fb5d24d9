package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/dispatcher"
	"firewatch-pipeline/internal/models"

	"go.uber.org/zap"
)

// WebhookTransport 外部推送网关（HTTP webhook）
// 任务以 JSON POST 到推送网关；响应码决定失败分类
type WebhookTransport struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookTransport 创建 webhook 推送通道
func NewWebhookTransport(cfg *config.Config, logger *zap.Logger) *WebhookTransport {
	timeout := cfg.Push.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &WebhookTransport{
		url:    cfg.Push.WebhookURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send 投递单个通知任务
// 网络错误与 429/5xx 为临时失败；其余 4xx 为永久失败
func (t *WebhookTransport) Send(ctx context.Context, task *models.NotificationTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return &dispatcher.PermanentDeliveryError{Err: fmt.Errorf("failed to marshal task: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return &dispatcher.PermanentDeliveryError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &dispatcher.TransientDeliveryError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &dispatcher.TransientDeliveryError{
			Err: fmt.Errorf("push gateway returned %d", resp.StatusCode),
		}
	default:
		return &dispatcher.PermanentDeliveryError{
			Err: fmt.Errorf("push gateway rejected task: %d", resp.StatusCode),
		}
	}
}

// LogTransport 仅记日志的推送通道（未配置推送网关时的兜底）
type LogTransport struct {
	logger *zap.Logger
}

// NewLogTransport 创建日志推送通道
func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

// Send 记录任务内容并视为成功
func (t *LogTransport) Send(ctx context.Context, task *models.NotificationTask) error {
	t.logger.Info("Push delivery (log transport)",
		zap.String("task_id", task.TaskID),
		zap.String("recipient_id", task.RecipientID),
		zap.String("channel", string(task.Channel)),
		zap.String("title", task.Title),
	)
	return nil
}
