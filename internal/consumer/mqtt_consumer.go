package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firewatch-pipeline/internal/alarm"
	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/decoder"
	"firewatch-pipeline/internal/dispatcher"
	"firewatch-pipeline/internal/metrics"
	"firewatch-pipeline/internal/models"
	"firewatch-pipeline/internal/router"
	"firewatch-pipeline/internal/tracker"
	"firewatch-pipeline/pkg/mqtt"

	"go.uber.org/zap"
)

// uplinkTopic 订阅全部网关的全部消息类型
const uplinkTopic = "uplink/+/+"

// MQTTConsumer 上行消息消费者
// 解码 → 状态跟踪 → 报警触发/低电量通知
type MQTTConsumer struct {
	config     *config.Config
	mqttClient *mqtt.Client
	tracker    *tracker.Tracker
	machine    *alarm.Machine
	router     *router.Router
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewMQTTConsumer 创建上行消息消费者
func NewMQTTConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	trk *tracker.Tracker,
	machine *alarm.Machine,
	rt *router.Router,
	disp *dispatcher.Dispatcher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:     cfg,
		mqttClient: mqttClient,
		tracker:    trk,
		machine:    machine,
		router:     rt,
		dispatcher: disp,
		metrics:    m,
		logger:     logger,
	}
}

// Start 启动消费者
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(uplinkTopic, c.config.MQTT.QoS, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to uplink topic: %w", err)
	}

	c.logger.Info("MQTT consumer started", zap.String("topic", uplinkTopic))

	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(uplinkTopic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理单条上行消息
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	ctx := context.Background()
	return c.HandleUplink(ctx, topic, payload, time.Now().UTC())
}

// HandleUplink 解码并驱动管道
// 解码失败只丢弃当前消息并计数，不中断消费
func (c *MQTTConsumer) HandleUplink(ctx context.Context, topic string, payload []byte, receivedAt time.Time) error {
	event, err := decoder.Decode(topic, payload)
	if err != nil {
		var decodeErr *decoder.DecodeError
		if errors.As(err, &decodeErr) {
			c.metrics.MessagesDropped.WithLabelValues(string(decodeErr.Reason)).Inc()
			c.logger.Warn("Dropping undecodable message",
				zap.String("topic", topic),
				zap.String("reason", string(decodeErr.Reason)),
				zap.String("detail", decodeErr.Detail),
			)
			return nil
		}
		return fmt.Errorf("failed to decode uplink message: %w", err)
	}
	event.ReceivedAt = receivedAt

	c.metrics.MessagesDecoded.Inc()

	// 1. 更新设备状态（隐式注册/注销在此完成）
	state, err := c.tracker.ApplyEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("failed to apply device event: %w", err)
	}

	// 2. 按消息类型驱动下游
	switch event.Kind {
	case models.EventSmokeAlarm:
		severity := alarm.SeverityFromReport(event.Payload.AlarmLevel)
		if _, err := c.machine.Trigger(ctx, event.Payload.SensorID, severity); err != nil {
			return fmt.Errorf("failed to trigger incident: %w", err)
		}

	case models.EventLowBattery:
		if state == nil {
			return nil
		}
		tasks, err := c.router.RouteLowBattery(ctx, state)
		if err != nil {
			// 位置未录入的传感器无法路由，丢弃但记录
			c.logger.Warn("Failed to route low battery notification",
				zap.String("device_id", state.DeviceID),
				zap.Error(err),
			)
			return nil
		}
		c.dispatcher.Enqueue(ctx, tasks)
	}

	return nil
}
