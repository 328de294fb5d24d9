package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"firewatch-pipeline/internal/alarm"
	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/consumer"
	"firewatch-pipeline/internal/dispatcher"
	"firewatch-pipeline/internal/hub"
	"firewatch-pipeline/internal/metrics"
	"firewatch-pipeline/internal/models"
	"firewatch-pipeline/internal/push"
	"firewatch-pipeline/internal/repository"
	"firewatch-pipeline/internal/router"
	"firewatch-pipeline/internal/tracker"
	"firewatch-pipeline/pkg/database"
	"firewatch-pipeline/pkg/mqtt"
	"firewatch-pipeline/pkg/redisx"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PipelineService 火警管道服务（整合各层）
type PipelineService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	// Repository 层
	deviceStateRepo *repository.DeviceStateRepository
	incidentRepo    *repository.IncidentRepository
	recipientRepo   *repository.RecipientRepository
	auditRepo       *repository.AuditRepository

	// 管道组件
	tracker    *tracker.Tracker
	machine    *alarm.Machine
	router     *router.Router
	dispatcher *dispatcher.Dispatcher
	hub        *hub.Hub
	consumer   *consumer.MQTTConsumer
}

// NewPipelineService 创建管道服务
func NewPipelineService(cfg *config.Config, logger *zap.Logger) (*PipelineService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisx.NewClient(&cfg.Redis)
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := mqtt.NewClient(&cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	// 4. 指标
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// 5. 创建 Repository 层
	deviceStateRepo := repository.NewDeviceStateRepository(db, logger)
	incidentRepo := repository.NewIncidentRepository(db, logger)
	recipientRepo := repository.NewRecipientRepository(db, logger)
	auditRepo := repository.NewAuditRepository(db, logger)

	// 6. 创建管道组件
	trk := tracker.NewTracker(cfg, redisClient, deviceStateRepo, m, logger)
	machine := alarm.NewMachine(cfg, incidentRepo, m, logger)

	var transport dispatcher.PushTransport
	if cfg.Push.WebhookURL != "" {
		transport = push.NewWebhookTransport(cfg, logger)
	} else {
		logger.Warn("No push webhook configured, deliveries will only be logged")
		transport = push.NewLogTransport(logger)
	}
	disp := dispatcher.NewDispatcher(cfg, transport, auditRepo, m, logger)

	rt := router.NewRouter(cfg, recipientRepo, disp, logger)
	broadcastHub := hub.NewHub(cfg, redisClient, m, logger)

	mqttConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, trk, machine, rt, disp, m, logger)

	s := &PipelineService{
		config:          cfg,
		db:              db,
		redisClient:     redisClient,
		mqttClient:      mqttClient,
		logger:          logger,
		registry:        registry,
		metrics:         m,
		deviceStateRepo: deviceStateRepo,
		incidentRepo:    incidentRepo,
		recipientRepo:   recipientRepo,
		auditRepo:       auditRepo,
		tracker:         trk,
		machine:         machine,
		router:          rt,
		dispatcher:      disp,
		hub:             broadcastHub,
		consumer:        mqttConsumer,
	}

	// 7. 串联组件回调
	trk.OnStateChange = s.onDeviceStateChange
	machine.OnTransition = s.onIncidentTransition
	machine.OnFanout = s.onIncidentFanout

	return s, nil
}

// Start 启动服务
func (s *PipelineService) Start(ctx context.Context) error {
	s.logger.Info("Starting firewatch pipeline")

	go func() {
		if err := s.dispatcher.Run(ctx); err != nil && err != context.Canceled {
			s.logger.Error("Dispatcher stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := s.tracker.Run(ctx); err != nil && err != context.Canceled {
			s.logger.Error("Staleness sweep stopped", zap.Error(err))
		}
	}()

	go func() {
		if err := s.consumer.Start(ctx); err != nil {
			s.logger.Error("MQTT consumer stopped", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止服务
func (s *PipelineService) Stop() error {
	s.logger.Info("Stopping firewatch pipeline")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.consumer.Stop(stopCtx); err != nil {
		s.logger.Error("Failed to stop MQTT consumer", zap.Error(err))
	}
	s.mqttClient.Disconnect()

	s.machine.Shutdown()
	s.hub.Shutdown()

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}

	return nil
}

// Registry 指标注册表（/metrics 用）
func (s *PipelineService) Registry() *prometheus.Registry {
	return s.registry
}

// WebSocketHandler 实时广播接入点
func (s *PipelineService) WebSocketHandler() http.Handler {
	return s.hub.Handler()
}

// AcknowledgeIncident 确认火警
func (s *PipelineService) AcknowledgeIncident(ctx context.Context, incidentID, userID string) (*models.Incident, error) {
	return s.machine.Acknowledge(ctx, incidentID, userID)
}

// ResolveIncident 解除火警
func (s *PipelineService) ResolveIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	return s.machine.Resolve(ctx, incidentID)
}

// DeliveryAudit 查询事件的派发审计记录
func (s *PipelineService) DeliveryAudit(ctx context.Context, incidentID string) ([]models.DeliveryAttempt, error) {
	return s.auditRepo.ListByIncident(ctx, incidentID)
}

// onDeviceStateChange 设备状态变更 → 实时广播
func (s *PipelineService) onDeviceStateChange(state *models.DeviceState) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	env := &models.BroadcastEnvelope{
		EventType: "device_state",
		Timestamp: time.Now().Unix(),
	}

	// 传感器事件带上房屋范围，便于按房过滤
	if state.Kind == models.DeviceSensor {
		if loc, err := s.recipientRepo.SensorLocation(ctx, state.DeviceID); err == nil {
			env.HouseID = loc.HouseID
			env.TenantID = loc.TenantID
		}
	}

	payload, err := json.Marshal(state)
	if err != nil {
		s.logger.Error("Failed to marshal device state broadcast", zap.Error(err))
		return
	}
	env.Payload = payload

	s.hub.Broadcast(ctx, env)
}

// onIncidentTransition 状态机转换 → 实时广播（+ 解除时取消未派发任务）
func (s *PipelineService) onIncidentTransition(incident models.Incident, transition string) {
	if transition == alarm.TransitionResolved {
		s.dispatcher.CancelIncident(incident.IncidentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	env := &models.BroadcastEnvelope{
		EventType: "incident_" + transition,
		Timestamp: time.Now().Unix(),
	}
	if loc, err := s.recipientRepo.SensorLocation(ctx, incident.SensorID); err == nil {
		env.HouseID = loc.HouseID
		env.TenantID = loc.TenantID
	}

	payload, err := json.Marshal(incident)
	if err != nil {
		s.logger.Error("Failed to marshal incident broadcast", zap.Error(err))
		return
	}
	env.Payload = payload

	s.hub.Broadcast(ctx, env)
}

// onIncidentFanout 触发/升级 → 路由产出任务后交派发器
// 路由同步完成后才入队，保证半径查询先于任何投递
func (s *PipelineService) onIncidentFanout(incident models.Incident, tier models.TaskTier) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tasks, err := s.router.Route(ctx, &incident, tier)
	if err != nil {
		s.logger.Error("Failed to route incident notifications",
			zap.String("incident_id", incident.IncidentID),
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
		return
	}

	s.dispatcher.Enqueue(ctx, tasks)
}
