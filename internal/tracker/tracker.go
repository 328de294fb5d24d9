package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/metrics"
	"firewatch-pipeline/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix = "firewatch:device:"
	cacheKeySuffix = ":state"
)

// StateStore 设备状态持久化接口（由 repository 实现）
type StateStore interface {
	UpsertDeviceState(ctx context.Context, state *models.DeviceState) error
	DeleteDeviceState(ctx context.Context, deviceID string) error
}

// shard 设备状态分片
// 同一 device_id 固定落在同一分片，分片内互斥即实现按键串行
type shard struct {
	mu     sync.Mutex
	states map[string]*models.DeviceState
}

// Tracker 设备状态跟踪器
// 维护网关与传感器的最新状态，周期扫描心跳静默判定离线
type Tracker struct {
	config      *config.Config
	shards      []*shard
	redisClient *redis.Client
	store       StateStore
	logger      *zap.Logger
	metrics     *metrics.Metrics

	// OnStateChange 状态变更回调（广播用）；在持有分片锁之外调用
	OnStateChange func(state *models.DeviceState)
}

// NewTracker 创建设备状态跟踪器
func NewTracker(
	cfg *config.Config,
	redisClient *redis.Client,
	store StateStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Tracker {
	n := cfg.Pipeline.Tracker.Shards
	if n <= 0 {
		n = 16
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{states: make(map[string]*models.DeviceState)}
	}

	return &Tracker{
		config:      cfg,
		shards:      shards,
		redisClient: redisClient,
		store:       store,
		logger:      logger,
		metrics:     m,
	}
}

// shardFor 按 device_id 哈希选分片
func (t *Tracker) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return t.shards[int(h.Sum32())%len(t.shards)]
}

// ApplyEvent 应用设备事件，返回更新后的状态
// 未知设备首次出现时隐式注册，不报错
func (t *Tracker) ApplyEvent(ctx context.Context, event *models.DeviceEvent) (*models.DeviceState, error) {
	// 传感器事件同时刷新所属网关（消息经网关转发，网关必然在线）
	if event.Payload.SensorID != "" {
		t.touchGateway(ctx, event)
	}

	subjectID := event.SubjectID()

	// delete_response: 注销设备
	if event.Kind == models.EventDeleteResponse {
		return t.removeDevice(ctx, subjectID)
	}

	sh := t.shardFor(subjectID)
	sh.mu.Lock()

	state, ok := sh.states[subjectID]
	if !ok {
		state = t.newState(subjectID, event)
		sh.states[subjectID] = state
	}

	t.applyLocked(state, event)
	snapshot := *state
	sh.mu.Unlock()

	t.persist(ctx, &snapshot)

	if t.OnStateChange != nil {
		t.OnStateChange(&snapshot)
	}

	return &snapshot, nil
}

// newState 隐式注册新设备
func (t *Tracker) newState(deviceID string, event *models.DeviceEvent) *models.DeviceState {
	kind := models.DeviceGateway
	gatewayID := ""
	if event.Payload.SensorID != "" {
		kind = models.DeviceSensor
		gatewayID = event.GatewayID
	}

	t.logger.Info("Registering new device",
		zap.String("device_id", deviceID),
		zap.String("kind", string(kind)),
		zap.String("gateway_id", gatewayID),
	)

	return &models.DeviceState{
		DeviceID:     deviceID,
		Kind:         kind,
		GatewayID:    gatewayID,
		Status:       models.DeviceUnknown,
		RegisteredAt: event.ReceivedAt,
	}
}

// applyLocked 在持有分片锁的前提下应用事件
func (t *Tracker) applyLocked(state *models.DeviceState, event *models.DeviceEvent) {
	now := event.ReceivedAt

	switch event.Kind {
	case models.EventPowerOn, models.EventHeartbeat, models.EventSmokeRegister:
		state.Status = models.DeviceOnline
		state.LastHeartbeatAt = now
	case models.EventSmokeAlarm, models.EventLowBattery, models.EventSelfTest:
		// 任何上报都证明设备活着
		state.Status = models.DeviceOnline
		state.LastHeartbeatAt = now
	}

	if event.Kind == models.EventSelfTest {
		ts := now
		state.LastSelfTestAt = &ts
	}

	if event.Payload.BatteryVolts != nil {
		state.BatteryVolts = event.Payload.BatteryVolts
	}
	if event.Payload.SignalStrength != nil {
		state.SignalStrength = event.Payload.SignalStrength
	}
	if event.Payload.FirmwareVersion != "" {
		state.FirmwareVersion = event.Payload.FirmwareVersion
	}

	state.UpdatedAt = now
}

// touchGateway 刷新网关心跳（独立加锁，避免跨分片持锁）
func (t *Tracker) touchGateway(ctx context.Context, event *models.DeviceEvent) {
	sh := t.shardFor(event.GatewayID)
	sh.mu.Lock()

	state, ok := sh.states[event.GatewayID]
	if !ok {
		state = &models.DeviceState{
			DeviceID:     event.GatewayID,
			Kind:         models.DeviceGateway,
			Status:       models.DeviceUnknown,
			RegisteredAt: event.ReceivedAt,
		}
		sh.states[event.GatewayID] = state
	}
	state.Status = models.DeviceOnline
	state.LastHeartbeatAt = event.ReceivedAt
	state.UpdatedAt = event.ReceivedAt
	snapshot := *state
	sh.mu.Unlock()

	t.persist(ctx, &snapshot)
}

// removeDevice 注销设备（delete_response）
// 对未知设备是幂等空操作
func (t *Tracker) removeDevice(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	sh := t.shardFor(deviceID)
	sh.mu.Lock()
	state, ok := sh.states[deviceID]
	if ok {
		delete(sh.states, deviceID)
	}
	sh.mu.Unlock()

	if !ok {
		return nil, nil
	}

	if err := t.redisClient.Del(ctx, cacheKey(deviceID)).Err(); err != nil {
		t.logger.Warn("Failed to delete device cache",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
	if err := t.store.DeleteDeviceState(ctx, deviceID); err != nil {
		t.logger.Error("Failed to delete device state",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	t.logger.Info("Device deregistered", zap.String("device_id", deviceID))

	removed := *state
	removed.Status = models.DeviceUnknown
	return &removed, nil
}

// GetState 查询设备当前状态快照
func (t *Tracker) GetState(deviceID string) (*models.DeviceState, bool) {
	sh := t.shardFor(deviceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	state, ok := sh.states[deviceID]
	if !ok {
		return nil, false
	}
	snapshot := *state
	return &snapshot, true
}

// Run 周期性离线扫描，直到上下文取消
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.config.Pipeline.Tracker.SweepInterval)
	defer ticker.Stop()

	t.logger.Info("Staleness sweep started",
		zap.Duration("interval", t.config.Pipeline.Tracker.SweepInterval),
		zap.Duration("stale_after", t.config.Pipeline.Tracker.StaleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep 单轮离线扫描：心跳静默超过阈值的在线设备标记为离线
func (t *Tracker) Sweep(ctx context.Context, now time.Time) {
	staleAfter := t.config.Pipeline.Tracker.StaleAfter
	var wentOffline []models.DeviceState

	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, state := range sh.states {
			if state.Status == models.DeviceOnline && now.Sub(state.LastHeartbeatAt) > staleAfter {
				state.Status = models.DeviceOffline
				state.UpdatedAt = now
				wentOffline = append(wentOffline, *state)
			}
		}
		sh.mu.Unlock()
	}

	for i := range wentOffline {
		state := &wentOffline[i]
		t.metrics.DevicesOffline.Inc()
		t.logger.Warn("Device went offline",
			zap.String("device_id", state.DeviceID),
			zap.Time("last_heartbeat_at", state.LastHeartbeatAt),
		)

		t.persist(ctx, state)

		if t.OnStateChange != nil {
			t.OnStateChange(state)
		}
	}
}

// persist 写穿：Redis 实时缓存 + PostgreSQL
// 持久化失败只记日志，不阻断管道
func (t *Tracker) persist(ctx context.Context, state *models.DeviceState) {
	jsonData, err := json.Marshal(state)
	if err != nil {
		t.logger.Error("Failed to marshal device state",
			zap.String("device_id", state.DeviceID),
			zap.Error(err),
		)
		return
	}

	if err := t.redisClient.Set(ctx, cacheKey(state.DeviceID), jsonData, t.config.Pipeline.Tracker.CacheTTL).Err(); err != nil {
		t.logger.Warn("Failed to cache device state",
			zap.String("device_id", state.DeviceID),
			zap.Error(err),
		)
	}

	if err := t.store.UpsertDeviceState(ctx, state); err != nil {
		t.logger.Error("Failed to persist device state",
			zap.String("device_id", state.DeviceID),
			zap.Error(err),
		)
	}
}

func cacheKey(deviceID string) string {
	return fmt.Sprintf("%s%s%s", cacheKeyPrefix, deviceID, cacheKeySuffix)
}
