package alarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/metrics"
	"firewatch-pipeline/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 状态机转换名（广播与指标标签共用）
const (
	TransitionTriggered      = "triggered"
	TransitionSeverityRaised = "severity_raised"
	TransitionAcknowledged   = "acknowledged"
	TransitionEscalated      = "escalated"
	TransitionResolved       = "resolved"
)

// InvalidTransitionError 非法状态转换
// 报告给调用方，不重试
type InvalidTransitionError struct {
	IncidentID string
	From       models.IncidentState
	Op         string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s incident %s in state %s", e.Op, e.IncidentID, e.From)
}

// IncidentStore 火警事件持久化接口（由 repository 实现）
type IncidentStore interface {
	UpsertIncident(ctx context.Context, incident *models.Incident) error
}

// entry 单个事件的持有结构
// entry.mu 串行化同一事件的全部转换；不同事件互不阻塞
type entry struct {
	mu            sync.Mutex
	incident      models.Incident
	escalateTimer *time.Timer
}

// Machine 报警状态机
// active → acknowledged → resolved，或 active → escalated → resolved
// 同一传感器同时最多一个非终态事件（重复触发合并，只升不降级）
type Machine struct {
	config  *config.Config
	store   IncidentStore
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex // 保护下面两个注册表；转换本身由 entry.mu 串行化
	incidents    map[string]*entry
	openBySensor map[string]*entry

	// OnTransition 每次状态转换后的回调（广播用）
	OnTransition func(incident models.Incident, transition string)
	// OnFanout 触发/升级时的通知扇出请求回调
	OnFanout func(incident models.Incident, tier models.TaskTier)
}

// NewMachine 创建报警状态机
func NewMachine(cfg *config.Config, store IncidentStore, m *metrics.Metrics, logger *zap.Logger) *Machine {
	return &Machine{
		config:       cfg,
		store:        store,
		logger:       logger,
		metrics:      m,
		incidents:    make(map[string]*entry),
		openBySensor: make(map[string]*entry),
	}
}

// SeverityFromReport 从上报级别推导事件级别
// 未上报或未知时默认 high（首报火警不做低级别处理）
func SeverityFromReport(level string) models.Severity {
	s := models.Severity(level)
	if s.Valid() {
		return s
	}
	return models.SeverityHigh
}

// Trigger 触发火警
// 传感器已有非终态事件时合并：级别仅在严格更高时抬升，不产生新记录
func (m *Machine) Trigger(ctx context.Context, sensorID string, severity models.Severity) (*models.Incident, error) {
	if !severity.Valid() {
		severity = models.SeverityHigh
	}

retry:
	m.mu.Lock()
	e, open := m.openBySensor[sensorID]
	if !open {
		e = &entry{
			incident: models.Incident{
				IncidentID:  uuid.New().String(),
				SensorID:    sensorID,
				Severity:    severity,
				State:       models.IncidentActive,
				TriggeredAt: time.Now().UTC(),
				UpdatedAt:   time.Now().UTC(),
			},
		}
		m.incidents[e.incident.IncidentID] = e
		m.openBySensor[sensorID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()

	// 拿到锁前事件可能已被并发解除；终态事件不可合并，重走新建路径
	if open && e.incident.State.Terminal() {
		e.mu.Unlock()
		m.mu.Lock()
		if m.openBySensor[sensorID] == e {
			delete(m.openBySensor, sensorID)
		}
		m.mu.Unlock()
		goto retry
	}
	defer e.mu.Unlock()

	if open {
		// 合并：已有事件期间的重复触发不产生新记录，防止通知风暴
		if severity.Rank() > e.incident.Severity.Rank() {
			e.incident.Severity = severity
			e.incident.UpdatedAt = time.Now().UTC()
			m.persist(ctx, &e.incident)
			m.emit(e.incident, TransitionSeverityRaised)
			m.logger.Info("Incident severity raised by coalesced trigger",
				zap.String("incident_id", e.incident.IncidentID),
				zap.String("sensor_id", sensorID),
				zap.String("severity", string(severity)),
			)
		}
		snapshot := e.incident
		return &snapshot, nil
	}

	// 新事件：启动升级定时器，未确认超时自动升级
	incidentID := e.incident.IncidentID
	e.escalateTimer = time.AfterFunc(m.config.Pipeline.Alarm.EscalateAfter, func() {
		if _, err := m.Escalate(context.Background(), incidentID); err != nil {
			// 已被确认或解除，超时升级自然落空
			m.logger.Debug("Escalation timer expired without effect",
				zap.String("incident_id", incidentID),
				zap.Error(err),
			)
		}
	})

	m.persist(ctx, &e.incident)
	m.emit(e.incident, TransitionTriggered)
	m.fanout(e.incident, models.TierBase)

	m.logger.Info("Incident triggered",
		zap.String("incident_id", e.incident.IncidentID),
		zap.String("sensor_id", sensorID),
		zap.String("severity", string(severity)),
	)

	snapshot := e.incident
	return &snapshot, nil
}

// Acknowledge 确认火警，仅 active 状态合法
func (m *Machine) Acknowledge(ctx context.Context, incidentID, userID string) (*models.Incident, error) {
	e, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.incident.State != models.IncidentActive {
		return nil, &InvalidTransitionError{
			IncidentID: incidentID,
			From:       e.incident.State,
			Op:         "acknowledge",
		}
	}

	now := time.Now().UTC()
	e.incident.State = models.IncidentAcknowledged
	e.incident.AcknowledgedBy = &userID
	e.incident.AcknowledgedAt = &now
	e.incident.UpdatedAt = now
	m.stopTimerLocked(e)

	m.persist(ctx, &e.incident)
	m.emit(e.incident, TransitionAcknowledged)

	m.logger.Info("Incident acknowledged",
		zap.String("incident_id", incidentID),
		zap.String("user_id", userID),
	)

	snapshot := e.incident
	return &snapshot, nil
}

// Escalate 升级火警，仅 active 状态合法（超时自动触发或显式调用）
// 级别抬升一档并以更大半径重新扇出
func (m *Machine) Escalate(ctx context.Context, incidentID string) (*models.Incident, error) {
	e, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.incident.State != models.IncidentActive {
		return nil, &InvalidTransitionError{
			IncidentID: incidentID,
			From:       e.incident.State,
			Op:         "escalate",
		}
	}

	now := time.Now().UTC()
	e.incident.State = models.IncidentEscalated
	e.incident.Severity = raiseSeverity(e.incident.Severity)
	e.incident.EscalatedAt = &now
	e.incident.UpdatedAt = now
	m.stopTimerLocked(e)

	m.persist(ctx, &e.incident)
	m.emit(e.incident, TransitionEscalated)
	m.fanout(e.incident, models.TierEscalation)

	m.logger.Warn("Incident escalated",
		zap.String("incident_id", incidentID),
		zap.String("severity", string(e.incident.Severity)),
	)

	snapshot := e.incident
	return &snapshot, nil
}

// Resolve 解除火警，任意非终态合法；重复解除是幂等空操作
func (m *Machine) Resolve(ctx context.Context, incidentID string) (*models.Incident, error) {
	e, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.incident.State == models.IncidentResolved {
		snapshot := e.incident
		return &snapshot, nil
	}

	now := time.Now().UTC()
	e.incident.State = models.IncidentResolved
	e.incident.ResolvedAt = &now
	e.incident.UpdatedAt = now
	m.stopTimerLocked(e)

	m.mu.Lock()
	if m.openBySensor[e.incident.SensorID] == e {
		delete(m.openBySensor, e.incident.SensorID)
	}
	m.mu.Unlock()

	m.persist(ctx, &e.incident)
	m.emit(e.incident, TransitionResolved)

	// 已解除事件保留一段时间供查询，到期从内存注册表清理（库里仍有完整记录）
	retain := m.config.Pipeline.Alarm.RetainResolved
	if retain <= 0 {
		retain = time.Hour
	}
	time.AfterFunc(retain, func() {
		m.mu.Lock()
		if cur, ok := m.incidents[incidentID]; ok && cur == e {
			delete(m.incidents, incidentID)
		}
		m.mu.Unlock()
	})

	m.logger.Info("Incident resolved", zap.String("incident_id", incidentID))

	snapshot := e.incident
	return &snapshot, nil
}

// Get 查询事件快照
func (m *Machine) Get(incidentID string) (*models.Incident, bool) {
	m.mu.Lock()
	e, ok := m.incidents[incidentID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := e.incident
	return &snapshot, true
}

// OpenIncident 查询传感器当前的非终态事件
func (m *Machine) OpenIncident(sensorID string) (*models.Incident, bool) {
	m.mu.Lock()
	e, ok := m.openBySensor[sensorID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := e.incident
	return &snapshot, true
}

// Shutdown 停止所有升级定时器
func (m *Machine) Shutdown() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.incidents))
	for _, e := range m.incidents {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		m.stopTimerLocked(e)
		e.mu.Unlock()
	}
}

func (m *Machine) lookup(incidentID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.incidents[incidentID]
	if !ok {
		return nil, fmt.Errorf("incident not found: %s", incidentID)
	}
	return e, nil
}

func (m *Machine) stopTimerLocked(e *entry) {
	if e.escalateTimer != nil {
		e.escalateTimer.Stop()
		e.escalateTimer = nil
	}
}

func (m *Machine) persist(ctx context.Context, incident *models.Incident) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertIncident(ctx, incident); err != nil {
		m.logger.Error("Failed to persist incident",
			zap.String("incident_id", incident.IncidentID),
			zap.Error(err),
		)
	}
}

func (m *Machine) emit(incident models.Incident, transition string) {
	m.metrics.IncidentTransitions.WithLabelValues(transition).Inc()
	if m.OnTransition != nil {
		m.OnTransition(incident, transition)
	}
}

func (m *Machine) fanout(incident models.Incident, tier models.TaskTier) {
	if m.OnFanout != nil {
		m.OnFanout(incident, tier)
	}
}

// raiseSeverity 级别抬升一档，critical 封顶
func raiseSeverity(s models.Severity) models.Severity {
	switch s {
	case models.SeverityLow:
		return models.SeverityMedium
	case models.SeverityMedium:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}
