package router

import (
	"context"
	"fmt"
	"sort"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/models"

	"go.uber.org/zap"
)

// RecipientStore 接收人查询接口（由 repository 实现）
// FindWithinRadius 的 wide=true 时额外包含相邻注册房屋的住户与应急角色
type RecipientStore interface {
	SensorLocation(ctx context.Context, sensorID string) (*models.SensorLocation, error)
	FindWithinRadius(ctx context.Context, loc *models.SensorLocation, radiusMeters float64, wide bool) ([]models.Recipient, error)
	FindHouseOccupants(ctx context.Context, houseID string) ([]models.Recipient, error)
}

// TaskLedger 任务台账查询接口（由 dispatcher 实现）
// 用于按 (recipient, incident) 去重
type TaskLedger interface {
	HasTask(incidentID, recipientID string) bool
}

// Router 空间通知路由器
// 按事件位置做半径查询，产出按接收人ID升序的确定性任务列表
type Router struct {
	config     *config.Config
	recipients RecipientStore
	ledger     TaskLedger
	logger     *zap.Logger
}

// NewRouter 创建通知路由器
func NewRouter(cfg *config.Config, recipients RecipientStore, ledger TaskLedger, logger *zap.Logger) *Router {
	return &Router{
		config:     cfg,
		recipients: recipients,
		ledger:     ledger,
		logger:     logger,
	}
}

// Route 为火警事件生成通知任务列表
// 升级批次使用放大后的半径；已有 pending/sent 任务的接收人被去重跳过
func (r *Router) Route(ctx context.Context, incident *models.Incident, tier models.TaskTier) ([]models.NotificationTask, error) {
	loc, err := r.recipients.SensorLocation(ctx, incident.SensorID)
	if err != nil {
		return nil, fmt.Errorf("failed to locate sensor %s: %w", incident.SensorID, err)
	}

	radius := r.config.Pipeline.Router.RadiusMeters
	if tier == models.TierEscalation {
		radius *= r.config.Pipeline.Router.EscalateRadiusFactor
	}

	// high/critical 或升级批次：包含相邻房屋住户与应急角色
	wide := tier == models.TierEscalation ||
		incident.Severity.Rank() >= models.SeverityHigh.Rank()

	candidates, err := r.recipients.FindWithinRadius(ctx, loc, radius, wide)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients within radius: %w", err)
	}

	tasks := r.buildTasks(incident.IncidentID, incident.Severity, tier, candidates,
		fmt.Sprintf("Fire alarm (%s)", incident.Severity),
		fmt.Sprintf("Smoke alarm triggered by sensor %s", incident.SensorID),
	)

	r.logger.Info("Routed incident notifications",
		zap.String("incident_id", incident.IncidentID),
		zap.String("tier", string(tier)),
		zap.Float64("radius_m", radius),
		zap.Int("candidates", len(candidates)),
		zap.Int("tasks", len(tasks)),
	)

	return tasks, nil
}

// RouteLowBattery 为低电量事件生成通知任务（仅本房屋住户，不建火警事件）
func (r *Router) RouteLowBattery(ctx context.Context, state *models.DeviceState) ([]models.NotificationTask, error) {
	loc, err := r.recipients.SensorLocation(ctx, state.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to locate sensor %s: %w", state.DeviceID, err)
	}

	occupants, err := r.recipients.FindHouseOccupants(ctx, loc.HouseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query house occupants: %w", err)
	}

	// 低电量按设备+自然日聚合为伪事件ID：同日重复上报不打扰，隔日的新一轮低电仍会通知
	day := state.UpdatedAt.UTC().Format("2006-01-02")
	pseudoIncidentID := fmt.Sprintf("low-battery:%s:%s", state.DeviceID, day)

	body := fmt.Sprintf("Sensor %s battery is low", state.DeviceID)
	if state.BatteryVolts != nil {
		body = fmt.Sprintf("Sensor %s battery is low (%.2fV)", state.DeviceID, *state.BatteryVolts)
	}

	return r.buildTasks(pseudoIncidentID, models.SeverityLow, models.TierBase, occupants,
		"Sensor battery low", body,
	), nil
}

// buildTasks 候选人 → 任务列表
// 确定性要求：接收人ID升序、任务ID由 (incident, recipient, tier) 导出
func (r *Router) buildTasks(
	incidentID string,
	severity models.Severity,
	tier models.TaskTier,
	candidates []models.Recipient,
	title, body string,
) []models.NotificationTask {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].RecipientID < candidates[j].RecipientID
	})

	tasks := make([]models.NotificationTask, 0, len(candidates))
	seen := make(map[string]bool)

	for _, c := range candidates {
		if seen[c.RecipientID] {
			continue
		}
		seen[c.RecipientID] = true

		if r.ledger != nil && r.ledger.HasTask(incidentID, c.RecipientID) {
			continue
		}

		channel := c.Channel
		if channel == "" || (channel == models.ChannelPush && c.PushToken == "") {
			// 无可达通道仍产出任务，由 dispatcher 立即记失败留审计
			channel = models.ChannelNone
		}

		tasks = append(tasks, models.NotificationTask{
			TaskID:      fmt.Sprintf("%s:%s:%s", incidentID, c.RecipientID, tier),
			IncidentID:  incidentID,
			RecipientID: c.RecipientID,
			Channel:     channel,
			Severity:    severity,
			Tier:        tier,
			Title:       title,
			Body:        body,
		})
	}

	return tasks
}
