package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firewatch-pipeline/internal/config"
	"firewatch-pipeline/internal/metrics"
	"firewatch-pipeline/internal/models"

	"go.uber.org/zap"
)

// TransientDeliveryError 临时性派发失败（网络/超时），按退避重试
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient delivery error: %v", e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError 永久性派发失败（无效令牌/拒收），不重试
type PermanentDeliveryError struct {
	Err error
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("permanent delivery error: %v", e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// PushTransport 外部推送通道接口
// 返回 nil / *TransientDeliveryError / *PermanentDeliveryError
type PushTransport interface {
	Send(ctx context.Context, task *models.NotificationTask) error
}

// AuditStore 派发审计接口（由 repository 实现，追加写）
type AuditStore interface {
	AppendAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
}

// taskState 任务台账条目
type taskState struct {
	task    models.NotificationTask
	outcome *models.DeliveryOutcome // nil 表示 pending
}

// Dispatcher 通知派发器
// N 个 worker 并发派发独立任务；同一任务的各次尝试严格串行
type Dispatcher struct {
	config    *config.Config
	transport PushTransport
	audit     AuditStore
	logger    *zap.Logger
	metrics   *metrics.Metrics

	queue chan models.NotificationTask
	wg    sync.WaitGroup

	mu        sync.Mutex
	ledger    map[string]*taskState // key: incidentID|recipientID
	cancelled map[string]bool       // 已解除事件，升级批次未派发任务取消
}

// NewDispatcher 创建派发器
func NewDispatcher(
	cfg *config.Config,
	transport PushTransport,
	audit AuditStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	workers := cfg.Pipeline.Dispatch.Workers
	if workers <= 0 {
		workers = 8
	}

	return &Dispatcher{
		config:    cfg,
		transport: transport,
		audit:     audit,
		logger:    logger,
		metrics:   m,
		queue:     make(chan models.NotificationTask, workers*16),
		ledger:    make(map[string]*taskState),
		cancelled: make(map[string]bool),
	}
}

// Run 启动派发 worker，直到上下文取消
func (d *Dispatcher) Run(ctx context.Context) error {
	workers := d.config.Pipeline.Dispatch.Workers
	if workers <= 0 {
		workers = 8
	}

	d.logger.Info("Dispatcher started", zap.Int("workers", workers))

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-d.queue:
					d.process(ctx, &task)
				}
			}
		}()
	}

	<-ctx.Done()
	d.wg.Wait()
	return ctx.Err()
}

// Enqueue 提交一批任务
// 路由已完成后才调用（路由相对派发是同步的）
// 同键任务 pending 或已送达时忽略；失败/取消的终态允许重新派发（升级批次补投）
func (d *Dispatcher) Enqueue(ctx context.Context, tasks []models.NotificationTask) {
	for _, task := range tasks {
		key := ledgerKey(task.IncidentID, task.RecipientID)

		d.mu.Lock()
		if st, exists := d.ledger[key]; exists {
			if st.outcome == nil || st.outcome.Status == models.OutcomeSent {
				d.mu.Unlock()
				continue
			}
		}
		d.ledger[key] = &taskState{task: task}
		d.mu.Unlock()

		select {
		case d.queue <- task:
		case <-ctx.Done():
			return
		}
	}
}

// HasTask 台账查询：该接收人是否已有该事件的 pending 或 sent 任务
// 实现 router.TaskLedger
func (d *Dispatcher) HasTask(incidentID, recipientID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.ledger[ledgerKey(incidentID, recipientID)]
	if !ok {
		return false
	}
	return st.outcome == nil || st.outcome.Status == models.OutcomeSent
}

// CancelIncident 事件解除：尚未开始派发的升级批次任务标记取消
// 已在派发中的任务继续完成，不回收；标记在保留期后清理
func (d *Dispatcher) CancelIncident(incidentID string) {
	d.mu.Lock()
	d.cancelled[incidentID] = true
	d.mu.Unlock()

	time.AfterFunc(d.retention(), func() {
		d.mu.Lock()
		delete(d.cancelled, incidentID)
		d.mu.Unlock()
	})
}

// retention 终态台账条目的保留时长
func (d *Dispatcher) retention() time.Duration {
	retain := d.config.Pipeline.Dispatch.RetainOutcomes
	if retain <= 0 {
		retain = time.Hour
	}
	return retain
}

// Outcome 查询任务终局结果（nil 表示仍 pending 或未知）
func (d *Dispatcher) Outcome(incidentID, recipientID string) *models.DeliveryOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.ledger[ledgerKey(incidentID, recipientID)]
	if !ok || st.outcome == nil {
		return nil
	}
	outcome := *st.outcome
	return &outcome
}

// process 派发单个任务直至终局
func (d *Dispatcher) process(ctx context.Context, task *models.NotificationTask) {
	// 无可达通道：立即记失败，仅留审计
	if task.Channel == models.ChannelNone {
		d.appendAudit(ctx, task, 0, "no_channel", "NoChannel")
		d.finish(task, models.OutcomeFailed, 0, "NoChannel")
		return
	}

	// 升级批次任务在事件已解除时取消（竞态中已开始的派发不受影响）
	if task.Tier == models.TierEscalation && d.isCancelled(task.IncidentID) {
		d.appendAudit(ctx, task, 0, "cancelled", "incident resolved before dispatch")
		d.finish(task, models.OutcomeCancelled, 0, "")
		return
	}

	maxAttempts := d.config.Pipeline.Dispatch.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := d.config.Pipeline.Dispatch.BackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		d.metrics.DispatchAttempts.Inc()

		err := d.transport.Send(ctx, task)
		if err == nil {
			d.appendAudit(ctx, task, attempt, "sent", "")
			d.finish(task, models.OutcomeSent, attempt, "")
			return
		}
		lastErr = err

		if permErr, ok := err.(*PermanentDeliveryError); ok {
			d.appendAudit(ctx, task, attempt, "permanent_error", permErr.Error())
			d.finish(task, models.OutcomeFailed, attempt, permErr.Error())
			return
		}

		d.appendAudit(ctx, task, attempt, "transient_error", err.Error())

		if attempt < maxAttempts {
			// 指数退避：base, 2*base, 4*base, ...
			select {
			case <-ctx.Done():
				d.finish(task, models.OutcomeFailed, attempt, ctx.Err().Error())
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	// 重试耗尽：记录失败并上报，不再重试
	d.logger.Error("Delivery failed after retries exhausted",
		zap.String("task_id", task.TaskID),
		zap.String("recipient_id", task.RecipientID),
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	d.finish(task, models.OutcomeFailed, maxAttempts, lastErr.Error())
}

func (d *Dispatcher) isCancelled(incidentID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[incidentID]
}

// finish 记录终局结果
func (d *Dispatcher) finish(task *models.NotificationTask, status models.OutcomeStatus, attempts int, lastErr string) {
	d.metrics.DispatchOutcomes.WithLabelValues(string(status)).Inc()

	outcome := &models.DeliveryOutcome{
		TaskID:      task.TaskID,
		IncidentID:  task.IncidentID,
		RecipientID: task.RecipientID,
		Status:      status,
		Attempts:    attempts,
		LastError:   lastErr,
		CompletedAt: time.Now().UTC(),
	}

	key := ledgerKey(task.IncidentID, task.RecipientID)
	d.mu.Lock()
	if st, ok := d.ledger[key]; ok {
		st.outcome = outcome
	}
	d.mu.Unlock()

	// 终态条目在保留期后清理；仍 pending 的重投条目不受影响
	time.AfterFunc(d.retention(), func() {
		d.mu.Lock()
		if st, ok := d.ledger[key]; ok && st.outcome != nil {
			delete(d.ledger, key)
		}
		d.mu.Unlock()
	})

	if status == models.OutcomeSent {
		d.logger.Info("Notification sent",
			zap.String("task_id", task.TaskID),
			zap.String("recipient_id", task.RecipientID),
			zap.Int("attempts", attempts),
		)
	}
}

// appendAudit 追加审计记录；审计失败只记日志
func (d *Dispatcher) appendAudit(ctx context.Context, task *models.NotificationTask, attempt int, status, errMsg string) {
	if d.audit == nil {
		return
	}

	record := &models.DeliveryAttempt{
		TaskID:      task.TaskID,
		IncidentID:  task.IncidentID,
		RecipientID: task.RecipientID,
		Channel:     task.Channel,
		Attempt:     attempt,
		Status:      status,
		Error:       errMsg,
		AttemptedAt: time.Now().UTC(),
	}

	if err := d.audit.AppendAttempt(ctx, record); err != nil {
		d.logger.Error("Failed to append delivery audit",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}

func ledgerKey(incidentID, recipientID string) string {
	return incidentID + "|" + recipientID
}
