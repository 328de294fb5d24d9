package models

import (
	"time"
)

// Channel 通知通道
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelNone  Channel = "none" // 无可达通道，仅留审计记录
)

// TaskTier 任务产生批次
type TaskTier string

const (
	TierBase       TaskTier = "base"       // 触发时的基础半径批次
	TierEscalation TaskTier = "escalation" // 升级后的扩大半径批次
)

// NotificationTask 通知任务（不可变，由 router 产生、dispatcher 持有至终态）
type NotificationTask struct {
	TaskID      string   `json:"task_id"`
	IncidentID  string   `json:"incident_id"`
	RecipientID string   `json:"recipient_id"`
	Channel     Channel  `json:"channel"`
	Severity    Severity `json:"severity"`
	Tier        TaskTier `json:"tier"`
	Title       string   `json:"title"`
	Body        string   `json:"body"`
}

// OutcomeStatus 派发结果状态
type OutcomeStatus string

const (
	OutcomeSent      OutcomeStatus = "sent"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// DeliveryOutcome 任务派发终局结果
type DeliveryOutcome struct {
	TaskID      string        `json:"task_id"`
	IncidentID  string        `json:"incident_id"`
	RecipientID string        `json:"recipient_id"`
	Status      OutcomeStatus `json:"status"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"last_error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

// DeliveryAttempt 单次派发尝试（对应 delivery_audit 表，追加写）
type DeliveryAttempt struct {
	TaskID      string    `json:"task_id" db:"task_id"`
	IncidentID  string    `json:"incident_id" db:"incident_id"`
	RecipientID string    `json:"recipient_id" db:"recipient_id"`
	Channel     Channel   `json:"channel" db:"channel"`
	Attempt     int       `json:"attempt" db:"attempt"`
	Status      string    `json:"status" db:"status"` // sent, transient_error, permanent_error, cancelled, no_channel
	Error       string    `json:"error,omitempty" db:"error"`
	AttemptedAt time.Time `json:"attempted_at" db:"attempted_at"`
}

// Recipient 通知候选接收人（来自半径查询）
type Recipient struct {
	RecipientID string  `json:"recipient_id" db:"recipient_id"`
	HouseID     string  `json:"house_id" db:"house_id"`
	Role        string  `json:"role" db:"role"` // occupant, emergency
	Channel     Channel `json:"channel" db:"channel"`
	PushToken   string  `json:"push_token,omitempty" db:"push_token"`
	DistanceM   float64 `json:"distance_m" db:"distance_m"`
}
