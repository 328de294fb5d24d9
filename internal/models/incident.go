package models

import (
	"time"
)

// Severity 事件严重级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank 级别排序: low < medium < high < critical
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank 级别序号（未知级别返回 -1）
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid 是否为已知级别
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// IncidentState 火警事件状态
type IncidentState string

const (
	IncidentActive       IncidentState = "active"
	IncidentAcknowledged IncidentState = "acknowledged"
	IncidentEscalated    IncidentState = "escalated"
	IncidentResolved     IncidentState = "resolved" // 终态
)

// Terminal 是否为终态
func (s IncidentState) Terminal() bool {
	return s == IncidentResolved
}

// Incident 火警事件（对应 incidents 表）
// 生命周期由报警状态机独占管理；同一传感器同时最多一个非终态事件
type Incident struct {
	IncidentID     string        `json:"incident_id" db:"incident_id"`
	SensorID       string        `json:"sensor_id" db:"sensor_id"`
	Severity       Severity      `json:"severity" db:"severity"`
	State          IncidentState `json:"state" db:"state"`
	TriggeredAt    time.Time     `json:"triggered_at" db:"triggered_at"`
	AcknowledgedBy *string       `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	EscalatedAt    *time.Time    `json:"escalated_at,omitempty" db:"escalated_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}
