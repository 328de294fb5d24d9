package models

import (
	"encoding/json"
)

// BroadcastEnvelope 实时广播信封（不可变，不落库）
type BroadcastEnvelope struct {
	EventType string          `json:"event_type"` // device_state, incident_triggered, incident_acknowledged, ...
	HouseID   string          `json:"house_id,omitempty"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// SubscriptionScope 连接订阅范围
// 空字段表示不过滤该维度
type SubscriptionScope struct {
	TenantID string `json:"tenant_id,omitempty"`
	HouseID  string `json:"house_id,omitempty"`
}

// Matches 信封是否落在订阅范围内
func (s SubscriptionScope) Matches(env *BroadcastEnvelope) bool {
	if s.TenantID != "" && env.TenantID != "" && s.TenantID != env.TenantID {
		return false
	}
	if s.HouseID != "" && env.HouseID != "" && s.HouseID != env.HouseID {
		return false
	}
	return true
}
