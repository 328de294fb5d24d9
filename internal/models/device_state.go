package models

import (
	"time"
)

// DeviceStatus 设备在线状态
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceUnknown DeviceStatus = "unknown"
)

// DeviceKind 设备类型
type DeviceKind string

const (
	DeviceGateway DeviceKind = "gateway"
	DeviceSensor  DeviceKind = "sensor"
)

// DeviceState 设备最新状态（对应 device_states 表）
// 同一 device_id 的更新由 tracker 串行化
type DeviceState struct {
	DeviceID        string       `json:"device_id" db:"device_id"`
	Kind            DeviceKind   `json:"kind" db:"kind"`
	GatewayID       string       `json:"gateway_id" db:"gateway_id"` // 传感器所属网关；网关本身为空
	Status          DeviceStatus `json:"status" db:"status"`
	BatteryVolts    *float64     `json:"battery_volts,omitempty" db:"battery_volts"`
	SignalStrength  *int         `json:"signal_strength,omitempty" db:"signal_strength"`
	FirmwareVersion string       `json:"firmware_version,omitempty" db:"firmware_version"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	LastSelfTestAt  *time.Time   `json:"last_self_test_at,omitempty" db:"last_self_test_at"`
	RegisteredAt    time.Time    `json:"registered_at" db:"registered_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}
