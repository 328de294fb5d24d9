package models

import (
	"time"
)

// EventKind 上行消息类型（对应主题 uplink/{gateway_id}/{kind}）
type EventKind string

const (
	EventPowerOn        EventKind = "power_on"
	EventHeartbeat      EventKind = "heartbeat"
	EventSmokeAlarm     EventKind = "smoke_alarm"
	EventSmokeRegister  EventKind = "smoke_register"
	EventDeleteResponse EventKind = "delete_response"
	EventSelfTest       EventKind = "self_test"
	EventLowBattery     EventKind = "low_battery"
)

// KnownEventKinds 已知的上行消息类型集合
var KnownEventKinds = map[EventKind]bool{
	EventPowerOn:        true,
	EventHeartbeat:      true,
	EventSmokeAlarm:     true,
	EventSmokeRegister:  true,
	EventDeleteResponse: true,
	EventSelfTest:       true,
	EventLowBattery:     true,
}

// EventPayload 消息类型相关的载荷字段
// 各字段是否必填取决于 Kind，见 decoder 包
type EventPayload struct {
	SensorID        string   `json:"sensor_id,omitempty"`
	BatteryVolts    *float64 `json:"battery_volts,omitempty"`
	SignalStrength  *int     `json:"signal_strength,omitempty"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
	AlarmLevel      string   `json:"alarm_level,omitempty"` // 设备上报的报警级别（可选）
}

// DeviceEvent 解码后的设备事件（不可变）
type DeviceEvent struct {
	GatewayID  string       `json:"gateway_id"`
	Kind       EventKind    `json:"kind"`
	Payload    EventPayload `json:"payload"`
	ReceivedAt time.Time    `json:"received_at"`
}

// SubjectID 事件作用的设备ID
// 带传感器ID的事件作用于传感器，否则作用于网关本身
func (e *DeviceEvent) SubjectID() string {
	if e.Payload.SensorID != "" {
		return e.Payload.SensorID
	}
	return e.GatewayID
}
