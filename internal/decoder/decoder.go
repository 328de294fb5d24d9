package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"firewatch-pipeline/internal/models"
)

// DecodeReason 解码失败原因分类
type DecodeReason string

const (
	ReasonBadTopic         DecodeReason = "bad_topic"
	ReasonUnknownKind      DecodeReason = "unknown_kind"
	ReasonMalformedPayload DecodeReason = "malformed_payload"
)

// DecodeError 解码错误
// 解码错误只导致丢弃当前消息，不中断管道
type DecodeError struct {
	Reason DecodeReason
	Topic  string
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error (%s) on topic %q: %s", e.Reason, e.Topic, e.Detail)
}

// rawPayload 原始载荷字段（数值字段保留原始形式，严格解析）
type rawPayload struct {
	SensorID        string          `json:"sensor_id"`
	BatteryVolts    json.RawMessage `json:"battery_volts"`
	SignalStrength  json.RawMessage `json:"signal_strength"`
	FirmwareVersion string          `json:"firmware_version"`
	AlarmLevel      string          `json:"alarm_level"`
}

// Decode 解析上行消息为设备事件（纯函数，无副作用）
// 主题格式: uplink/{gateway_id}/{kind}
func Decode(topic string, body []byte) (*models.DeviceEvent, error) {
	gatewayID, kind, err := parseTopic(topic)
	if err != nil {
		return nil, err
	}

	if !models.KnownEventKinds[kind] {
		return nil, &DecodeError{
			Reason: ReasonUnknownKind,
			Topic:  topic,
			Detail: fmt.Sprintf("unknown message kind %q", kind),
		}
	}

	var raw rawPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, &DecodeError{
				Reason: ReasonMalformedPayload,
				Topic:  topic,
				Detail: fmt.Sprintf("invalid json: %v", err),
			}
		}
	}

	payload := models.EventPayload{
		SensorID:        raw.SensorID,
		FirmwareVersion: raw.FirmwareVersion,
		AlarmLevel:      raw.AlarmLevel,
	}

	// 数值字段严格解析：非数值输入报错，不默认为零
	if raw.BatteryVolts != nil {
		v, err := parseFloatField("battery_volts", raw.BatteryVolts)
		if err != nil {
			return nil, &DecodeError{Reason: ReasonMalformedPayload, Topic: topic, Detail: err.Error()}
		}
		payload.BatteryVolts = &v
	}
	if raw.SignalStrength != nil {
		v, err := parseIntField("signal_strength", raw.SignalStrength)
		if err != nil {
			return nil, &DecodeError{Reason: ReasonMalformedPayload, Topic: topic, Detail: err.Error()}
		}
		payload.SignalStrength = &v
	}

	if err := validateRequired(kind, &payload); err != nil {
		return nil, &DecodeError{Reason: ReasonMalformedPayload, Topic: topic, Detail: err.Error()}
	}

	return &models.DeviceEvent{
		GatewayID:  gatewayID,
		Kind:       kind,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// parseTopic 解析主题，要求正好三段且网关ID非空
func parseTopic(topic string) (string, models.EventKind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "uplink" || parts[1] == "" || parts[2] == "" {
		return "", "", &DecodeError{
			Reason: ReasonBadTopic,
			Topic:  topic,
			Detail: "topic must match uplink/{gateway_id}/{kind}",
		}
	}
	return parts[1], models.EventKind(parts[2]), nil
}

// validateRequired 按消息类型校验必填字段
func validateRequired(kind models.EventKind, p *models.EventPayload) error {
	switch kind {
	case models.EventHeartbeat:
		if p.BatteryVolts == nil {
			return fmt.Errorf("heartbeat requires battery_volts")
		}
		if p.SignalStrength == nil {
			return fmt.Errorf("heartbeat requires signal_strength")
		}
	case models.EventSmokeAlarm, models.EventSmokeRegister, models.EventDeleteResponse, models.EventSelfTest:
		if p.SensorID == "" {
			return fmt.Errorf("%s requires sensor_id", kind)
		}
	case models.EventLowBattery:
		if p.SensorID == "" {
			return fmt.Errorf("low_battery requires sensor_id")
		}
		if p.BatteryVolts == nil {
			return fmt.Errorf("low_battery requires battery_volts")
		}
	}
	return nil
}

// parseFloatField 解析浮点字段
// 接受 JSON 数值或数值字符串，其余一律拒绝
func parseFloatField(name string, raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s is not numeric: %s", name, raw)
	}
	return v, nil
}

// parseIntField 解析整数字段
func parseIntField(name string, raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("field %s is not an integer: %s", name, raw)
	}
	return v, nil
}
