package decoder

import (
	"errors"
	"testing"

	"firewatch-pipeline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Heartbeat_Success(t *testing.T) {
	body := []byte(`{"battery_volts": 3.6, "signal_strength": -72}`)

	event, err := Decode("uplink/gw-001/heartbeat", body)
	require.NoError(t, err)

	assert.Equal(t, "gw-001", event.GatewayID)
	assert.Equal(t, models.EventHeartbeat, event.Kind)
	require.NotNil(t, event.Payload.BatteryVolts)
	assert.Equal(t, 3.6, *event.Payload.BatteryVolts)
	require.NotNil(t, event.Payload.SignalStrength)
	assert.Equal(t, -72, *event.Payload.SignalStrength)
	assert.False(t, event.ReceivedAt.IsZero())
	assert.Equal(t, "gw-001", event.SubjectID())
}

func TestDecode_SmokeAlarm_Success(t *testing.T) {
	body := []byte(`{"sensor_id": "S1", "alarm_level": "high"}`)

	event, err := Decode("uplink/gw-001/smoke_alarm", body)
	require.NoError(t, err)

	assert.Equal(t, models.EventSmokeAlarm, event.Kind)
	assert.Equal(t, "S1", event.Payload.SensorID)
	assert.Equal(t, "high", event.Payload.AlarmLevel)
	assert.Equal(t, "S1", event.SubjectID())
}

func TestDecode_NumericString_Accepted(t *testing.T) {
	// 部分网关固件把数值编码为字符串
	body := []byte(`{"battery_volts": "3.30", "signal_strength": "-80"}`)

	event, err := Decode("uplink/gw-002/heartbeat", body)
	require.NoError(t, err)
	assert.Equal(t, 3.30, *event.Payload.BatteryVolts)
	assert.Equal(t, -80, *event.Payload.SignalStrength)
}

func TestDecode_NonNumericBattery_Rejected(t *testing.T) {
	body := []byte(`{"battery_volts": "full", "signal_strength": -60}`)

	_, err := Decode("uplink/gw-001/heartbeat", body)
	require.Error(t, err)

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, ReasonMalformedPayload, decErr.Reason)
}

func TestDecode_UnknownKind(t *testing.T) {
	_, err := Decode("uplink/gw-001/tea_ready", []byte(`{}`))
	require.Error(t, err)

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, ReasonUnknownKind, decErr.Reason)
}

func TestDecode_BadTopic(t *testing.T) {
	cases := []string{
		"uplink/gw-001",
		"uplink//heartbeat",
		"downlink/gw-001/heartbeat",
		"uplink/gw-001/heartbeat/extra",
		"",
	}

	for _, topic := range cases {
		_, err := Decode(topic, []byte(`{}`))
		require.Error(t, err, "topic %q", topic)

		var decErr *DecodeError
		require.True(t, errors.As(err, &decErr))
		assert.Equal(t, ReasonBadTopic, decErr.Reason)
	}
}

func TestDecode_MissingRequiredFields(t *testing.T) {
	cases := []struct {
		topic string
		body  string
	}{
		{"uplink/gw-001/heartbeat", `{"signal_strength": -60}`},
		{"uplink/gw-001/heartbeat", `{"battery_volts": 3.6}`},
		{"uplink/gw-001/smoke_alarm", `{}`},
		{"uplink/gw-001/smoke_register", `{}`},
		{"uplink/gw-001/low_battery", `{"sensor_id": "S1"}`},
		{"uplink/gw-001/self_test", `{}`},
	}

	for _, c := range cases {
		_, err := Decode(c.topic, []byte(c.body))
		require.Error(t, err, "topic=%s body=%s", c.topic, c.body)

		var decErr *DecodeError
		require.True(t, errors.As(err, &decErr))
		assert.Equal(t, ReasonMalformedPayload, decErr.Reason)
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode("uplink/gw-001/heartbeat", []byte(`{not json`))
	require.Error(t, err)

	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.Equal(t, ReasonMalformedPayload, decErr.Reason)
}

func TestDecode_PowerOn_EmptyBody(t *testing.T) {
	// power_on 无必填字段，空载荷合法
	event, err := Decode("uplink/gw-003/power_on", nil)
	require.NoError(t, err)
	assert.Equal(t, models.EventPowerOn, event.Kind)
}
