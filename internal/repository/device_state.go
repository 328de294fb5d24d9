package repository

import (
	"context"
	"database/sql"
	"fmt"

	"firewatch-pipeline/internal/models"

	"go.uber.org/zap"
)

// DeviceStateRepository 设备状态仓库（device_states 表）
type DeviceStateRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceStateRepository 创建设备状态仓库
func NewDeviceStateRepository(db *sql.DB, logger *zap.Logger) *DeviceStateRepository {
	return &DeviceStateRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertDeviceState 写入设备最新状态（按 device_id 覆盖）
func (r *DeviceStateRepository) UpsertDeviceState(ctx context.Context, state *models.DeviceState) error {
	if state == nil {
		return fmt.Errorf("state is required")
	}
	if state.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		INSERT INTO device_states (
			device_id,
			kind,
			gateway_id,
			status,
			battery_volts,
			signal_strength,
			firmware_version,
			last_heartbeat_at,
			last_self_test_at,
			registered_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (device_id) DO UPDATE SET
			status = EXCLUDED.status,
			battery_volts = EXCLUDED.battery_volts,
			signal_strength = EXCLUDED.signal_strength,
			firmware_version = EXCLUDED.firmware_version,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			last_self_test_at = EXCLUDED.last_self_test_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		state.DeviceID,
		state.Kind,
		nullString(state.GatewayID),
		state.Status,
		state.BatteryVolts,
		state.SignalStrength,
		nullString(state.FirmwareVersion),
		state.LastHeartbeatAt,
		state.LastSelfTestAt,
		state.RegisteredAt,
		state.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert device state: %w", err)
	}

	return nil
}

// DeleteDeviceState 删除设备状态（注销设备）
func (r *DeviceStateRepository) DeleteDeviceState(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	_, err := r.db.ExecContext(ctx, `DELETE FROM device_states WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device state: %w", err)
	}

	return nil
}

// GetDeviceState 查询单个设备状态
func (r *DeviceStateRepository) GetDeviceState(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT
			device_id,
			kind,
			gateway_id,
			status,
			battery_volts,
			signal_strength,
			firmware_version,
			last_heartbeat_at,
			last_self_test_at,
			registered_at,
			updated_at
		FROM device_states
		WHERE device_id = $1
	`

	var state models.DeviceState
	var gatewayID, firmware sql.NullString
	var battery sql.NullFloat64
	var signal sql.NullInt64
	var lastSelfTest sql.NullTime

	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&state.DeviceID,
		&state.Kind,
		&gatewayID,
		&state.Status,
		&battery,
		&signal,
		&firmware,
		&state.LastHeartbeatAt,
		&lastSelfTest,
		&state.RegisteredAt,
		&state.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device state not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get device state: %w", err)
	}

	// 处理可空字段
	if gatewayID.Valid {
		state.GatewayID = gatewayID.String
	}
	if firmware.Valid {
		state.FirmwareVersion = firmware.String
	}
	if battery.Valid {
		state.BatteryVolts = &battery.Float64
	}
	if signal.Valid {
		v := int(signal.Int64)
		state.SignalStrength = &v
	}
	if lastSelfTest.Valid {
		state.LastSelfTestAt = &lastSelfTest.Time
	}

	return &state, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
