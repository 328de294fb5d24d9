package repository

import (
	"context"
	"database/sql"
	"fmt"

	"firewatch-pipeline/internal/models"

	"go.uber.org/zap"
)

// RecipientRepository 接收人/位置仓库（sensors, houses, recipients 表）
type RecipientRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRecipientRepository 创建接收人仓库
func NewRecipientRepository(db *sql.DB, logger *zap.Logger) *RecipientRepository {
	return &RecipientRepository{
		db:     db,
		logger: logger,
	}
}

// SensorLocation 查询传感器的安装位置（sensors JOIN houses）
func (r *RecipientRepository) SensorLocation(ctx context.Context, sensorID string) (*models.SensorLocation, error) {
	if sensorID == "" {
		return nil, fmt.Errorf("sensor_id is required")
	}

	query := `
		SELECT
			s.sensor_id,
			s.house_id,
			h.tenant_id,
			h.lat,
			h.lng
		FROM sensors s
		JOIN houses h ON h.house_id = s.house_id
		WHERE s.sensor_id = $1
	`

	var loc models.SensorLocation
	err := r.db.QueryRowContext(ctx, query, sensorID).Scan(
		&loc.SensorID,
		&loc.HouseID,
		&loc.TenantID,
		&loc.Lat,
		&loc.Lng,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sensor location not found: %s", sensorID)
		}
		return nil, fmt.Errorf("failed to get sensor location: %w", err)
	}

	return &loc, nil
}

// FindWithinRadius 半径内接收人查询
// 用 haversine 公式计算各房屋到事件位置的距离（米）：
//   - wide=false 仅查事发房屋的住户
//   - wide=true 额外包含半径内相邻房屋的住户与应急角色
//
// 结果按 recipient_id 升序，保证路由输出确定性
func (r *RecipientRepository) FindWithinRadius(ctx context.Context, loc *models.SensorLocation, radiusMeters float64, wide bool) ([]models.Recipient, error) {
	if loc == nil {
		return nil, fmt.Errorf("location is required")
	}
	if radiusMeters <= 0 {
		return nil, fmt.Errorf("radius must be positive: %f", radiusMeters)
	}

	// 6371000 为地球平均半径（米）
	query := `
		SELECT
			recipient_id,
			house_id,
			role,
			channel,
			push_token,
			distance_m
		FROM (
			SELECT
				r.recipient_id,
				r.house_id,
				r.role,
				r.channel,
				COALESCE(r.push_token, '') AS push_token,
				6371000 * 2 * asin(sqrt(
					pow(sin(radians(h.lat - $1) / 2), 2) +
					cos(radians($1)) * cos(radians(h.lat)) *
					pow(sin(radians(h.lng - $2) / 2), 2)
				)) AS distance_m
			FROM recipients r
			JOIN houses h ON h.house_id = r.house_id
		) candidates
		WHERE distance_m <= $3
		  AND (
			($4 AND role IN ('occupant', 'emergency'))
			OR (NOT $4 AND role = 'occupant' AND house_id = $5)
		  )
		ORDER BY recipient_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, loc.Lat, loc.Lng, radiusMeters, wide, loc.HouseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients within radius: %w", err)
	}
	defer rows.Close()

	return scanRecipients(rows)
}

// FindHouseOccupants 查询某房屋的全部住户（低电量等房屋级通知用）
func (r *RecipientRepository) FindHouseOccupants(ctx context.Context, houseID string) ([]models.Recipient, error) {
	if houseID == "" {
		return nil, fmt.Errorf("house_id is required")
	}

	query := `
		SELECT
			recipient_id,
			house_id,
			role,
			channel,
			COALESCE(push_token, '') AS push_token,
			0 AS distance_m
		FROM recipients
		WHERE house_id = $1 AND role = 'occupant'
		ORDER BY recipient_id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, houseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query house occupants: %w", err)
	}
	defer rows.Close()

	return scanRecipients(rows)
}

func scanRecipients(rows *sql.Rows) ([]models.Recipient, error) {
	recipients := []models.Recipient{}
	for rows.Next() {
		var rec models.Recipient
		var channel sql.NullString

		err := rows.Scan(
			&rec.RecipientID,
			&rec.HouseID,
			&rec.Role,
			&channel,
			&rec.PushToken,
			&rec.DistanceM,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}

		if channel.Valid {
			rec.Channel = models.Channel(channel.String)
		}

		recipients = append(recipients, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipients: %w", err)
	}

	return recipients, nil
}
