package repository

import (
	"context"
	"database/sql"
	"fmt"

	"firewatch-pipeline/internal/models"

	"go.uber.org/zap"
)

// IncidentRepository 火警事件仓库（incidents 表）
type IncidentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIncidentRepository 创建火警事件仓库
func NewIncidentRepository(db *sql.DB, logger *zap.Logger) *IncidentRepository {
	return &IncidentRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertIncident 写入事件当前快照（按 incident_id 覆盖）
func (r *IncidentRepository) UpsertIncident(ctx context.Context, incident *models.Incident) error {
	if incident == nil {
		return fmt.Errorf("incident is required")
	}
	if incident.IncidentID == "" {
		return fmt.Errorf("incident_id is required")
	}

	query := `
		INSERT INTO incidents (
			incident_id,
			sensor_id,
			severity,
			state,
			triggered_at,
			acknowledged_by,
			acknowledged_at,
			escalated_at,
			resolved_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (incident_id) DO UPDATE SET
			severity = EXCLUDED.severity,
			state = EXCLUDED.state,
			acknowledged_by = EXCLUDED.acknowledged_by,
			acknowledged_at = EXCLUDED.acknowledged_at,
			escalated_at = EXCLUDED.escalated_at,
			resolved_at = EXCLUDED.resolved_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		incident.IncidentID,
		incident.SensorID,
		incident.Severity,
		incident.State,
		incident.TriggeredAt,
		incident.AcknowledgedBy,
		incident.AcknowledgedAt,
		incident.EscalatedAt,
		incident.ResolvedAt,
		incident.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert incident: %w", err)
	}

	return nil
}

// GetIncident 查询单个事件
func (r *IncidentRepository) GetIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}

	query := `
		SELECT
			incident_id,
			sensor_id,
			severity,
			state,
			triggered_at,
			acknowledged_by,
			acknowledged_at,
			escalated_at,
			resolved_at,
			updated_at
		FROM incidents
		WHERE incident_id = $1
	`

	var incident models.Incident
	var ackBy sql.NullString
	var ackAt, escAt, resAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, incidentID).Scan(
		&incident.IncidentID,
		&incident.SensorID,
		&incident.Severity,
		&incident.State,
		&incident.TriggeredAt,
		&ackBy,
		&ackAt,
		&escAt,
		&resAt,
		&incident.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("incident not found: %s", incidentID)
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	if ackBy.Valid {
		incident.AcknowledgedBy = &ackBy.String
	}
	if ackAt.Valid {
		incident.AcknowledgedAt = &ackAt.Time
	}
	if escAt.Valid {
		incident.EscalatedAt = &escAt.Time
	}
	if resAt.Valid {
		incident.ResolvedAt = &resAt.Time
	}

	return &incident, nil
}

// ListOpenIncidents 查询所有非终态事件（服务重启恢复用）
func (r *IncidentRepository) ListOpenIncidents(ctx context.Context) ([]*models.Incident, error) {
	query := `
		SELECT
			incident_id,
			sensor_id,
			severity,
			state,
			triggered_at,
			acknowledged_by,
			acknowledged_at,
			escalated_at,
			resolved_at,
			updated_at
		FROM incidents
		WHERE state != 'resolved'
		ORDER BY triggered_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*models.Incident{}
	for rows.Next() {
		var incident models.Incident
		var ackBy sql.NullString
		var ackAt, escAt, resAt sql.NullTime

		err := rows.Scan(
			&incident.IncidentID,
			&incident.SensorID,
			&incident.Severity,
			&incident.State,
			&incident.TriggeredAt,
			&ackBy,
			&ackAt,
			&escAt,
			&resAt,
			&incident.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}

		if ackBy.Valid {
			incident.AcknowledgedBy = &ackBy.String
		}
		if ackAt.Valid {
			incident.AcknowledgedAt = &ackAt.Time
		}
		if escAt.Valid {
			incident.EscalatedAt = &escAt.Time
		}
		if resAt.Valid {
			incident.ResolvedAt = &resAt.Time
		}

		incidents = append(incidents, &incident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incidents: %w", err)
	}

	return incidents, nil
}
