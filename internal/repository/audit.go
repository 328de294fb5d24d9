package repository

import (
	"context"
	"database/sql"
	"fmt"

	"firewatch-pipeline/internal/models"

	"go.uber.org/zap"
)

// AuditRepository 派发审计仓库（delivery_audit 表，追加写）
type AuditRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditRepository 创建派发审计仓库
func NewAuditRepository(db *sql.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// AppendAttempt 追加一条派发尝试记录
func (r *AuditRepository) AppendAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	if attempt == nil {
		return fmt.Errorf("attempt is required")
	}
	if attempt.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}

	query := `
		INSERT INTO delivery_audit (
			task_id,
			incident_id,
			recipient_id,
			channel,
			attempt,
			status,
			error,
			attempted_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		attempt.TaskID,
		attempt.IncidentID,
		attempt.RecipientID,
		attempt.Channel,
		attempt.Attempt,
		attempt.Status,
		nullString(attempt.Error),
		attempt.AttemptedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}

	return nil
}

// ListByIncident 查询某事件的全部派发尝试（按时间升序）
func (r *AuditRepository) ListByIncident(ctx context.Context, incidentID string) ([]models.DeliveryAttempt, error) {
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}

	query := `
		SELECT
			task_id,
			incident_id,
			recipient_id,
			channel,
			attempt,
			status,
			COALESCE(error, '') AS error,
			attempted_at
		FROM delivery_audit
		WHERE incident_id = $1
		ORDER BY attempted_at ASC, attempt ASC
	`

	rows, err := r.db.QueryContext(ctx, query, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery audit: %w", err)
	}
	defer rows.Close()

	attempts := []models.DeliveryAttempt{}
	for rows.Next() {
		var a models.DeliveryAttempt
		err := rows.Scan(
			&a.TaskID,
			&a.IncidentID,
			&a.RecipientID,
			&a.Channel,
			&a.Attempt,
			&a.Status,
			&a.Error,
			&a.AttemptedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery audit: %w", err)
	}

	return attempts, nil
}
