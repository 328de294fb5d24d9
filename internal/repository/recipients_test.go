package repository

import (
	"context"
	"database/sql"
	"testing"

	"firewatch-pipeline/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRecipientMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *RecipientRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewRecipientRepository(db, logger)

	return db, mock, repo
}

func TestSensorLocation_Success(t *testing.T) {
	db, mock, repo := setupRecipientMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"sensor_id", "house_id", "tenant_id", "lat", "lng"}).
		AddRow("sensor-1", "house-1", "tenant-1", 31.2304, 121.4737)

	mock.ExpectQuery(`SELECT`).
		WithArgs("sensor-1").
		WillReturnRows(rows)

	loc, err := repo.SensorLocation(context.Background(), "sensor-1")

	require.NoError(t, err)
	assert.Equal(t, "house-1", loc.HouseID)
	assert.Equal(t, "tenant-1", loc.TenantID)
	assert.Equal(t, 31.2304, loc.Lat)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSensorLocation_NotFound(t *testing.T) {
	db, mock, repo := setupRecipientMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).
		WithArgs("unknown").
		WillReturnError(sql.ErrNoRows)

	loc, err := repo.SensorLocation(context.Background(), "unknown")

	require.Error(t, err)
	assert.Nil(t, loc)
	assert.Contains(t, err.Error(), "not found")
}

func TestFindWithinRadius_Success(t *testing.T) {
	db, mock, repo := setupRecipientMock(t)
	defer db.Close()

	loc := &models.SensorLocation{SensorID: "sensor-1", HouseID: "house-1", Lat: 31.23, Lng: 121.47}

	rows := sqlmock.NewRows([]string{"recipient_id", "house_id", "role", "channel", "push_token", "distance_m"}).
		AddRow("user-1", "house-1", "occupant", "push", "token-1", 0.0).
		AddRow("user-2", "house-2", "emergency", "sms", "", 320.5)

	mock.ExpectQuery(`SELECT`).
		WithArgs(31.23, 121.47, 500.0, true, "house-1").
		WillReturnRows(rows)

	recipients, err := repo.FindWithinRadius(context.Background(), loc, 500.0, true)

	require.NoError(t, err)
	require.Len(t, recipients, 2)
	assert.Equal(t, "user-1", recipients[0].RecipientID)
	assert.Equal(t, models.ChannelPush, recipients[0].Channel)
	assert.Equal(t, "token-1", recipients[0].PushToken)
	assert.Equal(t, "user-2", recipients[1].RecipientID)
	assert.Equal(t, 320.5, recipients[1].DistanceM)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindWithinRadius_InvalidRadius(t *testing.T) {
	db, _, repo := setupRecipientMock(t)
	defer db.Close()

	loc := &models.SensorLocation{SensorID: "sensor-1", HouseID: "house-1"}

	_, err := repo.FindWithinRadius(context.Background(), loc, 0, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radius must be positive")
}

func TestFindHouseOccupants_Success(t *testing.T) {
	db, mock, repo := setupRecipientMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"recipient_id", "house_id", "role", "channel", "push_token", "distance_m"}).
		AddRow("user-1", "house-1", "occupant", "push", "token-1", 0.0)

	mock.ExpectQuery(`SELECT`).
		WithArgs("house-1").
		WillReturnRows(rows)

	occupants, err := repo.FindHouseOccupants(context.Background(), "house-1")

	require.NoError(t, err)
	require.Len(t, occupants, 1)
	assert.Equal(t, "user-1", occupants[0].RecipientID)
	assert.Equal(t, "occupant", occupants[0].Role)

	assert.NoError(t, mock.ExpectationsWereMet())
}
