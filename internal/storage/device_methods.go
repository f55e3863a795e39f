package storage

import (
	"context"
	"time"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ========== Device Methods ==========

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (
            dev_eui, application_id, device_profile_id, name, description,
            is_disabled, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		device.DevEUI[:], device.ApplicationID, device.DeviceProfileID,
		device.Name, device.Description, device.IsDisabled,
		device.CreatedAt, device.UpdatedAt,
	)
	return mapError(err)
}

// GetDevice gets a device by DevEUI
func (s *PostgresStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	query := `
        SELECT dev_eui, application_id, device_profile_id, name, description,
               is_disabled, created_at, updated_at
        FROM devices
        WHERE dev_eui = $1`

	device := &models.Device{}
	var devEUIBytes []byte

	err := s.getDB().QueryRowContext(ctx, query, devEUI[:]).Scan(
		&devEUIBytes, &device.ApplicationID, &device.DeviceProfileID,
		&device.Name, &device.Description, &device.IsDisabled,
		&device.CreatedAt, &device.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	if err := copyBytes(device.DevEUI[:], devEUIBytes); err != nil {
		return nil, err
	}
	return device, nil
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            application_id = $2, device_profile_id = $3, name = $4,
            description = $5, is_disabled = $6, updated_at = $7
        WHERE dev_eui = $1`

	res, err := s.getDB().ExecContext(ctx, query,
		device.DevEUI[:], device.ApplicationID, device.DeviceProfileID,
		device.Name, device.Description, device.IsDisabled, device.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// DeleteDevice deletes a device together with its session, queue and
// multicast memberships.
func (s *PostgresStore) DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM devices WHERE dev_eui = $1`, devEUI[:])
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}
