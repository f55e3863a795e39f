package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
)

// ========== Device Profile Methods ==========

// CreateDeviceProfile creates a new device profile
func (s *PostgresStore) CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error {
	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}

	now := time.Now()
	profile.CreatedAt = now
	profile.UpdatedAt = now

	query := `
        INSERT INTO device_profiles (
            id, application_id, name, mac_version, supports_class_b,
            supports_class_c, flush_queue_on_activate, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.getDB().ExecContext(ctx, query,
		profile.ID, profile.ApplicationID, profile.Name, string(profile.MACVersion),
		profile.SupportsClassB, profile.SupportsClassC, profile.FlushQueueOnActivate,
		profile.CreatedAt, profile.UpdatedAt,
	)
	return mapError(err)
}

// GetDeviceProfile gets a device profile by ID
func (s *PostgresStore) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	query := `
        SELECT id, application_id, name, mac_version, supports_class_b,
               supports_class_c, flush_queue_on_activate, created_at, updated_at
        FROM device_profiles
        WHERE id = $1`

	profile := &models.DeviceProfile{}
	var macVersion string

	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&profile.ID, &profile.ApplicationID, &profile.Name, &macVersion,
		&profile.SupportsClassB, &profile.SupportsClassC, &profile.FlushQueueOnActivate,
		&profile.CreatedAt, &profile.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	profile.MACVersion = models.MACVersion(macVersion)
	return profile, nil
}
