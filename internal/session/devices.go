package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/internal/storage"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// CreateDevice creates a device. Its profile must exist.
func (m *Manager) CreateDevice(ctx context.Context, device *models.Device) error {
	if err := m.validator.Validate(device); err != nil {
		return err
	}
	if _, err := m.GetDeviceProfile(ctx, device.DeviceProfileID); err != nil {
		return err
	}

	if err := m.store.CreateDevice(ctx, device); err != nil {
		return fmt.Errorf("create device: %w", err)
	}

	log.Info().Str("devEUI", device.DevEUI.String()).Str("name", device.Name).Msg("device created")
	return nil
}

// GetDevice returns a device
func (m *Manager) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	device, err := m.store.GetDevice(ctx, devEUI)
	if err != nil {
		return nil, mapDeviceError(err)
	}
	return device, nil
}

// UpdateDevice updates a device
func (m *Manager) UpdateDevice(ctx context.Context, device *models.Device) error {
	if err := m.validator.Validate(device); err != nil {
		return err
	}
	if _, err := m.GetDeviceProfile(ctx, device.DeviceProfileID); err != nil {
		return err
	}

	unlock := m.locks.Lock(device.DevEUI)
	defer unlock()

	if err := m.store.UpdateDevice(ctx, device); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("update device: %w", err)
	}
	return nil
}

// DeleteDevice deletes a device with its session and queue.
func (m *Manager) DeleteDevice(ctx context.Context, devEUI lorawan.EUI64) error {
	unlock := m.locks.Lock(devEUI)
	defer unlock()

	if err := m.store.DeleteDevice(ctx, devEUI); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("delete device: %w", err)
	}

	log.Info().Str("devEUI", devEUI.String()).Msg("device deleted")
	return nil
}

// CreateDeviceProfile creates a device profile
func (m *Manager) CreateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error {
	if err := m.validator.Validate(profile); err != nil {
		return err
	}
	if profile.MACVersion == "" {
		profile.MACVersion = models.MACVersion1_0
	}
	if err := m.store.CreateDeviceProfile(ctx, profile); err != nil {
		return fmt.Errorf("create device profile: %w", err)
	}
	return nil
}

// GetDeviceProfile returns a device profile
func (m *Manager) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	profile, err := m.store.GetDeviceProfile(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDeviceProfileNotFound
		}
		return nil, fmt.Errorf("get device profile: %w", err)
	}
	return profile, nil
}
