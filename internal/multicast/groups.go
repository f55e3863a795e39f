package multicast

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

// CreateGroup creates a multicast group. The initial FCnt is taken as given.
func (s *Scheduler) CreateGroup(ctx context.Context, g *models.MulticastGroup) error {
	if err := s.checkGroup(g); err != nil {
		return err
	}
	if err := s.store.CreateMulticastGroup(ctx, g); err != nil {
		return fmt.Errorf("create multicast group: %w", err)
	}

	log.Info().
		Str("multicastGroupId", g.ID.String()).
		Str("mcAddr", g.MCAddr.String()).
		Str("groupType", string(g.GroupType)).
		Msg("multicast group created")
	return nil
}

// GetGroup returns a multicast group
func (s *Scheduler) GetGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error) {
	g, err := s.store.GetMulticastGroup(ctx, id)
	if err != nil {
		return nil, mapGroupError(err)
	}
	return g, nil
}

// UpdateGroup updates a group. The counter and the application are kept.
func (s *Scheduler) UpdateGroup(ctx context.Context, g *models.MulticastGroup) error {
	if err := s.checkGroup(g); err != nil {
		return err
	}

	unlock := s.locks.Lock(g.ID)
	defer unlock()

	if err := s.store.UpdateMulticastGroup(ctx, g); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrGroupNotFound
		}
		return fmt.Errorf("update multicast group: %w", err)
	}
	return nil
}

// DeleteGroup deletes a group with its membership and queue.
func (s *Scheduler) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.DeleteMulticastGroup(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrGroupNotFound
		}
		return fmt.Errorf("delete multicast group: %w", err)
	}

	s.mu.Lock()
	delete(s.lastEmit, id)
	s.mu.Unlock()

	log.Info().Str("multicastGroupId", id.String()).Msg("multicast group deleted")
	return nil
}

// ListGroups lists groups, optionally of a single application.
func (s *Scheduler) ListGroups(ctx context.Context, applicationID *uuid.UUID) ([]*models.MulticastGroup, error) {
	groups, err := s.store.ListMulticastGroups(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list multicast groups: %w", err)
	}
	return groups, nil
}

func (s *Scheduler) checkGroup(g *models.MulticastGroup) error {
	if err := s.validator.Validate(g); err != nil {
		return err
	}
	if g.MCAddr.IsReserved() {
		return fmt.Errorf("%w: mc_addr %s is reserved", ErrInvalidGroup, g.MCAddr)
	}

	switch g.GroupType {
	case models.MulticastGroupClassB:
		if !lorawan.ValidPingPeriod(g.ClassBPingSlotPeriod) {
			return fmt.Errorf("%w: class-b group needs a ping slot period", ErrInvalidGroup)
		}
	case models.MulticastGroupClassC:
		if g.ClassCSchedulingType == "" {
			return fmt.Errorf("%w: class-c group needs a scheduling type", ErrInvalidGroup)
		}
	}

	if _, err := s.modulation(g.DR); err != nil {
		return err
	}
	return nil
}

// AddDevice adds a device to a group. Adding a member twice is a no-op.
func (s *Scheduler) AddDevice(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return err
	}

	err := s.store.AddDeviceToMulticastGroup(ctx, id, devEUI)
	switch {
	case err == nil:
		log.Info().Str("multicastGroupId", id.String()).Str("devEUI", devEUI.String()).Msg("device added to multicast group")
		return nil
	case errors.Is(err, storage.ErrDuplicateKey):
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrDeviceNotFound
	}
	return fmt.Errorf("add device to multicast group: %w", err)
}

// RemoveDevice removes a device from a group. Removing a non-member is a
// no-op.
func (s *Scheduler) RemoveDevice(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return err
	}
	if err := s.store.RemoveDeviceFromMulticastGroup(ctx, id, devEUI); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove device from multicast group: %w", err)
	}
	return nil
}

// ListDevices returns the member devices of a group.
func (s *Scheduler) ListDevices(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error) {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return nil, err
	}
	devices, err := s.store.ListMulticastGroupDevices(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list multicast group devices: %w", err)
	}
	return devices, nil
}

// AddGateway adds a gateway to a group. Adding a member twice is a no-op.
func (s *Scheduler) AddGateway(ctx context.Context, id uuid.UUID, gatewayID lorawan.EUI64) error {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return err
	}
	err := s.store.AddGatewayToMulticastGroup(ctx, id, gatewayID)
	if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("add gateway to multicast group: %w", err)
	}
	return nil
}

// RemoveGateway removes a gateway from a group
func (s *Scheduler) RemoveGateway(ctx context.Context, id uuid.UUID, gatewayID lorawan.EUI64) error {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return err
	}
	if err := s.store.RemoveGatewayFromMulticastGroup(ctx, id, gatewayID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("remove gateway from multicast group: %w", err)
	}
	return nil
}

// ListGateways returns the gateways a group is sent through.
func (s *Scheduler) ListGateways(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error) {
	if _, err := s.GetGroup(ctx, id); err != nil {
		return nil, err
	}
	gateways, err := s.store.ListMulticastGroupGateways(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list multicast group gateways: %w", err)
	}
	return gateways, nil
}
