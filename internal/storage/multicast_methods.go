package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/frame"
	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ========== Multicast Group Methods ==========

const multicastGroupColumns = `id, application_id, name, mc_addr, mc_nwk_s_key, mc_app_s_key,
               f_cnt, group_type, dr, frequency, class_b_ping_slot_period,
               class_c_scheduling_type, created_at, updated_at`

// CreateMulticastGroup creates a new multicast group
func (s *PostgresStore) CreateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error {
	if group.ID == uuid.Nil {
		group.ID = uuid.New()
	}

	now := time.Now()
	group.CreatedAt = now
	group.UpdatedAt = now

	query := `
        INSERT INTO multicast_groups (
            id, application_id, name, mc_addr, mc_nwk_s_key, mc_app_s_key,
            f_cnt, group_type, dr, frequency, class_b_ping_slot_period,
            class_c_scheduling_type, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.getDB().ExecContext(ctx, query,
		group.ID, group.ApplicationID, group.Name, group.MCAddr[:],
		group.MCNwkSKey[:], group.MCAppSKey[:], int64(group.FCnt),
		string(group.GroupType), int16(group.DR), int64(group.Frequency),
		group.ClassBPingSlotPeriod, string(group.ClassCSchedulingType),
		group.CreatedAt, group.UpdatedAt,
	)
	return mapError(err)
}

// GetMulticastGroup gets a multicast group by ID
func (s *PostgresStore) GetMulticastGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error) {
	query := `
        SELECT ` + multicastGroupColumns + `
        FROM multicast_groups
        WHERE id = $1`

	return scanMulticastGroup(s.getDB().QueryRowContext(ctx, query, id))
}

// LockMulticastGroup reads a group and locks its row for the rest of the
// transaction.
func (s *PostgresStore) LockMulticastGroup(ctx context.Context, id uuid.UUID) (*models.MulticastGroup, error) {
	query := `
        SELECT ` + multicastGroupColumns + `
        FROM multicast_groups
        WHERE id = $1
        FOR UPDATE`

	return scanMulticastGroup(s.getDB().QueryRowContext(ctx, query, id))
}

// UpdateMulticastGroup updates the settings of a group. The frame counter is
// left alone; it only moves through IncrementMulticastFCnt.
func (s *PostgresStore) UpdateMulticastGroup(ctx context.Context, group *models.MulticastGroup) error {
	group.UpdatedAt = time.Now()

	query := `
        UPDATE multicast_groups SET
            name = $2, mc_addr = $3, mc_nwk_s_key = $4, mc_app_s_key = $5,
            group_type = $6, dr = $7, frequency = $8,
            class_b_ping_slot_period = $9, class_c_scheduling_type = $10,
            updated_at = $11
        WHERE id = $1`

	res, err := s.getDB().ExecContext(ctx, query,
		group.ID, group.Name, group.MCAddr[:], group.MCNwkSKey[:], group.MCAppSKey[:],
		string(group.GroupType), int16(group.DR), int64(group.Frequency),
		group.ClassBPingSlotPeriod, string(group.ClassCSchedulingType),
		group.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// DeleteMulticastGroup deletes a group with its memberships and queue
func (s *PostgresStore) DeleteMulticastGroup(ctx context.Context, id uuid.UUID) error {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM multicast_groups WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// ListMulticastGroups lists groups, optionally filtered by application
func (s *PostgresStore) ListMulticastGroups(ctx context.Context, applicationID *uuid.UUID) ([]*models.MulticastGroup, error) {
	query := `
        SELECT ` + multicastGroupColumns + `
        FROM multicast_groups
        WHERE $1::uuid IS NULL OR application_id = $1
        ORDER BY name, id`

	var filter interface{}
	if applicationID != nil {
		filter = *applicationID
	}

	rows, err := s.getDB().QueryContext(ctx, query, filter)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var groups []*models.MulticastGroup
	for rows.Next() {
		group, err := scanMulticastGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// IncrementMulticastFCnt hands out the group frame counter
func (s *PostgresStore) IncrementMulticastFCnt(ctx context.Context, id uuid.UUID) (uint32, error) {
	query := `
        UPDATE multicast_groups SET
            f_cnt = (f_cnt + 1) % 4294967296,
            updated_at = $2
        WHERE id = $1
        RETURNING (f_cnt + 4294967295) % 4294967296`

	var fCnt int64
	if err := s.getDB().QueryRowContext(ctx, query, id, time.Now()).Scan(&fCnt); err != nil {
		return 0, mapError(err)
	}
	return uint32(fCnt), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMulticastGroup(row rowScanner) (*models.MulticastGroup, error) {
	group := &models.MulticastGroup{}
	var mcAddr, nwkSKey, appSKey []byte
	var groupType, schedulingType string

	err := row.Scan(
		&group.ID, &group.ApplicationID, &group.Name, &mcAddr, &nwkSKey, &appSKey,
		&group.FCnt, &groupType, &group.DR, &group.Frequency,
		&group.ClassBPingSlotPeriod, &schedulingType,
		&group.CreatedAt, &group.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	group.GroupType = models.MulticastGroupType(groupType)
	group.ClassCSchedulingType = models.ClassCSchedulingType(schedulingType)
	for _, f := range []struct{ dst, src []byte }{
		{group.MCAddr[:], mcAddr},
		{group.MCNwkSKey[:], nwkSKey},
		{group.MCAppSKey[:], appSKey},
	} {
		if err := copyBytes(f.dst, f.src); err != nil {
			return nil, err
		}
	}
	return group, nil
}

// ========== Multicast Membership Methods ==========

// AddDeviceToMulticastGroup adds a device to a group
func (s *PostgresStore) AddDeviceToMulticastGroup(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error {
	_, err := s.getDB().ExecContext(ctx, `
        INSERT INTO multicast_group_devices (multicast_group_id, dev_eui, created_at)
        VALUES ($1, $2, $3)`, id, devEUI[:], time.Now())
	return mapError(err)
}

// RemoveDeviceFromMulticastGroup removes a device from a group
func (s *PostgresStore) RemoveDeviceFromMulticastGroup(ctx context.Context, id uuid.UUID, devEUI lorawan.EUI64) error {
	res, err := s.getDB().ExecContext(ctx, `
        DELETE FROM multicast_group_devices
        WHERE multicast_group_id = $1 AND dev_eui = $2`, id, devEUI[:])
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// ListMulticastGroupDevices lists the devices of a group
func (s *PostgresStore) ListMulticastGroupDevices(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error) {
	return s.listEUIs(ctx, `
        SELECT dev_eui FROM multicast_group_devices
        WHERE multicast_group_id = $1
        ORDER BY dev_eui`, id)
}

// AddGatewayToMulticastGroup adds a gateway to a group
func (s *PostgresStore) AddGatewayToMulticastGroup(ctx context.Context, id uuid.UUID, gatewayID lorawan.EUI64) error {
	_, err := s.getDB().ExecContext(ctx, `
        INSERT INTO multicast_group_gateways (multicast_group_id, gateway_id, created_at)
        VALUES ($1, $2, $3)`, id, gatewayID[:], time.Now())
	return mapError(err)
}

// RemoveGatewayFromMulticastGroup removes a gateway from a group
func (s *PostgresStore) RemoveGatewayFromMulticastGroup(ctx context.Context, id uuid.UUID, gatewayID lorawan.EUI64) error {
	res, err := s.getDB().ExecContext(ctx, `
        DELETE FROM multicast_group_gateways
        WHERE multicast_group_id = $1 AND gateway_id = $2`, id, gatewayID[:])
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// ListMulticastGroupGateways lists the gateways of a group
func (s *PostgresStore) ListMulticastGroupGateways(ctx context.Context, id uuid.UUID) ([]lorawan.EUI64, error) {
	return s.listEUIs(ctx, `
        SELECT gateway_id FROM multicast_group_gateways
        WHERE multicast_group_id = $1
        ORDER BY gateway_id`, id)
}

func (s *PostgresStore) listEUIs(ctx context.Context, query string, args ...interface{}) ([]lorawan.EUI64, error) {
	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []lorawan.EUI64
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var eui lorawan.EUI64
		if err := copyBytes(eui[:], b); err != nil {
			return nil, err
		}
		out = append(out, eui)
	}
	return out, rows.Err()
}

// ========== Multicast Queue Methods ==========

// CreateMulticastQueueItem stores a multicast queue item
func (s *PostgresStore) CreateMulticastQueueItem(ctx context.Context, item *models.MulticastGroupQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	timing, err := frame.MarshalTiming(item.Timing)
	if err != nil {
		return err
	}

	var emitAt sql.NullInt64
	if item.EmitAt != nil {
		emitAt = sql.NullInt64{Int64: int64(*item.EmitAt), Valid: true}
	}

	query := `
        INSERT INTO multicast_group_queue_items (
            id, multicast_group_id, f_cnt, f_port, data, timing, emit_at, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.getDB().ExecContext(ctx, query,
		item.ID, item.MulticastGroupID, int64(item.FCnt), int16(item.FPort),
		item.Data, string(timing), emitAt, item.CreatedAt,
	)
	return mapError(err)
}

// GetMulticastQueueItems returns the queue of a group in f_cnt order
func (s *PostgresStore) GetMulticastQueueItems(ctx context.Context, id uuid.UUID) ([]*models.MulticastGroupQueueItem, error) {
	query := `
        SELECT id, multicast_group_id, f_cnt, f_port, data, timing, emit_at, created_at
        FROM multicast_group_queue_items
        WHERE multicast_group_id = $1
        ORDER BY f_cnt`

	rows, err := s.getDB().QueryContext(ctx, query, id)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var items []*models.MulticastGroupQueueItem
	for rows.Next() {
		item := &models.MulticastGroupQueueItem{}
		var timing []byte
		var emitAt sql.NullInt64

		if err := rows.Scan(
			&item.ID, &item.MulticastGroupID, &item.FCnt, &item.FPort,
			&item.Data, &timing, &emitAt, &item.CreatedAt,
		); err != nil {
			return nil, err
		}
		if item.Timing, err = frame.UnmarshalTiming(timing); err != nil {
			return nil, err
		}
		if emitAt.Valid {
			d := time.Duration(emitAt.Int64)
			item.EmitAt = &d
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DeleteMulticastQueueItem deletes a multicast queue item
func (s *PostgresStore) DeleteMulticastQueueItem(ctx context.Context, id uuid.UUID) error {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM multicast_group_queue_items WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// FlushMulticastQueue deletes every queued item of a group
func (s *PostgresStore) FlushMulticastQueue(ctx context.Context, id uuid.UUID) (int64, error) {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM multicast_group_queue_items WHERE multicast_group_id = $1`, id)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
