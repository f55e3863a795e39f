package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ========== Device Queue Methods ==========

// CreateDeviceQueueItem appends an item to the queue of a device
func (s *PostgresStore) CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO device_queue_items (
            id, dev_eui, f_port, data, object, confirmed, is_encrypted,
            f_cnt_down, is_pending, timeout_after, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING seq`

	err := s.getDB().QueryRowContext(ctx, query,
		item.ID, item.DevEUI[:], int16(item.FPort), item.Data, item.Object,
		item.Confirmed, item.IsEncrypted, nullFCnt(item.FCntDown),
		item.IsPending, item.TimeoutAfter, item.CreatedAt,
	).Scan(&item.Seq)
	return mapError(err)
}

// GetDeviceQueueItems returns the queue of a device, oldest first
func (s *PostgresStore) GetDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) ([]*models.DeviceQueueItem, error) {
	query := `
        SELECT id, seq, dev_eui, f_port, data, object, confirmed, is_encrypted,
               f_cnt_down, is_pending, timeout_after, created_at
        FROM device_queue_items
        WHERE dev_eui = $1
        ORDER BY created_at, seq`

	rows, err := s.getDB().QueryContext(ctx, query, devEUI[:])
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var items []*models.DeviceQueueItem
	for rows.Next() {
		item := &models.DeviceQueueItem{}
		var devEUIBytes []byte
		var fCntDown sql.NullInt64
		var timeoutAfter sql.NullTime

		if err := rows.Scan(
			&item.ID, &item.Seq, &devEUIBytes, &item.FPort, &item.Data, &item.Object,
			&item.Confirmed, &item.IsEncrypted, &fCntDown, &item.IsPending,
			&timeoutAfter, &item.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := copyBytes(item.DevEUI[:], devEUIBytes); err != nil {
			return nil, err
		}
		if fCntDown.Valid {
			f := uint32(fCntDown.Int64)
			item.FCntDown = &f
		}
		if timeoutAfter.Valid {
			t := timeoutAfter.Time
			item.TimeoutAfter = &t
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// CountDeviceQueueItems returns the queue length of a device
func (s *PostgresStore) CountDeviceQueueItems(ctx context.Context, devEUI lorawan.EUI64) (int, error) {
	var count int
	err := s.getDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_queue_items WHERE dev_eui = $1`, devEUI[:],
	).Scan(&count)
	return count, mapError(err)
}

// UpdateDeviceQueueItem stores the dispatch state of an item
func (s *PostgresStore) UpdateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	query := `
        UPDATE device_queue_items SET
            data = $2, is_encrypted = $3, f_cnt_down = $4,
            is_pending = $5, timeout_after = $6
        WHERE id = $1`

	res, err := s.getDB().ExecContext(ctx, query,
		item.ID, item.Data, item.IsEncrypted, nullFCnt(item.FCntDown),
		item.IsPending, item.TimeoutAfter,
	)
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// DeleteDeviceQueueItem deletes a queue item
func (s *PostgresStore) DeleteDeviceQueueItem(ctx context.Context, id uuid.UUID) error {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM device_queue_items WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// FlushDeviceQueue deletes every queued item of a device
func (s *PostgresStore) FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) (int64, error) {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM device_queue_items WHERE dev_eui = $1`, devEUI[:])
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// LockDeviceQueue locks the device row for the rest of the transaction.
func (s *PostgresStore) LockDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error {
	var b []byte
	err := s.getDB().QueryRowContext(ctx,
		`SELECT dev_eui FROM devices WHERE dev_eui = $1 FOR UPDATE`, devEUI[:],
	).Scan(&b)
	return mapError(err)
}

func nullFCnt(f *uint32) sql.NullInt64 {
	if f == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*f), Valid: true}
}
