package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/lorawan-server/lorawan-ns-core/internal/models"
	"github.com/lorawan-server/lorawan-ns-core/pkg/lorawan"
)

// ========== Device Session Methods ==========

// GetDeviceSession gets a device session
func (s *PostgresStore) GetDeviceSession(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceSession, error) {
	query := `
        SELECT dev_eui, dev_addr, mac_version, app_s_key, nwk_s_enc_key,
               s_nwk_s_int_key, f_nwk_s_int_key, f_cnt_up, n_f_cnt_down,
               a_f_cnt_down, dr, created_at, updated_at
        FROM device_sessions
        WHERE dev_eui = $1`

	session := &models.DeviceSession{}
	var devEUIBytes, devAddrBytes, appSKey, nwkSEncKey, sNwkSIntKey, fNwkSIntKey []byte
	var macVersion string

	err := s.getDB().QueryRowContext(ctx, query, devEUI[:]).Scan(
		&devEUIBytes, &devAddrBytes, &macVersion, &appSKey, &nwkSEncKey,
		&sNwkSIntKey, &fNwkSIntKey, &session.FCntUp, &session.NFCntDown,
		&session.AFCntDown, &session.DR, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	session.MACVersion = models.MACVersion(macVersion)
	for _, f := range []struct{ dst, src []byte }{
		{session.DevEUI[:], devEUIBytes},
		{session.DevAddr[:], devAddrBytes},
		{session.Keys.AppSKey[:], appSKey},
		{session.Keys.NwkSEncKey[:], nwkSEncKey},
		{session.Keys.SNwkSIntKey[:], sNwkSIntKey},
		{session.Keys.FNwkSIntKey[:], fNwkSIntKey},
	} {
		if err := copyBytes(f.dst, f.src); err != nil {
			return nil, err
		}
	}

	return session, nil
}

// SaveDeviceSession creates or replaces the session of a device
func (s *PostgresStore) SaveDeviceSession(ctx context.Context, session *models.DeviceSession) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	query := `
        INSERT INTO device_sessions (
            dev_eui, dev_addr, mac_version, app_s_key, nwk_s_enc_key,
            s_nwk_s_int_key, f_nwk_s_int_key, f_cnt_up, n_f_cnt_down,
            a_f_cnt_down, dr, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (dev_eui) DO UPDATE SET
            dev_addr = EXCLUDED.dev_addr,
            mac_version = EXCLUDED.mac_version,
            app_s_key = EXCLUDED.app_s_key,
            nwk_s_enc_key = EXCLUDED.nwk_s_enc_key,
            s_nwk_s_int_key = EXCLUDED.s_nwk_s_int_key,
            f_nwk_s_int_key = EXCLUDED.f_nwk_s_int_key,
            f_cnt_up = EXCLUDED.f_cnt_up,
            n_f_cnt_down = EXCLUDED.n_f_cnt_down,
            a_f_cnt_down = EXCLUDED.a_f_cnt_down,
            dr = EXCLUDED.dr,
            created_at = EXCLUDED.created_at,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query,
		session.DevEUI[:], session.DevAddr[:], string(session.MACVersion),
		session.Keys.AppSKey[:], session.Keys.NwkSEncKey[:],
		session.Keys.SNwkSIntKey[:], session.Keys.FNwkSIntKey[:],
		int64(session.FCntUp), int64(session.NFCntDown), int64(session.AFCntDown),
		int16(session.DR), session.CreatedAt, session.UpdatedAt,
	)
	return mapError(err)
}

// DeleteDeviceSession deletes a device session
func (s *PostgresStore) DeleteDeviceSession(ctx context.Context, devEUI lorawan.EUI64) error {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM device_sessions WHERE dev_eui = $1`, devEUI[:])
	if err != nil {
		return mapError(err)
	}
	return expectRows(res)
}

// IncrementFCntDown hands out the selected downlink counter. The UPDATE takes
// the row lock, so concurrent callers never observe the same value.
func (s *PostgresStore) IncrementFCntDown(ctx context.Context, devEUI lorawan.EUI64, kind models.FCntKind) (uint32, error) {
	var column string
	switch kind {
	case models.FCntNwk:
		column = "n_f_cnt_down"
	case models.FCntApp:
		column = "a_f_cnt_down"
	default:
		return 0, fmt.Errorf("%w: unknown counter %d", ErrInvalidData, kind)
	}

	query := fmt.Sprintf(`
        UPDATE device_sessions SET
            %[1]s = (%[1]s + 1) %% 4294967296,
            updated_at = $2
        WHERE dev_eui = $1
        RETURNING (%[1]s + 4294967295) %% 4294967296`, column)

	var fCnt int64
	if err := s.getDB().QueryRowContext(ctx, query, devEUI[:], time.Now()).Scan(&fCnt); err != nil {
		return 0, mapError(err)
	}
	return uint32(fCnt), nil
}
