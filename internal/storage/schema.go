package storage

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_profiles (
        id UUID PRIMARY KEY,
        application_id UUID NOT NULL,
        name VARCHAR(100) NOT NULL,
        mac_version VARCHAR(10) NOT NULL DEFAULT '1.0',
        supports_class_b BOOLEAN NOT NULL DEFAULT FALSE,
        supports_class_c BOOLEAN NOT NULL DEFAULT FALSE,
        flush_queue_on_activate BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS devices (
        dev_eui BYTEA PRIMARY KEY,
        application_id UUID NOT NULL,
        device_profile_id UUID NOT NULL REFERENCES device_profiles(id),
        name VARCHAR(100) NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        is_disabled BOOLEAN NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS device_sessions (
        dev_eui BYTEA PRIMARY KEY REFERENCES devices(dev_eui) ON DELETE CASCADE,
        dev_addr BYTEA NOT NULL,
        mac_version VARCHAR(10) NOT NULL,
        app_s_key BYTEA NOT NULL,
        nwk_s_enc_key BYTEA NOT NULL,
        s_nwk_s_int_key BYTEA NOT NULL,
        f_nwk_s_int_key BYTEA NOT NULL,
        f_cnt_up BIGINT NOT NULL DEFAULT 0,
        n_f_cnt_down BIGINT NOT NULL DEFAULT 0,
        a_f_cnt_down BIGINT NOT NULL DEFAULT 0,
        dr SMALLINT NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_device_sessions_dev_addr ON device_sessions(dev_addr)`,
	`CREATE TABLE IF NOT EXISTS device_queue_items (
        id UUID PRIMARY KEY,
        seq BIGSERIAL,
        dev_eui BYTEA NOT NULL REFERENCES devices(dev_eui) ON DELETE CASCADE,
        f_port SMALLINT NOT NULL,
        data BYTEA,
        object JSONB,
        confirmed BOOLEAN NOT NULL DEFAULT FALSE,
        is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
        f_cnt_down BIGINT,
        is_pending BOOLEAN NOT NULL DEFAULT FALSE,
        timeout_after TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS idx_device_queue_items_dev_eui ON device_queue_items(dev_eui, created_at, seq)`,
	`CREATE TABLE IF NOT EXISTS multicast_groups (
        id UUID PRIMARY KEY,
        application_id UUID NOT NULL,
        name VARCHAR(100) NOT NULL,
        mc_addr BYTEA NOT NULL,
        mc_nwk_s_key BYTEA NOT NULL,
        mc_app_s_key BYTEA NOT NULL,
        f_cnt BIGINT NOT NULL DEFAULT 0,
        group_type VARCHAR(10) NOT NULL,
        dr SMALLINT NOT NULL,
        frequency BIGINT NOT NULL,
        class_b_ping_slot_period INTEGER NOT NULL DEFAULT 0,
        class_c_scheduling_type VARCHAR(10) NOT NULL DEFAULT 'DELAY',
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS multicast_group_devices (
        multicast_group_id UUID NOT NULL REFERENCES multicast_groups(id) ON DELETE CASCADE,
        dev_eui BYTEA NOT NULL REFERENCES devices(dev_eui) ON DELETE CASCADE,
        created_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (multicast_group_id, dev_eui)
    )`,
	`CREATE TABLE IF NOT EXISTS multicast_group_gateways (
        multicast_group_id UUID NOT NULL REFERENCES multicast_groups(id) ON DELETE CASCADE,
        gateway_id BYTEA NOT NULL,
        created_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (multicast_group_id, gateway_id)
    )`,
	`CREATE TABLE IF NOT EXISTS multicast_group_queue_items (
        id UUID PRIMARY KEY,
        multicast_group_id UUID NOT NULL REFERENCES multicast_groups(id) ON DELETE CASCADE,
        f_cnt BIGINT NOT NULL,
        f_port SMALLINT NOT NULL,
        data BYTEA NOT NULL,
        timing JSONB NOT NULL,
        emit_at BIGINT,
        created_at TIMESTAMPTZ NOT NULL,
        UNIQUE (multicast_group_id, f_cnt)
    )`,
}

// Migrate creates the tables the store needs when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.getDB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
