package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetforge/controlplane/internal/model"
)

func scanHost(row pgx.Row) (*model.Host, error) {
	var h model.Host
	if err := row.Scan(
		&h.HostID, &h.Enabled, &h.CPUTotal, &h.CPUFree, &h.RAMTotalMB, &h.RAMFreeMB, &h.IOPressure,
		&h.OSFamily, &h.OSFlavor, &h.OSVersion, &h.CPUArch, &h.Addr, &h.QEMUBinary,
		&h.SupportedAccels, &h.SelectedAccel, &h.LastSeen,
		&h.BootstrapTokenHash, &h.SessionTokenHash, &h.SessionExpiresAt,
	); err != nil {
		return nil, err
	}
	return &h, nil
}

const hostColumns = `host_id, enabled, cpu_total, cpu_free, ram_total_mb, ram_free_mb, io_pressure,
	os_family, os_flavor, os_version, cpu_arch, addr, qemu_binary,
	supported_accels, selected_accel, last_seen,
	bootstrap_token_hash, session_token_hash, session_expires_at`

// GetHost fetches a host by id.
func (s *Store) GetHost(ctx context.Context, hostID string) (*model.Host, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+hostColumns+` FROM hosts WHERE host_id = $1`, hostID)
	h, err := scanHost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning host: %w", err)
	}
	return h, nil
}

// ListHosts returns every registered host.
func (s *Store) ListHosts(ctx context.Context) ([]*model.Host, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY host_id`)
	if err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	defer rows.Close()

	var out []*model.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning host row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpsertHost inserts a host row on first registration, or updates capability
// and bootstrap-token-hash fields on re-registration. It does not touch
// last_seen; callers issue UpdateHostHeartbeat after a successful register.
func (s *Store) UpsertHost(ctx context.Context, h model.Host) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hosts (host_id, enabled, cpu_total, cpu_free, ram_total_mb, ram_free_mb, io_pressure,
			os_family, os_flavor, os_version, cpu_arch, addr, qemu_binary, supported_accels, selected_accel,
			bootstrap_token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (host_id) DO UPDATE SET
			cpu_total = EXCLUDED.cpu_total,
			cpu_free = EXCLUDED.cpu_free,
			ram_total_mb = EXCLUDED.ram_total_mb,
			ram_free_mb = EXCLUDED.ram_free_mb,
			io_pressure = EXCLUDED.io_pressure,
			os_family = EXCLUDED.os_family,
			os_flavor = EXCLUDED.os_flavor,
			os_version = EXCLUDED.os_version,
			cpu_arch = EXCLUDED.cpu_arch,
			addr = EXCLUDED.addr,
			qemu_binary = EXCLUDED.qemu_binary,
			supported_accels = EXCLUDED.supported_accels,
			selected_accel = EXCLUDED.selected_accel,
			bootstrap_token_hash = EXCLUDED.bootstrap_token_hash`,
		h.HostID, h.Enabled, h.CPUTotal, h.CPUFree, h.RAMTotalMB, h.RAMFreeMB, h.IOPressure,
		h.OSFamily, h.OSFlavor, h.OSVersion, h.CPUArch, h.Addr, h.QEMUBinary,
		h.SupportedAccels, h.SelectedAccel, h.BootstrapTokenHash,
	)
	if err != nil {
		return fmt.Errorf("upserting host: %w", err)
	}
	return nil
}

// UpdateHostHeartbeat merges heartbeat-reported fields and bumps last_seen.
func (s *Store) UpdateHostHeartbeat(ctx context.Context, h model.Host) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE hosts SET
			cpu_free = $1, ram_free_mb = $2, io_pressure = $3,
			os_family = $4, os_flavor = $5, os_version = $6, cpu_arch = $7,
			addr = $8, qemu_binary = $9, supported_accels = $10, selected_accel = $11,
			last_seen = $12
		WHERE host_id = $13`,
		h.CPUFree, h.RAMFreeMB, h.IOPressure,
		h.OSFamily, h.OSFlavor, h.OSVersion, h.CPUArch,
		h.Addr, h.QEMUBinary, h.SupportedAccels, h.SelectedAccel,
		now, h.HostID,
	)
	if err != nil {
		return fmt.Errorf("updating host heartbeat: %w", err)
	}
	return nil
}

// SetHostEnabled toggles a host's enabled flag, clearing session material on
// disable.
func (s *Store) SetHostEnabled(ctx context.Context, hostID string, enabled bool) error {
	var err error
	if enabled {
		_, err = s.pool.Exec(ctx, `UPDATE hosts SET enabled = true WHERE host_id = $1`, hostID)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE hosts SET enabled = false, session_token_hash = '', session_expires_at = NULL WHERE host_id = $1`,
			hostID)
	}
	if err != nil {
		return fmt.Errorf("setting host enabled=%v: %w", enabled, err)
	}
	return nil
}

// SetHostSession installs a new session token hash and expiry, issued on
// successful registration.
func (s *Store) SetHostSession(ctx context.Context, hostID, sessionTokenHash string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE hosts SET session_token_hash = $1, session_expires_at = $2 WHERE host_id = $3`,
		sessionTokenHash, expiresAt, hostID,
	)
	if err != nil {
		return fmt.Errorf("setting host session: %w", err)
	}
	return nil
}
