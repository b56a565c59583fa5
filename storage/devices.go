package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// DefaultPort is the port assumed for a device record without one.
const DefaultPort = 51820

// Device is the persisted identity record for a known remote device. The
// table is keyed by stable device ID, not by transient address, so a device
// surviving an IP change is still recognized once re-resolved.
type Device struct {
	ID            string
	Name          string
	Hostname      string
	Address       string
	Port          int
	Type          string
	Capabilities  []string
	OSVersion     string
	PublicKey     string
	Paired        bool
	LastSeen      *int64
	LastConnected *int64
}

// UpsertDiscovered inserts a device or refreshes its volatile fields
// (name, hostname, address, port, capabilities, OS, last-seen). Trust fields
// (public key, paired flag) are never touched by re-discovery.
func (s *Store) UpsertDiscovered(device Device) error {
	if device.ID == "" {
		return errors.New("device_id is required")
	}
	if device.Name == "" {
		return errors.New("device_name is required")
	}
	if device.Port <= 0 {
		device.Port = DefaultPort
	}

	now := nowUnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id, device_name, hostname, address, port,
			device_type, capabilities, os_version, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name  = excluded.device_name,
			hostname     = excluded.hostname,
			address      = excluded.address,
			port         = excluded.port,
			device_type  = excluded.device_type,
			capabilities = excluded.capabilities,
			os_version   = excluded.os_version,
			last_seen    = excluded.last_seen`,
		device.ID,
		device.Name,
		device.Hostname,
		device.Address,
		device.Port,
		device.Type,
		joinCapabilities(device.Capabilities),
		device.OSVersion,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.ID, err)
	}

	return nil
}

// GetDevice fetches a device by stable ID.
func (s *Store) GetDevice(deviceID string) (*Device, error) {
	row := s.db.QueryRow(selectDeviceColumns+` FROM devices WHERE device_id = ?`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}

	return device, nil
}

// ListDevices returns all devices sorted by name.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(selectDeviceColumns + ` FROM devices ORDER BY device_name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// MarkPaired stores the verified peer public key and sets the paired flag.
func (s *Store) MarkPaired(deviceID, publicKey string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if publicKey == "" {
		return errors.New("public_key is required")
	}

	return s.execOne(
		`UPDATE devices SET public_key = ?, is_paired = 1 WHERE device_id = ?`,
		fmt.Sprintf("mark device %q paired", deviceID),
		publicKey, deviceID,
	)
}

// Unpair clears the trust record for a device.
func (s *Store) Unpair(deviceID string) error {
	return s.execOne(
		`UPDATE devices SET public_key = '', is_paired = 0 WHERE device_id = ?`,
		fmt.Sprintf("unpair device %q", deviceID),
		deviceID,
	)
}

// RemoveDevice deletes a device record.
func (s *Store) RemoveDevice(deviceID string) error {
	return s.execOne(
		`DELETE FROM devices WHERE device_id = ?`,
		fmt.Sprintf("remove device %q", deviceID),
		deviceID,
	)
}

// TouchConnected records a successful connection timestamp.
func (s *Store) TouchConnected(deviceID string) error {
	return s.execOne(
		`UPDATE devices SET last_connected = ? WHERE device_id = ?`,
		fmt.Sprintf("touch device %q", deviceID),
		nowUnixMilli(), deviceID,
	)
}

// LastConnectedPaired returns the paired device most recently connected to.
func (s *Store) LastConnectedPaired() (*Device, error) {
	row := s.db.QueryRow(selectDeviceColumns + `
		FROM devices
		WHERE is_paired = 1 AND last_connected IS NOT NULL
		ORDER BY last_connected DESC, device_id
		LIMIT 1`)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get last connected paired device: %w", err)
	}

	return device, nil
}

func (s *Store) execOne(query, action string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: read rows affected: %w", action, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const selectDeviceColumns = `SELECT
	device_id, device_name, hostname, address, port,
	device_type, capabilities, os_version, public_key, is_paired,
	last_seen, last_connected`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var device Device
	var capabilities string
	var paired int
	var lastSeen, lastConnected sql.NullInt64

	if err := row.Scan(
		&device.ID,
		&device.Name,
		&device.Hostname,
		&device.Address,
		&device.Port,
		&device.Type,
		&capabilities,
		&device.OSVersion,
		&device.PublicKey,
		&paired,
		&lastSeen,
		&lastConnected,
	); err != nil {
		return nil, err
	}

	device.Capabilities = splitCapabilities(capabilities)
	device.Paired = paired != 0
	if lastSeen.Valid {
		device.LastSeen = &lastSeen.Int64
	}
	if lastConnected.Valid {
		device.LastConnected = &lastConnected.Int64
	}

	return &device, nil
}

func joinCapabilities(capabilities []string) string {
	return strings.Join(capabilities, ",")
}

func splitCapabilities(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
