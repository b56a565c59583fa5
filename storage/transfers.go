package storage

import (
	"errors"
	"fmt"
)

// TransferRecord is the retained history entry for a finished file transfer.
// Only terminal states are persisted.
type TransferRecord struct {
	ID           string
	PeerDeviceID string
	Direction    string
	FileName     string
	FileSize     int64
	BytesMoved   int64
	State        string
	Reason       string
	FinishedAt   int64
}

// RecordTransfer stores a terminal transfer outcome for history display.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.ID == "" {
		return errors.New("transfer_id is required")
	}
	if record.PeerDeviceID == "" {
		return errors.New("peer_device_id is required")
	}
	if record.Direction != "incoming" && record.Direction != "outgoing" {
		return fmt.Errorf("invalid transfer direction %q", record.Direction)
	}
	if record.FinishedAt == 0 {
		record.FinishedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO transfers (
			transfer_id, peer_device_id, direction, file_name,
			file_size, bytes_moved, state, reason, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.PeerDeviceID,
		record.Direction,
		record.FileName,
		record.FileSize,
		record.BytesMoved,
		record.State,
		record.Reason,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record transfer %q: %w", record.ID, err)
	}

	return nil
}

// ListTransfers returns transfer history, most recent first.
func (s *Store) ListTransfers() ([]TransferRecord, error) {
	rows, err := s.db.Query(
		`SELECT transfer_id, peer_device_id, direction, file_name,
			file_size, bytes_moved, state, reason, finished_at
		FROM transfers
		ORDER BY finished_at DESC, transfer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(
			&record.ID,
			&record.PeerDeviceID,
			&record.Direction,
			&record.FileName,
			&record.FileSize,
			&record.BytesMoved,
			&record.State,
			&record.Reason,
			&record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}
