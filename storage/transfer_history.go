package storage

import (
	"errors"
	"fmt"
	"strings"
)

// RecordTransfer appends one terminal transfer to the history table.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.TransferID == 0 {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if strings.TrimSpace(record.FileName) == "" {
		return errors.New("file_name is required")
	}
	if record.FileSize < 0 {
		return errors.New("file_size must be >= 0")
	}
	if err := validateHistoryStatus(record.Status); err != nil {
		return err
	}
	if record.FileType == "" {
		record.FileType = "other"
	}
	if record.FinishedAt == 0 {
		record.FinishedAt = nowUnixMilli()
	}
	if record.StartedAt == 0 {
		record.StartedAt = record.FinishedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_history (
			transfer_id,
			direction,
			peer_device_id,
			file_name,
			file_size,
			file_hash,
			file_type,
			status,
			error,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransferID,
		record.Direction,
		record.PeerDeviceID,
		record.FileName,
		record.FileSize,
		record.FileHash,
		record.FileType,
		record.Status,
		record.Error,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer history %d: %w", record.TransferID, err)
	}

	return nil
}

// ListTransferHistory returns recent terminal transfers, newest first.
func (s *Store) ListTransferHistory(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			transfer_id,
			direction,
			peer_device_id,
			file_name,
			file_size,
			file_hash,
			file_type,
			status,
			error,
			started_at,
			finished_at
		FROM transfer_history
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer history: %w", err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransferRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer history row: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer history rows: %w", err)
	}

	return records, nil
}

// ListTransferHistoryByPeer returns recent terminal transfers with one peer,
// newest first.
func (s *Store) ListTransferHistoryByPeer(peerDeviceID string, limit int) ([]TransferRecord, error) {
	if peerDeviceID == "" {
		return nil, errors.New("peer_device_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.Query(
		`SELECT
			id,
			transfer_id,
			direction,
			peer_device_id,
			file_name,
			file_size,
			file_hash,
			file_type,
			status,
			error,
			started_at,
			finished_at
		FROM transfer_history
		WHERE peer_device_id = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`,
		peerDeviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer history for peer %q: %w", peerDeviceID, err)
	}
	defer rows.Close()

	records := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransferRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer history row: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer history rows: %w", err)
	}

	return records, nil
}

func scanTransferRecord(row scanner) (*TransferRecord, error) {
	var record TransferRecord
	if err := row.Scan(
		&record.ID,
		&record.TransferID,
		&record.Direction,
		&record.PeerDeviceID,
		&record.FileName,
		&record.FileSize,
		&record.FileHash,
		&record.FileType,
		&record.Status,
		&record.Error,
		&record.StartedAt,
		&record.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}
