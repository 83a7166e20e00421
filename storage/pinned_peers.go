package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertPinnedPeer inserts or replaces the persisted pin for an endpoint.
func (s *Store) UpsertPinnedPeer(peer PinnedPeer) error {
	if strings.TrimSpace(peer.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(peer.Fingerprint) == "" {
		return errors.New("fingerprint is required")
	}
	if peer.PinnedAt == 0 {
		peer.PinnedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO pinned_peers (
			endpoint,
			fingerprint,
			device_id,
			alias,
			pinned_at,
			last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			device_id = excluded.device_id,
			alias = excluded.alias,
			last_seen_at = excluded.last_seen_at`,
		peer.Endpoint,
		peer.Fingerprint,
		peer.DeviceID,
		peer.Alias,
		peer.PinnedAt,
		nullInt64(peer.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("upsert pinned peer %q: %w", peer.Endpoint, err)
	}

	return nil
}

// GetPinnedPeer fetches one pin by endpoint.
func (s *Store) GetPinnedPeer(endpoint string) (*PinnedPeer, error) {
	row := s.db.QueryRow(
		`SELECT
			endpoint,
			fingerprint,
			device_id,
			alias,
			pinned_at,
			last_seen_at
		FROM pinned_peers
		WHERE endpoint = ?`,
		endpoint,
	)

	peer, err := scanPinnedPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pinned peer %q: %w", endpoint, err)
	}

	return peer, nil
}

// ListPinnedPeers returns all persisted pins sorted by endpoint.
func (s *Store) ListPinnedPeers() ([]PinnedPeer, error) {
	rows, err := s.db.Query(
		`SELECT
			endpoint,
			fingerprint,
			device_id,
			alias,
			pinned_at,
			last_seen_at
		FROM pinned_peers
		ORDER BY endpoint`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pinned peers: %w", err)
	}
	defer rows.Close()

	peers := make([]PinnedPeer, 0)
	for rows.Next() {
		peer, err := scanPinnedPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pinned peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pinned peer rows: %w", err)
	}

	return peers, nil
}

// RemovePinnedPeer deletes one pin by endpoint.
func (s *Store) RemovePinnedPeer(endpoint string) error {
	if endpoint == "" {
		return errors.New("endpoint is required")
	}

	res, err := s.db.Exec(`DELETE FROM pinned_peers WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("remove pinned peer %q: %w", endpoint, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove pinned peer %q: %w", endpoint, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// TouchPinnedPeer updates the last-seen timestamp for one pin.
func (s *Store) TouchPinnedPeer(endpoint string, lastSeenAt int64) error {
	if endpoint == "" {
		return errors.New("endpoint is required")
	}
	if lastSeenAt <= 0 {
		lastSeenAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE pinned_peers SET last_seen_at = ? WHERE endpoint = ?`,
		lastSeenAt,
		endpoint,
	)
	if err != nil {
		return fmt.Errorf("touch pinned peer %q: %w", endpoint, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for touch pinned peer %q: %w", endpoint, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPinnedPeer(row scanner) (*PinnedPeer, error) {
	var (
		peer     PinnedPeer
		lastSeen sql.NullInt64
	)

	if err := row.Scan(
		&peer.Endpoint,
		&peer.Fingerprint,
		&peer.DeviceID,
		&peer.Alias,
		&peer.PinnedAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	peer.LastSeenAt = int64Ptr(lastSeen)
	return &peer, nil
}
