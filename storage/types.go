package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

const (
	// DirectionSend marks a transfer this device originated.
	DirectionSend = "send"
	// DirectionReceive marks a transfer this device accepted.
	DirectionReceive = "receive"
)

const (
	// HistoryStatusCompleted marks a transfer that finished and verified.
	HistoryStatusCompleted = "completed"
	// HistoryStatusFailed marks a transfer that ended with an error.
	HistoryStatusFailed = "failed"
	// HistoryStatusCancelled marks a transfer cancelled by either side.
	HistoryStatusCancelled = "cancelled"
	// HistoryStatusRejected marks a send the receiver declined.
	HistoryStatusRejected = "rejected"
)

// PinnedPeer is the persisted projection of one pin-map entry. The in-memory
// pin map stays authoritative; these rows only survive restarts.
type PinnedPeer struct {
	Endpoint    string
	Fingerprint string
	DeviceID    string
	Alias       string
	PinnedAt    int64
	LastSeenAt  *int64
}

// TransferRecord is one terminal transfer retained for UI history listings.
type TransferRecord struct {
	ID           int64
	TransferID   uint64
	Direction    string
	PeerDeviceID string
	FileName     string
	FileSize     int64
	FileHash     string
	FileType     string
	Status       string
	Error        string
	StartedAt    int64
	FinishedAt   int64
}

// SecurityEvent records one trust decision (pin overwrite, verification
// mismatch, unregistered-peer admission or rejection).
type SecurityEvent struct {
	ID        int64
	EventType string
	Endpoint  string
	Detail    string
	CreatedAt int64
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateHistoryStatus(status string) error {
	switch status {
	case HistoryStatusCompleted, HistoryStatusFailed, HistoryStatusCancelled, HistoryStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid history status %q", status)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
