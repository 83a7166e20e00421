package events

import (
	"encoding/json"
	"fmt"
)

// NotificationType discriminates daemon-to-host events.
type NotificationType string

const (
	// NoteFoundDevice reports a peer appearing on the LAN.
	NoteFoundDevice NotificationType = "found_device"
	// NoteLostDevice reports a previously seen peer disappearing.
	NoteLostDevice NotificationType = "lost_device"
	// NoteConnectedToDevice reports successful pairing with a device.
	NoteConnectedToDevice NotificationType = "connected_to_device"
	// NoteTransferRequest asks the host to confirm an incoming transfer.
	NoteTransferRequest NotificationType = "transfer_request"
	// NoteRecipientAccepted reports the peer accepting our send request.
	NoteRecipientAccepted NotificationType = "recipient_accepted"
	// NoteRecipientDeclined reports the peer declining our send request.
	NoteRecipientDeclined NotificationType = "recipient_declined"
	// NoteSendingCancelledByReceiver reports an outgoing transfer cancelled by the remote side.
	NoteSendingCancelledByReceiver NotificationType = "sending_cancelled_by_receiver"
	// NoteReceivingCancelledBySender reports an incoming transfer cancelled by the remote side.
	NoteReceivingCancelledBySender NotificationType = "receiving_cancelled_by_sender"
	// NoteTransferProgress carries live progress counters for one transfer.
	NoteTransferProgress NotificationType = "transfer_progress"
	// NoteTransferCompleted reports a transfer finishing successfully.
	NoteTransferCompleted NotificationType = "transfer_completed"
	// NoteTransferFailed reports a transfer ending in an error.
	NoteTransferFailed NotificationType = "transfer_failed"
	// NoteSettings carries the current settings snapshot.
	NoteSettings NotificationType = "settings"
	// NoteActiveTransfers answers OpGetActiveTransfers.
	NoteActiveTransfers NotificationType = "active_transfers"
	// NoteIncompleteTransfers answers OpGetIncompleteTransfers.
	NoteIncompleteTransfers NotificationType = "incomplete_transfers"
	// NoteError carries a non-fatal error for display.
	NoteError NotificationType = "error"
)

// Notification is one daemon event in the {type, data} wire shape.
type Notification struct {
	Type NotificationType `json:"type"`
	Data json.RawMessage  `json:"data,omitempty"`
}

// NewNotification marshals a payload into a Notification envelope.
func NewNotification(notificationType NotificationType, payload any) (Notification, error) {
	if payload == nil {
		return Notification{Type: notificationType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Notification{}, fmt.Errorf("encode notification %q: %w", notificationType, err)
	}
	return Notification{Type: notificationType, Data: data}, nil
}

// ErrorKind classifies error notifications.
type ErrorKind string

const (
	KindIO       ErrorKind = "io_error"
	KindTLS      ErrorKind = "tls_error"
	KindProtocol ErrorKind = "protocol_error"
	KindPolicy   ErrorKind = "policy_rejected"
	KindTimeout  ErrorKind = "timeout"
	KindFatal    ErrorKind = "fatal"
)

// DeviceFound is the payload of NoteFoundDevice.
type DeviceFound struct {
	DeviceID    string `json:"device_id"`
	Alias       string `json:"alias"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// DeviceLost is the payload of NoteLostDevice.
type DeviceLost struct {
	DeviceID string `json:"device_id"`
}

// DeviceConnected is the payload of NoteConnectedToDevice.
type DeviceConnected struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
}

// OfferedFile describes one file inside a transfer request prompt.
type OfferedFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	Size     int64  `json:"size"`
	FileType string `json:"file_type"`
}

// TransferRequest is the payload of NoteTransferRequest.
type TransferRequest struct {
	TransferID uint64        `json:"transfer_id"`
	DeviceID   string        `json:"device_id"`
	Alias      string        `json:"alias"`
	IP         string        `json:"ip"`
	Port       int           `json:"port"`
	Files      []OfferedFile `json:"files"`
}

// TransferRef is the payload of notifications that name a transfer and
// nothing else (recipient_accepted, recipient_declined, the two
// cancellation notices).
type TransferRef struct {
	TransferID uint64 `json:"transfer_id"`
}

// TransferProgress is the payload of NoteTransferProgress.
type TransferProgress struct {
	TransferID uint64  `json:"transfer_id"`
	Progress   float64 `json:"progress"`
	Speed      int64   `json:"speed"`
	ETASeconds int64   `json:"eta_seconds"`
}

// TransferCompleted is the payload of NoteTransferCompleted.
type TransferCompleted struct {
	TransferID uint64 `json:"transfer_id"`
	FileName   string `json:"file_name,omitempty"`
	Path       string `json:"path,omitempty"`
}

// TransferFailed is the payload of NoteTransferFailed.
type TransferFailed struct {
	TransferID uint64 `json:"transfer_id"`
	Error      string `json:"error"`
}

// SettingsSnapshot is the payload of NoteSettings.
type SettingsSnapshot struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Port       int    `json:"port"`
	AuthCode   string `json:"auth_code"`
	AutoSave   bool   `json:"auto_save"`
	SaveDir    string `json:"save_dir"`
	HTTPS      bool   `json:"https"`
}

// TransferState is one entry in a transfer listing.
type TransferState struct {
	TransferID uint64  `json:"transfer_id"`
	FileName   string  `json:"file_name"`
	FileSize   int64   `json:"file_size"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	Direction  string  `json:"direction"`
}

// TransferList is the payload of NoteActiveTransfers and
// NoteIncompleteTransfers.
type TransferList struct {
	Transfers []TransferState `json:"transfers"`
}

// ErrorInfo is the payload of NoteError.
type ErrorInfo struct {
	Error      string    `json:"error"`
	Kind       ErrorKind `json:"kind,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	TransferID uint64    `json:"transfer_id,omitempty"`
}
