package events

import (
	"encoding/json"
	"fmt"
)

// OperationType discriminates host-to-daemon commands.
type OperationType string

const (
	// OpSendFile starts an outgoing transfer to a discovered device.
	OpSendFile OperationType = "send_file"
	// OpCancelWaitForConfirmation abandons an outgoing request still awaiting the peer's answer.
	OpCancelWaitForConfirmation OperationType = "cancel_wait_for_confirmation"
	// OpCancelSend cancels an outgoing transfer.
	OpCancelSend OperationType = "cancel_send"
	// OpConfirmReceive answers the pending incoming request. Single-slot: a later post replaces an earlier one.
	OpConfirmReceive OperationType = "confirm_receive"
	// OpCancelReceive cancels the active incoming transfer. Single-slot flag.
	OpCancelReceive OperationType = "cancel_receive"
	// OpModifySettings updates persisted settings.
	OpModifySettings OperationType = "modify_settings"
	// OpConnectToDevice pairs with a device using its auth code.
	OpConnectToDevice OperationType = "connect_to_device"
	// OpExitApp requests daemon shutdown.
	OpExitApp OperationType = "exit_app"
	// OpGetActiveTransfers asks for a snapshot of running transfers.
	OpGetActiveTransfers OperationType = "get_active_transfers"
	// OpGetIncompleteTransfers asks for persisted transfers in non-terminal states.
	OpGetIncompleteTransfers OperationType = "get_incomplete_transfers"
)

// Operation is one host command in the {type, data} wire shape.
type Operation struct {
	Type OperationType   `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewOperation marshals a payload into an Operation envelope.
func NewOperation(operationType OperationType, payload any) (Operation, error) {
	if payload == nil {
		return Operation{Type: operationType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("encode operation %q: %w", operationType, err)
	}
	return Operation{Type: operationType, Data: data}, nil
}

// SendFile is the payload of OpSendFile.
type SendFile struct {
	TargetDeviceID string   `json:"target_device_id"`
	FilePaths      []string `json:"file_paths"`
}

// CancelWaitForConfirmation is the payload of OpCancelWaitForConfirmation.
type CancelWaitForConfirmation struct {
	TransferID uint64 `json:"transfer_id"`
}

// CancelSend is the payload of OpCancelSend.
type CancelSend struct {
	TransferID uint64 `json:"transfer_id"`
}

// ConfirmReceive is the payload of OpConfirmReceive.
//
// When Accepted is true and AcceptedFileIDs is empty, every offered file is
// accepted.
type ConfirmReceive struct {
	Accepted        bool     `json:"accepted"`
	AcceptedFileIDs []string `json:"accepted_file_ids,omitempty"`
}

// CancelReceive is the payload of OpCancelReceive. A zero TransferID cancels
// whatever incoming transfer is active.
type CancelReceive struct {
	TransferID uint64 `json:"transfer_id"`
}

// ModifySettings is the payload of OpModifySettings. The settings object is
// kept raw; the consumer decodes the fields it understands.
type ModifySettings struct {
	Settings json.RawMessage `json:"settings"`
}

// ConnectToDevice is the payload of OpConnectToDevice.
type ConnectToDevice struct {
	DeviceID string `json:"device_id"`
	AuthCode string `json:"auth_code"`
}
