// Package events carries the operation/notification traffic between the
// host UI process and the daemon core. Producers post from any goroutine;
// consumers poll without blocking.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Bus is a mutex-guarded pair of FIFO queues plus two single-slot latches.
//
// Operations flow host → daemon, notifications daemon → host. ConfirmReceive
// and CancelReceive do not queue: posting either replaces the previous value
// so stale answers never build up while a transfer waits.
type Bus struct {
	logger *slog.Logger

	mu            sync.Mutex
	operations    []Operation
	notifications []Notification
	confirm       *ConfirmReceive
	cancelReceive *CancelReceive
}

// NewBus creates an empty bus. A nil logger falls back to slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// PostOperation enqueues a host command. ConfirmReceive and CancelReceive
// are routed to their latches instead of the queue; a malformed
// ConfirmReceive payload is dropped.
func (b *Bus) PostOperation(op Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch op.Type {
	case OpConfirmReceive:
		var confirm ConfirmReceive
		if err := json.Unmarshal(op.Data, &confirm); err != nil {
			b.logger.Error("dropping malformed confirm_receive payload", "error", err)
			return
		}
		b.confirm = &confirm
	case OpCancelReceive:
		var cancel CancelReceive
		if len(op.Data) > 0 {
			if err := json.Unmarshal(op.Data, &cancel); err != nil {
				b.logger.Warn("cancel_receive payload malformed, cancelling active transfer", "error", err)
				cancel = CancelReceive{}
			}
		}
		b.cancelReceive = &cancel
	default:
		b.operations = append(b.operations, op)
	}
}

// PollOperation removes and returns the oldest queued operation.
func (b *Bus) PollOperation() (Operation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.operations) == 0 {
		return Operation{}, false
	}
	op := b.operations[0]
	b.operations = b.operations[1:]
	return op, true
}

// PostNotification enqueues a daemon event for the host.
func (b *Bus) PostNotification(note Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications = append(b.notifications, note)
}

// PollNotification removes and returns the oldest queued notification.
func (b *Bus) PollNotification() (Notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.notifications) == 0 {
		return Notification{}, false
	}
	note := b.notifications[0]
	b.notifications = b.notifications[1:]
	return note, true
}

// TakeConfirmReceive consumes the pending receive decision, if any.
func (b *Bus) TakeConfirmReceive() (ConfirmReceive, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.confirm == nil {
		return ConfirmReceive{}, false
	}
	confirm := *b.confirm
	b.confirm = nil
	return confirm, true
}

// TakeCancelReceive consumes the pending receive cancellation, if any.
func (b *Bus) TakeCancelReceive() (CancelReceive, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelReceive == nil {
		return CancelReceive{}, false
	}
	cancel := *b.cancelReceive
	b.cancelReceive = nil
	return cancel, true
}
