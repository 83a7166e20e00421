package security

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

// eventRecorder collects trust events; the verify callbacks run on
// handshake goroutines, so recording is locked.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

func newTestStore(t *testing.T, allowUnregistered bool, recorder *eventRecorder) *Store {
	t.Helper()

	identity, err := generateSecurityContext()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	options := StoreOptions{
		Identity:          identity,
		AllowUnregistered: allowUnregistered,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if recorder != nil {
		options.OnEvent = recorder.record
	}

	store, err := NewStore(options)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestNewStoreRequiresIdentity(t *testing.T) {
	if _, err := NewStore(StoreOptions{}); err == nil {
		t.Fatal("expected error for missing identity")
	}
}

func TestPinReportsReplacementOnlyOnChange(t *testing.T) {
	recorder := &eventRecorder{}
	store := newTestStore(t, true, recorder)

	fpA := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	fpB := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	if replaced := store.Pin("192.168.1.7", 53317, fpA); replaced {
		t.Fatal("first pin reported as replacement")
	}
	if replaced := store.Pin("192.168.1.7", 53317, fpA); replaced {
		t.Fatal("re-pinning the same fingerprint reported as replacement")
	}
	if replaced := store.Pin("192.168.1.7", 53317, fpB); !replaced {
		t.Fatal("pinning a different fingerprint not reported as replacement")
	}

	got := recorder.types()
	if len(got) != 1 || got[0] != EventPinOverwritten {
		t.Fatalf("events = %v, want [%s]", got, EventPinOverwritten)
	}

	expected, ok := store.ExpectedFingerprint("192.168.1.7", 53317)
	if !ok || expected != fpB {
		t.Fatalf("ExpectedFingerprint = %q, %v, want %q, true", expected, ok, fpB)
	}
}

func TestPinNormalizesFingerprintCase(t *testing.T) {
	store := newTestStore(t, true, nil)

	store.Pin("10.0.0.2", 53317, "  ABCDEF0123  ")

	expected, ok := store.ExpectedFingerprint("10.0.0.2", 53317)
	if !ok {
		t.Fatal("pin not found")
	}
	if expected != "abcdef0123" {
		t.Fatalf("stored fingerprint = %q, want %q", expected, "abcdef0123")
	}
}

func TestUnpinRemovesEntry(t *testing.T) {
	store := newTestStore(t, true, nil)

	store.Pin("10.0.0.2", 53317, "abcd")
	store.Unpin("10.0.0.2", 53317)

	if _, ok := store.ExpectedFingerprint("10.0.0.2", 53317); ok {
		t.Fatal("pin still present after Unpin")
	}

	// Removing an absent pin is a no-op.
	store.Unpin("10.0.0.2", 53317)
}

func TestPinnedPeersReturnsSnapshot(t *testing.T) {
	store := newTestStore(t, true, nil)
	store.Pin("10.0.0.2", 53317, "abcd")

	snapshot := store.PinnedPeers()
	snapshot["10.0.0.9:53317"] = "ffff"

	if _, ok := store.ExpectedFingerprint("10.0.0.9", 53317); ok {
		t.Fatal("mutating the snapshot leaked into the store")
	}
	if len(store.PinnedPeers()) != 1 {
		t.Fatalf("pinned peers = %d, want 1", len(store.PinnedPeers()))
	}
}

func TestSetAllowUnregistered(t *testing.T) {
	store := newTestStore(t, false, nil)

	if store.AllowUnregistered() {
		t.Fatal("policy open, want closed")
	}
	store.SetAllowUnregistered(true)
	if !store.AllowUnregistered() {
		t.Fatal("policy closed after SetAllowUnregistered(true)")
	}
}
