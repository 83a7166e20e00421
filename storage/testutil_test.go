package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertPin(t *testing.T, store *Store, endpoint, fingerprint string) {
	t.Helper()

	err := store.UpsertPinnedPeer(PinnedPeer{
		Endpoint:    endpoint,
		Fingerprint: fingerprint,
		DeviceID:    "device-" + endpoint,
		Alias:       "Peer " + endpoint,
		PinnedAt:    nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("upsert pin %q: %v", endpoint, err)
	}
}
