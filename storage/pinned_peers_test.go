package storage

import (
	"errors"
	"testing"
)

func TestUpsertPinnedPeerInsertsAndOverwrites(t *testing.T) {
	store := newTestStore(t)

	mustUpsertPin(t, store, "10.0.0.2:53317", "aaaa")

	peer, err := store.GetPinnedPeer("10.0.0.2:53317")
	if err != nil {
		t.Fatalf("GetPinnedPeer: %v", err)
	}
	if peer.Fingerprint != "aaaa" {
		t.Fatalf("fingerprint = %q, want %q", peer.Fingerprint, "aaaa")
	}
	firstPinnedAt := peer.PinnedAt

	lastSeen := nowUnixMilli()
	err = store.UpsertPinnedPeer(PinnedPeer{
		Endpoint:    "10.0.0.2:53317",
		Fingerprint: "bbbb",
		DeviceID:    "device-2",
		Alias:       "Replaced",
		LastSeenAt:  &lastSeen,
	})
	if err != nil {
		t.Fatalf("upsert replacement: %v", err)
	}

	peer, err = store.GetPinnedPeer("10.0.0.2:53317")
	if err != nil {
		t.Fatalf("GetPinnedPeer after replace: %v", err)
	}
	if peer.Fingerprint != "bbbb" || peer.Alias != "Replaced" {
		t.Fatalf("peer = %+v, want replaced fingerprint and alias", peer)
	}
	if peer.PinnedAt != firstPinnedAt {
		t.Fatalf("pinned_at changed on replace: %d then %d", firstPinnedAt, peer.PinnedAt)
	}
	if peer.LastSeenAt == nil || *peer.LastSeenAt != lastSeen {
		t.Fatalf("last_seen_at = %v, want %d", peer.LastSeenAt, lastSeen)
	}
}

func TestUpsertPinnedPeerValidatesInput(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertPinnedPeer(PinnedPeer{Fingerprint: "aa"}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
	if err := store.UpsertPinnedPeer(PinnedPeer{Endpoint: "10.0.0.2:1"}); err == nil {
		t.Fatal("expected error for missing fingerprint")
	}
}

func TestGetPinnedPeerMissingReturnsErrNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetPinnedPeer("10.9.9.9:53317"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListPinnedPeersSortsByEndpoint(t *testing.T) {
	store := newTestStore(t)

	mustUpsertPin(t, store, "10.0.0.9:53317", "cc")
	mustUpsertPin(t, store, "10.0.0.1:53317", "aa")

	peers, err := store.ListPinnedPeers()
	if err != nil {
		t.Fatalf("ListPinnedPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(peers))
	}
	if peers[0].Endpoint != "10.0.0.1:53317" || peers[1].Endpoint != "10.0.0.9:53317" {
		t.Fatalf("order = %q, %q, want sorted by endpoint", peers[0].Endpoint, peers[1].Endpoint)
	}
}

func TestRemovePinnedPeer(t *testing.T) {
	store := newTestStore(t)

	mustUpsertPin(t, store, "10.0.0.2:53317", "aaaa")

	if err := store.RemovePinnedPeer("10.0.0.2:53317"); err != nil {
		t.Fatalf("RemovePinnedPeer: %v", err)
	}
	if err := store.RemovePinnedPeer("10.0.0.2:53317"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for absent pin", err)
	}
}

func TestTouchPinnedPeerUpdatesLastSeen(t *testing.T) {
	store := newTestStore(t)

	mustUpsertPin(t, store, "10.0.0.2:53317", "aaaa")

	if err := store.TouchPinnedPeer("10.0.0.2:53317", 12345); err != nil {
		t.Fatalf("TouchPinnedPeer: %v", err)
	}

	peer, err := store.GetPinnedPeer("10.0.0.2:53317")
	if err != nil {
		t.Fatalf("GetPinnedPeer: %v", err)
	}
	if peer.LastSeenAt == nil || *peer.LastSeenAt != 12345 {
		t.Fatalf("last_seen_at = %v, want 12345", peer.LastSeenAt)
	}

	if err := store.TouchPinnedPeer("10.9.9.9:53317", 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for absent pin", err)
	}
}
