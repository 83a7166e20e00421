package storage

import "testing"

func testRecord(id uint64, status string, finishedAt int64) TransferRecord {
	return TransferRecord{
		TransferID:   id,
		Direction:    DirectionSend,
		PeerDeviceID: "peer-1",
		FileName:     "report.pdf",
		FileSize:     2048,
		FileHash:     "abcd",
		FileType:     "document",
		Status:       status,
		FinishedAt:   finishedAt,
	}
}

func TestRecordTransferAndList(t *testing.T) {
	store := newTestStore(t)

	if err := store.RecordTransfer(testRecord(1, HistoryStatusCompleted, 100)); err != nil {
		t.Fatalf("record transfer 1: %v", err)
	}
	if err := store.RecordTransfer(testRecord(2, HistoryStatusFailed, 200)); err != nil {
		t.Fatalf("record transfer 2: %v", err)
	}

	records, err := store.ListTransferHistory(10)
	if err != nil {
		t.Fatalf("ListTransferHistory: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].TransferID != 2 || records[1].TransferID != 1 {
		t.Fatalf("order = %d, %d, want newest first", records[0].TransferID, records[1].TransferID)
	}
	if records[0].Status != HistoryStatusFailed {
		t.Fatalf("status = %q, want %q", records[0].Status, HistoryStatusFailed)
	}
}

func TestRecordTransferValidatesInput(t *testing.T) {
	store := newTestStore(t)

	bad := testRecord(1, HistoryStatusCompleted, 100)
	bad.Direction = "sideways"
	if err := store.RecordTransfer(bad); err == nil {
		t.Fatal("expected error for invalid direction")
	}

	bad = testRecord(1, "in_progress", 100)
	if err := store.RecordTransfer(bad); err == nil {
		t.Fatal("expected error for non-terminal status")
	}

	bad = testRecord(0, HistoryStatusCompleted, 100)
	if err := store.RecordTransfer(bad); err == nil {
		t.Fatal("expected error for zero transfer id")
	}

	bad = testRecord(1, HistoryStatusCompleted, 100)
	bad.FileName = " "
	if err := store.RecordTransfer(bad); err == nil {
		t.Fatal("expected error for blank file name")
	}
}

func TestListTransferHistoryByPeer(t *testing.T) {
	store := newTestStore(t)

	first := testRecord(1, HistoryStatusCompleted, 100)
	if err := store.RecordTransfer(first); err != nil {
		t.Fatalf("record transfer 1: %v", err)
	}

	other := testRecord(2, HistoryStatusCancelled, 200)
	other.PeerDeviceID = "peer-2"
	if err := store.RecordTransfer(other); err != nil {
		t.Fatalf("record transfer 2: %v", err)
	}

	records, err := store.ListTransferHistoryByPeer("peer-1", 10)
	if err != nil {
		t.Fatalf("ListTransferHistoryByPeer: %v", err)
	}
	if len(records) != 1 || records[0].TransferID != 1 {
		t.Fatalf("records = %+v, want only transfer 1", records)
	}
}
