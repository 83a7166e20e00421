package transfer

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestMetadataRoundTripPreservesUnknownFields(t *testing.T) {
	raw := `{
		"transfer_id": 42,
		"file_name": "a.bin",
		"file_size": 10,
		"file_type": "other",
		"source_device_id": "device-a",
		"target_device_id": "device-b",
		"destination_filepath": "/tmp/a.bin",
		"chunk_size": 4,
		"total_chunks": 3,
		"chunks": [{"index":0,"completed":true},{"index":1,"completed":false},{"index":2,"completed":false}],
		"status": "in_progress",
		"created_at": "2026-01-02T03:04:05Z",
		"updated_at": "2026-01-02T03:04:05Z",
		"compression": {"algo": "zstd", "level": 3},
		"trace_id": "abc-123"
	}`

	var meta TransferMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if meta.TransferID != 42 {
		t.Fatalf("transfer id = %d, want 42", meta.TransferID)
	}
	if meta.Direction() != DirectionReceive {
		t.Fatalf("direction = %q, want %q", meta.Direction(), DirectionReceive)
	}
	if got := meta.CompletedChunks(); got != 1 {
		t.Fatalf("completed chunks = %d, want 1", got)
	}

	out, err := json.Marshal(&meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal merged output: %v", err)
	}
	for _, key := range []string{"transfer_id", "status", "chunks", "compression", "trace_id"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("key %q lost in round trip", key)
		}
	}
	if got := string(decoded["trace_id"]); got != `"abc-123"` {
		t.Fatalf("trace_id = %s, want %q", got, `"abc-123"`)
	}

	// A second round trip must keep carrying the foreign fields.
	var again TransferMetadata
	if err := json.Unmarshal(out, &again); err != nil {
		t.Fatalf("second unmarshal: %v", err)
	}
	out2, err := json.Marshal(&again)
	if err != nil {
		t.Fatalf("second marshal: %v", err)
	}
	var decoded2 map[string]json.RawMessage
	if err := json.Unmarshal(out2, &decoded2); err != nil {
		t.Fatalf("unmarshal second output: %v", err)
	}
	if _, ok := decoded2["compression"]; !ok {
		t.Fatal("compression lost on second round trip")
	}
}

func TestEmptyFileHasNoChunksAndIsComplete(t *testing.T) {
	chunks := NewChunkTable(0, 1<<20)
	if len(chunks) != 0 {
		t.Fatalf("chunk table length = %d, want 0", len(chunks))
	}

	meta := &TransferMetadata{
		FileSize:    0,
		ChunkSize:   1 << 20,
		TotalChunks: 0,
		Chunks:      chunks,
	}
	if !meta.AllChunksCompleted() {
		t.Fatal("empty file not reported complete")
	}
	if got := meta.Progress(); got != 1 {
		t.Fatalf("progress = %v, want 1", got)
	}
}

func TestMarkChunkCompleted(t *testing.T) {
	meta := &TransferMetadata{
		FileSize:    10,
		ChunkSize:   4,
		TotalChunks: 3,
		Chunks:      NewChunkTable(10, 4),
	}

	if err := meta.MarkChunkCompleted(0, "h0"); err != nil {
		t.Fatalf("mark chunk 0: %v", err)
	}
	if err := meta.MarkChunkCompleted(0, ""); err != nil {
		t.Fatalf("re-mark chunk 0: %v", err)
	}
	if got := meta.CompletedChunks(); got != 1 {
		t.Fatalf("completed chunks = %d, want 1", got)
	}
	if meta.Chunks[0].Hash != "h0" {
		t.Fatalf("chunk hash = %q, want %q", meta.Chunks[0].Hash, "h0")
	}

	if err := meta.MarkChunkCompleted(3, ""); err == nil {
		t.Fatal("expected error for out-of-range chunk index")
	}
}

func TestChunkMath(t *testing.T) {
	meta := &TransferMetadata{
		FileSize:    10,
		ChunkSize:   4,
		TotalChunks: 3,
		Chunks:      NewChunkTable(10, 4),
	}

	if got := meta.ChunkOffset(2); got != 8 {
		t.Fatalf("offset of chunk 2 = %d, want 8", got)
	}
	if got := meta.ChunkLength(0); got != 4 {
		t.Fatalf("length of chunk 0 = %d, want 4", got)
	}
	if got := meta.ChunkLength(2); got != 2 {
		t.Fatalf("length of final chunk = %d, want 2", got)
	}

	_ = meta.MarkChunkCompleted(0, "")
	_ = meta.MarkChunkCompleted(2, "")
	if got := meta.BytesCompleted(); got != 6 {
		t.Fatalf("bytes completed = %d, want 6", got)
	}
	if meta.AllChunksCompleted() {
		t.Fatal("transfer reported complete with chunk 1 outstanding")
	}
}

func TestSetStatusRefusesTerminalTransition(t *testing.T) {
	meta := &TransferMetadata{Status: StatusInProgress}

	if err := meta.SetStatus(StatusCompleted); err != nil {
		t.Fatalf("complete transfer: %v", err)
	}
	if err := meta.SetStatus(StatusInProgress); !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("err = %v, want ErrTerminalStatus", err)
	}
	if err := meta.SetStatus(StatusCompleted); err != nil {
		t.Fatalf("re-asserting terminal status: %v", err)
	}
	if meta.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", meta.Status, StatusCompleted)
	}
}
