// Package transfer holds the durable state of chunked file transfers: the
// per-transfer metadata document, its on-disk store, and the chunk and
// checksum math shared by both directions.
package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusPending              Status = "pending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusInProgress           Status = "in_progress"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
)

// Terminal reports whether the status permits no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Direction of a transfer relative to this process.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// ErrTerminalStatus is returned when a status change is attempted on a
// record already in a terminal state.
var ErrTerminalStatus = errors.New("transfer status is terminal")

// ChunkInfo tracks one chunk of a transfer. Completed bits never clear.
type ChunkInfo struct {
	Index     int    `json:"index"`
	Hash      string `json:"hash,omitempty"`
	Completed bool   `json:"completed"`
}

// TransferMetadata is the persisted record of one transfer. Exactly one of
// LocalFilepath (sender side) and DestinationFilepath (receiver side) is set.
// Fields written by newer builds survive a load+save round trip.
type TransferMetadata struct {
	TransferID          uint64      `json:"transfer_id"`
	FileName            string      `json:"file_name"`
	FileSize            int64       `json:"file_size"`
	FileHash            string      `json:"file_hash,omitempty"`
	FileType            FileType    `json:"file_type"`
	SourceDeviceID      string      `json:"source_device_id"`
	TargetDeviceID      string      `json:"target_device_id"`
	LocalFilepath       string      `json:"local_filepath,omitempty"`
	DestinationFilepath string      `json:"destination_filepath,omitempty"`
	ChunkSize           int64       `json:"chunk_size"`
	TotalChunks         int         `json:"total_chunks"`
	Chunks              []ChunkInfo `json:"chunks"`
	Status              Status      `json:"status"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`

	extra map[string]json.RawMessage
}

// metadataAlias carries the struct tags without the custom JSON methods.
type metadataAlias TransferMetadata

var knownMetadataKeys = []string{
	"transfer_id", "file_name", "file_size", "file_hash", "file_type",
	"source_device_id", "target_device_id", "local_filepath",
	"destination_filepath", "chunk_size", "total_chunks", "chunks",
	"status", "created_at", "updated_at",
}

// MarshalJSON emits the known fields merged with any unknown fields captured
// at load time. Known fields win on key collision.
func (m TransferMetadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.extra {
		if _, exists := merged[key]; !exists {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and retains everything else.
func (m *TransferMetadata) UnmarshalJSON(data []byte) error {
	var alias metadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range knownMetadataKeys {
		delete(raw, key)
	}
	if len(raw) == 0 {
		raw = nil
	}

	*m = TransferMetadata(alias)
	m.extra = raw
	return nil
}

// NewChunkTable pre-sizes the chunk list for a file. Empty files have no
// chunks and count as complete as soon as the destination exists.
func NewChunkTable(fileSize, chunkSize int64) []ChunkInfo {
	chunks := make([]ChunkInfo, ChunkCount(fileSize, chunkSize))
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

// Direction reports which side of the transfer this record describes.
func (m *TransferMetadata) Direction() Direction {
	if m.DestinationFilepath != "" {
		return DirectionReceive
	}
	return DirectionSend
}

// SetStatus transitions the record's status and touches UpdatedAt. Changing
// a terminal status is refused; re-asserting the same one is a no-op.
func (m *TransferMetadata) SetStatus(status Status) error {
	if m.Status.Terminal() && status != m.Status {
		return fmt.Errorf("transition %s to %s: %w", m.Status, status, ErrTerminalStatus)
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkChunkCompleted records the completion of one chunk. Re-marking a
// completed chunk only refreshes its hash.
func (m *TransferMetadata) MarkChunkCompleted(index int, hash string) error {
	if index < 0 || index >= len(m.Chunks) {
		return fmt.Errorf("chunk index %d out of range [0,%d)", index, len(m.Chunks))
	}

	m.Chunks[index].Completed = true
	if hash != "" {
		m.Chunks[index].Hash = hash
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// CompletedChunks counts the chunks marked complete.
func (m *TransferMetadata) CompletedChunks() int {
	count := 0
	for _, chunk := range m.Chunks {
		if chunk.Completed {
			count++
		}
	}
	return count
}

// AllChunksCompleted reports whether nothing remains to move. True for empty
// files, whose chunk table is empty.
func (m *TransferMetadata) AllChunksCompleted() bool {
	return m.CompletedChunks() == len(m.Chunks)
}

// ChunkOffset returns the byte offset of a chunk within the file.
func (m *TransferMetadata) ChunkOffset(index int) int64 {
	return int64(index) * m.ChunkSize
}

// ChunkLength returns the byte length of a chunk. The final chunk carries
// the remainder.
func (m *TransferMetadata) ChunkLength(index int) int64 {
	if index < 0 || index >= m.TotalChunks {
		return 0
	}
	if index == m.TotalChunks-1 {
		return m.FileSize - int64(m.TotalChunks-1)*m.ChunkSize
	}
	return m.ChunkSize
}

// BytesCompleted sums the lengths of completed chunks.
func (m *TransferMetadata) BytesCompleted() int64 {
	var total int64
	for _, chunk := range m.Chunks {
		if chunk.Completed {
			total += m.ChunkLength(chunk.Index)
		}
	}
	return total
}

// Progress returns completion in [0,1]. Empty files are already complete.
func (m *TransferMetadata) Progress() float64 {
	if m.FileSize <= 0 {
		return 1
	}
	return float64(m.BytesCompleted()) / float64(m.FileSize)
}
