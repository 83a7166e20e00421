package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ErrNotFound is returned when no metadata record exists for a transfer id.
var ErrNotFound = errors.New("transfer metadata not found")

const metadataExt = ".meta"

// Store persists one JSON document per transfer under a private directory.
// Writes are serialized and atomic (temp file + rename), so a crash leaves
// either the previous or the new record, never a torn one.
type Store struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Dir is the metadata directory. Required; created if absent.
	Dir string
	// Logger reports skipped records during List; nil falls back to slog.Default.
	Logger *slog.Logger
}

// NewStore creates the metadata directory if needed and returns a Store.
func NewStore(options StoreOptions) (*Store, error) {
	if options.Dir == "" {
		return nil, errors.New("transfer: metadata directory is required")
	}
	if err := os.MkdirAll(options.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: options.Dir, logger: logger}, nil
}

func (s *Store) path(id uint64) string {
	return filepath.Join(s.dir, strconv.FormatUint(id, 10)+metadataExt)
}

// Create persists a new record and fails if one already exists for the id.
func (s *Store) Create(meta *TransferMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(meta.TransferID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("transfer metadata %d already exists", meta.TransferID)
	}
	return s.write(path, meta)
}

// Update overwrites the record for meta's transfer id.
func (s *Store) Update(meta *TransferMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(s.path(meta.TransferID), meta)
}

func (s *Store) write(path string, meta *TransferMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transfer metadata: %w", err)
	}
	data = append(data, '\n')

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("write transfer metadata: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("finalize transfer metadata: %w", err)
	}
	return nil
}

// Load reads one record. Absent records return ErrNotFound.
func (s *Store) Load(id uint64) (*TransferMetadata, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read transfer metadata %d: %w", id, err)
	}

	var meta TransferMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode transfer metadata %d: %w", id, err)
	}
	return &meta, nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete transfer metadata %d: %w", id, err)
	}
	return nil
}

// List returns every readable record ordered by transfer id. Corrupt or
// foreign files in the directory are skipped with a warning.
func (s *Store) List() ([]*TransferMetadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read metadata directory: %w", err)
	}

	out := make([]*TransferMetadata, 0, len(entries))
	for _, entry := range entries {
		id, ok := transferIDFromName(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}

		meta, err := s.Load(id)
		if err != nil {
			s.logger.Warn("skipping unreadable transfer metadata", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out, nil
}

// MaxID returns the highest transfer id present on disk, zero when none.
// Id counters are seeded above it so restarts never collide with retained
// records.
func (s *Store) MaxID() (uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read metadata directory: %w", err)
	}

	var max uint64
	for _, entry := range entries {
		if id, ok := transferIDFromName(entry.Name()); ok && id > max {
			max = id
		}
	}
	return max, nil
}

func transferIDFromName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, metadataExt) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSuffix(name, metadataExt), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
