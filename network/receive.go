package network

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"lansend/config"
	"lansend/events"
	"lansend/models"
	"lansend/security"
	"lansend/storage"
	"lansend/transfer"
)

// pollInterval is the cadence at which blocking waits re-check the bus.
const pollInterval = 100 * time.Millisecond

const sessionSecretBytes = 32

// ReceiveState is the lifecycle phase of an incoming session.
type ReceiveState string

const (
	ReceiveStateAwaitingConfirmation ReceiveState = "awaiting_confirmation"
	ReceiveStateReceiving            ReceiveState = "receiving"
	ReceiveStateDone                 ReceiveState = "done"
	ReceiveStateFailed               ReceiveState = "failed"
	ReceiveStateCancelled            ReceiveState = "cancelled"
	ReceiveStateRejected             ReceiveState = "rejected"
)

// Terminal reports whether the state permits no further chunks.
func (s ReceiveState) Terminal() bool {
	switch s {
	case ReceiveStateDone, ReceiveStateFailed, ReceiveStateCancelled, ReceiveStateRejected:
		return true
	default:
		return false
	}
}

// receiveFile is the in-flight state of one incoming file.
type receiveFile struct {
	transferID    uint64
	fileID        string
	meta          *transfer.TransferMetadata
	destPath      string
	partPath      string
	handle        *os.File
	expectedToken string
	meter         *progressMeter
	resumed       bool
	failed        bool
}

func (f *receiveFile) terminal() bool {
	return f.meta.Status.Terminal()
}

// ReceiveControllerOptions configures one incoming session.
type ReceiveControllerOptions struct {
	SessionID uint64
	Peer      models.DeviceInfo
	Local     models.DeviceInfo
	Offered   map[string]FileMetadataRequest

	AutoSave         bool
	SaveDir          string
	DefaultChunkSize int64
	AllocateID       func() uint64

	Metadata *transfer.Store
	Bus      *events.Bus
	Metrics  *Metrics
	History  *storage.Store
	Security *security.Store
	Logger   *slog.Logger
}

// ReceiveController drives one incoming session: confirmation, chunk intake,
// verification and finalization. At most one exists at a time.
type ReceiveController struct {
	sessionID uint64
	wireID    string
	secret    []byte
	peer      models.DeviceInfo
	local     models.DeviceInfo
	offered   map[string]FileMetadataRequest

	autoSave         bool
	saveDir          string
	defaultChunkSize int64
	allocateID       func() uint64

	metadata *transfer.Store
	bus      *events.Bus
	metrics  *Metrics
	history  *storage.Store
	security *security.Store
	logger   *slog.Logger

	mu        sync.Mutex
	state     ReceiveState
	files     map[string]*receiveFile
	started   bool
	cancelled bool
}

// NewReceiveController builds a controller in the awaiting-confirmation state.
func NewReceiveController(options ReceiveControllerOptions) (*ReceiveController, error) {
	if options.SessionID == 0 {
		return nil, errors.New("session id is required")
	}
	if len(options.Offered) == 0 {
		return nil, errors.New("at least one offered file is required")
	}
	if options.AllocateID == nil {
		return nil, errors.New("id allocator is required")
	}
	if options.SaveDir == "" {
		return nil, errors.New("save directory is required")
	}
	if options.Metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if options.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if options.DefaultChunkSize <= 0 {
		options.DefaultChunkSize = config.DefaultChunkSize
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &ReceiveController{
		sessionID:        options.SessionID,
		wireID:           strconv.FormatUint(options.SessionID, 10),
		peer:             options.Peer,
		local:            options.Local,
		offered:          options.Offered,
		autoSave:         options.AutoSave,
		saveDir:          options.SaveDir,
		defaultChunkSize: options.DefaultChunkSize,
		allocateID:       options.AllocateID,
		metadata:         options.Metadata,
		bus:              options.Bus,
		metrics:          options.Metrics,
		history:          options.History,
		security:         options.Security,
		logger:           options.Logger.With("session_id", options.SessionID),
		state:            ReceiveStateAwaitingConfirmation,
	}, nil
}

// SessionID returns the local numeric id of this session.
func (c *ReceiveController) SessionID() uint64 {
	return c.sessionID
}

// WireID returns the session id string exchanged with the peer.
func (c *ReceiveController) WireID() string {
	return c.wireID
}

// State returns the current session state.
func (c *ReceiveController) State() ReceiveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminal reports whether the session is over and a new one may start.
func (c *ReceiveController) Terminal() bool {
	return c.State().Terminal()
}

// Await blocks until the host confirms or declines the offer, the wait times
// out, or the requesting peer goes away. On acceptance it prepares the files
// and returns the response for the peer.
func (c *ReceiveController) Await(ctx context.Context) (*SendResponseBody, error) {
	if c.autoSave {
		return c.accept(nil)
	}

	prompt := events.TransferRequest{
		TransferID: c.sessionID,
		DeviceID:   c.peer.DeviceID,
		Alias:      c.peer.Alias,
		IP:         c.peer.IPAddress,
		Port:       c.peer.Port,
	}
	for _, fileID := range sortedFileIDs(c.offered) {
		offered := c.offered[fileID]
		prompt.Files = append(prompt.Files, events.OfferedFile{
			FileID:   fileID,
			FileName: offered.FileName,
			Size:     offered.Size,
			FileType: offered.FileType,
		})
	}
	postNote(c.bus, c.logger, events.NoteTransferRequest, prompt)

	deadline := time.Now().Add(ConfirmationTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if confirm, ok := c.bus.TakeConfirmReceive(); ok {
			if !confirm.Accepted {
				c.reject("declined by user")
				return nil, fmt.Errorf("%w: declined by user", ErrRejected)
			}
			return c.accept(confirm.AcceptedFileIDs)
		}
		if c.Terminal() {
			return nil, fmt.Errorf("%w: cancelled while awaiting confirmation", ErrRejected)
		}
		if time.Now().After(deadline) {
			c.reject("confirmation timed out")
			return nil, fmt.Errorf("%w: confirmation timed out", ErrRejected)
		}

		select {
		case <-ctx.Done():
			c.reject("peer gave up waiting")
			return nil, fmt.Errorf("%w: peer gave up waiting", ErrRejected)
		case <-ticker.C:
		}
	}
}

func (c *ReceiveController) reject(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.state = ReceiveStateRejected
	c.logger.Info("incoming transfer declined", "reason", reason)
}

// accept prepares every accepted file and moves the session to receiving.
// An empty id list accepts everything offered.
func (c *ReceiveController) accept(acceptedIDs []string) (*SendResponseBody, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ReceiveStateAwaitingConfirmation {
		return nil, ErrSessionClosed
	}

	wanted := make(map[string]bool, len(c.offered))
	if len(acceptedIDs) == 0 {
		for fileID := range c.offered {
			wanted[fileID] = true
		}
	} else {
		for _, fileID := range acceptedIDs {
			if _, ok := c.offered[fileID]; ok {
				wanted[fileID] = true
			}
		}
	}
	if len(wanted) == 0 {
		c.state = ReceiveStateRejected
		return nil, fmt.Errorf("%w: no files accepted", ErrRejected)
	}

	secret := make([]byte, sessionSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		c.state = ReceiveStateFailed
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	c.secret = secret

	if err := os.MkdirAll(c.saveDir, 0o755); err != nil {
		c.state = ReceiveStateFailed
		return nil, fmt.Errorf("create save directory: %w", err)
	}

	existing, err := c.metadata.List()
	if err != nil {
		c.logger.Warn("list transfer records for resume", "error", err)
	}

	response := &SendResponseBody{
		SessionID: c.wireID,
		Files:     make(map[string]string, len(wanted)),
	}
	c.files = make(map[string]*receiveFile, len(wanted))
	usedPaths := make(map[string]bool, len(wanted))

	for _, fileID := range sortedFileIDs(c.offered) {
		if !wanted[fileID] {
			continue
		}
		offered := c.offered[fileID]

		file, err := c.prepareFile(fileID, offered, existing, usedPaths)
		if err != nil {
			c.state = ReceiveStateFailed
			c.closeHandles()
			return nil, err
		}
		c.files[fileID] = file
		usedPaths[file.destPath] = true

		response.AcceptedFileIDs = append(response.AcceptedFileIDs, fileID)
		response.Files[fileID] = file.expectedToken
	}

	c.state = ReceiveStateReceiving
	c.started = true
	c.metrics.SessionStarted(string(transfer.DirectionReceive))
	c.logger.Info("incoming transfer accepted",
		"peer", c.peer.DeviceID,
		"files", len(c.files))

	// Empty files carry no chunks, so they finish right here.
	for _, fileID := range sortedFileIDs(c.offered) {
		file, ok := c.files[fileID]
		if !ok {
			continue
		}
		if file.meta.TotalChunks == 0 && !file.terminal() {
			c.finalizeFile(file)
		}
	}
	c.settleIfFinished()
	return response, nil
}

// prepareFile either resumes a matching interrupted transfer or starts a
// fresh record, and opens the partial file for writing.
func (c *ReceiveController) prepareFile(fileID string, offered FileMetadataRequest, existing []*transfer.TransferMetadata, usedPaths map[string]bool) (*receiveFile, error) {
	chunkSize := offered.ChunkSize
	if chunkSize <= 0 {
		chunkSize = c.defaultChunkSize
	}

	file := &receiveFile{fileID: fileID, meter: newProgressMeter()}

	if match := findResumable(existing, offered, chunkSize); match != nil && !usedPaths[match.DestinationFilepath] {
		file.meta = match
		file.resumed = true
		file.transferID = match.TransferID
		file.destPath = match.DestinationFilepath
		c.logger.Info("resuming interrupted transfer",
			"transfer_id", match.TransferID,
			"file", match.FileName,
			"chunks_done", match.CompletedChunks(),
			"chunks_total", match.TotalChunks)
	} else {
		fileName := sanitizeFileName(offered.FileName)
		now := time.Now().UTC()
		meta := &transfer.TransferMetadata{
			TransferID:          c.allocateID(),
			FileName:            fileName,
			FileSize:            offered.Size,
			FileHash:            offered.SHA256,
			FileType:            fileTypeFromWire(offered.FileType, fileName),
			SourceDeviceID:      c.peer.DeviceID,
			TargetDeviceID:      c.local.DeviceID,
			DestinationFilepath: c.resolveDestination(fileName, usedPaths),
			ChunkSize:           chunkSize,
			TotalChunks:         transfer.ChunkCount(offered.Size, chunkSize),
			Chunks:              transfer.NewChunkTable(offered.Size, chunkSize),
			Status:              transfer.StatusInProgress,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := c.metadata.Create(meta); err != nil {
			return nil, fmt.Errorf("create transfer record: %w", err)
		}
		file.meta = meta
		file.transferID = meta.TransferID
		file.destPath = meta.DestinationFilepath
	}

	file.partPath = file.destPath + ".part"
	flags := os.O_CREATE | os.O_WRONLY
	if !file.resumed {
		flags |= os.O_TRUNC
	}
	handle, err := os.OpenFile(file.partPath, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partial file %q: %w", file.partPath, err)
	}
	file.handle = handle

	token, err := UploadToken(c.secret, c.wireID, fileID)
	if err != nil {
		return nil, err
	}
	file.expectedToken = token
	return file, nil
}

// AcceptChunk validates and persists one uploaded chunk. Chunks already
// written acknowledge again without rewriting.
func (c *ReceiveController) AcceptChunk(fileID string, chunkIndex int, token string, chunk []byte) error {
	if cancel, ok := c.bus.TakeCancelReceive(); ok {
		c.logger.Debug("cancel requested during upload", "transfer_id", cancel.TransferID)
		c.Cancel(false)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ReceiveStateReceiving {
		return ErrSessionClosed
	}
	file, ok := c.files[fileID]
	if !ok {
		return fmt.Errorf("%w: unknown file id %q", ErrUnknownSession, fileID)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(file.expectedToken)) != 1 {
		return ErrInvalidToken
	}
	if file.terminal() {
		if file.failed {
			return ErrSessionClosed
		}
		return nil
	}
	if chunkIndex < 0 || chunkIndex >= file.meta.TotalChunks {
		return fmt.Errorf("%w: index %d out of range", ErrBadChunk, chunkIndex)
	}
	if expected := file.meta.ChunkLength(chunkIndex); int64(len(chunk)) != expected {
		return fmt.Errorf("%w: chunk %d carries %d bytes, want %d", ErrBadChunk, chunkIndex, len(chunk), expected)
	}
	if file.meta.Chunks[chunkIndex].Completed {
		return nil
	}

	if _, err := file.handle.WriteAt(chunk, file.meta.ChunkOffset(chunkIndex)); err != nil {
		writeErr := fmt.Errorf("write chunk %d: %w", chunkIndex, err)
		c.failFile(file, writeErr)
		c.settleIfFinished()
		return writeErr
	}

	if err := file.meta.MarkChunkCompleted(chunkIndex, ""); err != nil {
		return err
	}
	if err := c.metadata.Update(file.meta); err != nil {
		return fmt.Errorf("update transfer record: %w", err)
	}

	c.metrics.ChunkMoved(string(transfer.DirectionReceive), int64(len(chunk)))
	file.meter.add(int64(len(chunk)))
	postNote(c.bus, c.logger, events.NoteTransferProgress, events.TransferProgress{
		TransferID: file.transferID,
		Progress:   file.meta.Progress(),
		Speed:      file.meter.speed(),
		ETASeconds: file.meter.eta(file.meta.FileSize - file.meta.BytesCompleted()),
	})

	if file.meta.AllChunksCompleted() {
		c.finalizeFile(file)
		c.settleIfFinished()
	}
	return nil
}

// finalizeFile verifies the assembled file against the announced checksum
// and moves it to its destination. Caller holds the lock.
func (c *ReceiveController) finalizeFile(file *receiveFile) {
	if file.handle != nil {
		if err := file.handle.Close(); err != nil {
			c.failFile(file, fmt.Errorf("close partial file: %w", err))
			return
		}
		file.handle = nil
	}

	if file.meta.FileHash != "" {
		sum, err := transfer.FileChecksumHex(file.partPath)
		if err != nil {
			c.failFile(file, fmt.Errorf("checksum partial file: %w", err))
			return
		}
		if !strings.EqualFold(sum, file.meta.FileHash) {
			if err := os.Remove(file.partPath); err != nil {
				c.logger.Warn("remove corrupt partial file", "path", file.partPath, "error", err)
			}
			c.failFile(file, fmt.Errorf("checksum mismatch for %q", file.meta.FileName))
			return
		}
	}

	if err := os.Rename(file.partPath, file.destPath); err != nil {
		c.failFile(file, fmt.Errorf("move file into place: %w", err))
		return
	}

	if err := file.meta.SetStatus(transfer.StatusCompleted); err != nil {
		c.failFile(file, err)
		return
	}
	if err := c.metadata.Update(file.meta); err != nil {
		c.logger.Warn("update transfer record", "transfer_id", file.transferID, "error", err)
	}

	c.recordHistory(file, storage.HistoryStatusCompleted, "")
	c.metrics.TransferFinished(string(transfer.DirectionReceive), storage.HistoryStatusCompleted)
	postNote(c.bus, c.logger, events.NoteTransferCompleted, events.TransferCompleted{
		TransferID: file.transferID,
		FileName:   file.meta.FileName,
		Path:       file.destPath,
	})
	c.logger.Info("file received", "file", file.meta.FileName, "path", file.destPath)
}

// failFile marks one file failed. Caller holds the lock.
func (c *ReceiveController) failFile(file *receiveFile, cause error) {
	file.failed = true
	if file.handle != nil {
		_ = file.handle.Close()
		file.handle = nil
	}

	if err := file.meta.SetStatus(transfer.StatusFailed); err == nil {
		if err := c.metadata.Update(file.meta); err != nil {
			c.logger.Warn("update transfer record", "transfer_id", file.transferID, "error", err)
		}
	}
	c.recordHistory(file, storage.HistoryStatusFailed, cause.Error())
	c.metrics.TransferFinished(string(transfer.DirectionReceive), storage.HistoryStatusFailed)
	postNote(c.bus, c.logger, events.NoteTransferFailed, events.TransferFailed{
		TransferID: file.transferID,
		Error:      cause.Error(),
	})
	c.logger.Error("file receive failed", "file", file.meta.FileName, "error", cause)
}

// settleIfFinished closes the session once every file is terminal. Caller
// holds the lock.
func (c *ReceiveController) settleIfFinished() {
	if c.state != ReceiveStateReceiving {
		return
	}
	failed := false
	for _, file := range c.files {
		if !file.terminal() {
			return
		}
		if file.failed {
			failed = true
		}
	}

	if failed {
		c.state = ReceiveStateFailed
	} else {
		c.state = ReceiveStateDone
	}
	c.endSession()
	c.logger.Info("receive session finished", "state", string(c.state))
}

// Cancel tears the session down. Local cancels stay silent toward the host;
// a cancel delivered by the peer raises a notification. A second cancel is a
// no-op.
func (c *ReceiveController) Cancel(byRemote bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	if c.cancelled {
		return
	}
	c.cancelled = true
	wasReceiving := c.state == ReceiveStateReceiving
	c.state = ReceiveStateCancelled

	for _, file := range c.files {
		if file.terminal() {
			continue
		}
		if file.handle != nil {
			_ = file.handle.Close()
			file.handle = nil
		}
		if err := c.metadata.Delete(file.transferID); err != nil && !errors.Is(err, transfer.ErrNotFound) {
			c.logger.Warn("delete cancelled transfer record", "transfer_id", file.transferID, "error", err)
		}
		if err := os.Remove(file.partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("remove partial file", "path", file.partPath, "error", err)
		}
		c.recordHistory(file, storage.HistoryStatusCancelled, "")
		c.metrics.TransferFinished(string(transfer.DirectionReceive), storage.HistoryStatusCancelled)
	}

	if byRemote {
		postNote(c.bus, c.logger, events.NoteReceivingCancelledBySender, events.TransferRef{TransferID: c.sessionID})
	} else if wasReceiving {
		go c.notifyPeerOfCancel()
	}
	c.endSession()
	c.logger.Info("receive session cancelled", "by_remote", byRemote)
}

// notifyPeerOfCancel posts a best-effort cancel back to the sending peer.
// The dial runs through the usual trust policy, so it can fail for peers we
// would not accept connections from.
func (c *ReceiveController) notifyPeerOfCancel() {
	client, err := NewClient(ClientOptions{
		Security:  c.security,
		IP:        c.peer.IPAddress,
		Port:      c.peer.Port,
		PlainHTTP: !c.peer.UsesHTTPS,
	})
	if err != nil {
		c.logger.Debug("build cancel client", "error", err)
		return
	}
	if err := client.Cancel(context.Background(), c.wireID); err != nil {
		c.logger.Debug("notify peer of cancel", "error", err)
	}
}

// endSession releases the active-session gauge exactly once. Caller holds
// the lock.
func (c *ReceiveController) endSession() {
	if !c.started {
		return
	}
	c.started = false
	c.metrics.SessionEnded(string(transfer.DirectionReceive))
}

func (c *ReceiveController) closeHandles() {
	for _, file := range c.files {
		if file.handle != nil {
			_ = file.handle.Close()
			file.handle = nil
		}
	}
}

// resolveDestination picks a collision-free path under the save directory.
func (c *ReceiveController) resolveDestination(fileName string, usedPaths map[string]bool) string {
	candidate := filepath.Join(c.saveDir, fileName)
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)

	for n := 1; usedPaths[candidate] || pathTaken(candidate); n++ {
		candidate = filepath.Join(c.saveDir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return candidate
}

func (c *ReceiveController) recordHistory(file *receiveFile, status, errText string) {
	if c.history == nil {
		return
	}

	record := storage.TransferRecord{
		TransferID:   file.transferID,
		Direction:    storage.DirectionReceive,
		PeerDeviceID: c.peer.DeviceID,
		FileName:     file.meta.FileName,
		FileSize:     file.meta.FileSize,
		FileHash:     file.meta.FileHash,
		FileType:     string(file.meta.FileType),
		Status:       status,
		Error:        errText,
		StartedAt:    file.meta.CreatedAt.UnixMilli(),
		FinishedAt:   time.Now().UnixMilli(),
	}
	if err := c.history.RecordTransfer(record); err != nil {
		c.logger.Warn("record transfer history", "transfer_id", file.transferID, "error", err)
	}
}

// findResumable matches an offered file against interrupted incoming
// transfers. Identity requires the same name, size, hash and chunk size.
func findResumable(existing []*transfer.TransferMetadata, offered FileMetadataRequest, chunkSize int64) *transfer.TransferMetadata {
	for _, meta := range existing {
		if meta.Status != transfer.StatusInProgress {
			continue
		}
		if meta.Direction() != transfer.DirectionReceive || meta.DestinationFilepath == "" {
			continue
		}
		if meta.FileName != sanitizeFileName(offered.FileName) || meta.FileSize != offered.Size {
			continue
		}
		if offered.SHA256 == "" || !strings.EqualFold(meta.FileHash, offered.SHA256) {
			continue
		}
		if meta.ChunkSize != chunkSize {
			continue
		}
		return meta
	}
	return nil
}

// sanitizeFileName strips any directory components a peer may have smuggled
// into the announced name.
func sanitizeFileName(name string) string {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "file"
	}
	return base
}

func fileTypeFromWire(wire, fileName string) transfer.FileType {
	switch ft := transfer.FileType(wire); ft {
	case transfer.FileTypeImage, transfer.FileTypeVideo, transfer.FileTypeDocument,
		transfer.FileTypeArchive, transfer.FileTypeOther:
		return ft
	default:
		return transfer.ClassifyPath(fileName)
	}
}

func pathTaken(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if _, err := os.Stat(path + ".part"); err == nil {
		return true
	}
	return false
}

func sortedFileIDs(files map[string]FileMetadataRequest) []string {
	ids := make([]string, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
