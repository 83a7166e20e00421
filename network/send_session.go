package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lansend/events"
	"lansend/models"
	"lansend/storage"
	"lansend/transfer"
)

// SessionState is the lifecycle phase of an outgoing session.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateRequesting SessionState = "requesting"
	StateUploading  SessionState = "uploading"
	StateFinishing  SessionState = "finishing"
	StateDone       SessionState = "done"
	StateRejected   SessionState = "rejected"
	StateCancelled  SessionState = "cancelled"
	StateFailed     SessionState = "failed"
)

var errSessionCancelled = errors.New("network: session cancelled")

// PlannedFile pairs a pre-allocated transfer id with a source path.
type PlannedFile struct {
	TransferID uint64
	Path       string
}

// sendFile is the in-flight state of one file within a session.
type sendFile struct {
	transferID uint64
	fileID     string
	path       string
	meta       *transfer.TransferMetadata
	token      string
}

// SendSessionOptions configures an outgoing session.
type SendSessionOptions struct {
	Target    models.DeviceInfo
	Local     models.DeviceInfo
	Files     []PlannedFile
	ChunkSize int64

	Client   *Client
	Metadata *transfer.Store
	Bus      *events.Bus
	Metrics  *Metrics
	History  *storage.Store
	Logger   *slog.Logger
}

// SendSession drives one outgoing transfer of one or more files to a single
// peer: hash, offer, await confirmation, upload, finalize.
type SendSession struct {
	target    models.DeviceInfo
	local     models.DeviceInfo
	files     []*sendFile
	chunkSize int64

	client   *Client
	metadata *transfer.Store
	bus      *events.Bus
	metrics  *Metrics
	history  *storage.Store
	logger   *slog.Logger

	stateMutex      sync.Mutex
	state           SessionState
	requestCancel   context.CancelFunc
	remoteSessionID string

	cancelled       atomic.Bool
	cancelledRemote atomic.Bool
}

// NewSendSession builds a session ready to Run.
func NewSendSession(options SendSessionOptions) (*SendSession, error) {
	if options.Client == nil {
		return nil, errors.New("client is required")
	}
	if options.Metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if options.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if len(options.Files) == 0 {
		return nil, errors.New("at least one file is required")
	}
	if options.ChunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", options.ChunkSize)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	files := make([]*sendFile, 0, len(options.Files))
	for _, planned := range options.Files {
		files = append(files, &sendFile{
			transferID: planned.TransferID,
			fileID:     uuid.NewString(),
			path:       planned.Path,
		})
	}

	return &SendSession{
		target:    options.Target,
		local:     options.Local,
		files:     files,
		chunkSize: options.ChunkSize,
		client:    options.Client,
		metadata:  options.Metadata,
		bus:       options.Bus,
		metrics:   options.Metrics,
		history:   options.History,
		logger:    options.Logger.With("peer", options.Target.DeviceID),
		state:     StateIdle,
	}, nil
}

// TransferIDs lists the per-file transfer ids owned by this session.
func (s *SendSession) TransferIDs() []uint64 {
	ids := make([]uint64, 0, len(s.files))
	for _, f := range s.files {
		ids = append(ids, f.transferID)
	}
	return ids
}

// State returns the current session state.
func (s *SendSession) State() SessionState {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	return s.state
}

// RemoteSessionID returns the wire session id assigned by the receiver, or
// empty before the offer is accepted.
func (s *SendSession) RemoteSessionID() string {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()
	return s.remoteSessionID
}

// Cancel aborts the session at whatever phase it is in. A chunk already on
// the wire is allowed to finish.
func (s *SendSession) Cancel() {
	s.cancelled.Store(true)
	s.abortPendingRequest()
}

// CancelWait aborts only the confirmation wait. Outside the requesting phase
// it does nothing.
func (s *SendSession) CancelWait() {
	s.stateMutex.Lock()
	requesting := s.state == StateRequesting
	s.stateMutex.Unlock()
	if !requesting {
		return
	}

	s.cancelled.Store(true)
	s.abortPendingRequest()
}

// CancelByReceiver handles a cancel delivered by the peer over the wire.
func (s *SendSession) CancelByReceiver() {
	s.cancelledRemote.Store(true)
	s.cancelled.Store(true)
	s.abortPendingRequest()
}

func (s *SendSession) abortPendingRequest() {
	s.stateMutex.Lock()
	cancel := s.requestCancel
	s.stateMutex.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *SendSession) setState(state SessionState) {
	s.stateMutex.Lock()
	s.state = state
	s.stateMutex.Unlock()
}

// Run executes the session to a terminal state. It blocks until done and is
// meant to be called on its own goroutine.
func (s *SendSession) Run(ctx context.Context) {
	s.metrics.SessionStarted(string(transfer.DirectionSend))
	defer s.metrics.SessionEnded(string(transfer.DirectionSend))

	s.setState(StateRequesting)
	if err := s.prepare(ctx); err != nil {
		if s.cancelled.Load() {
			s.finalizeCancelled()
			return
		}
		s.finalizeFailed(err)
		return
	}

	accepted, err := s.request(ctx)
	if err != nil {
		switch {
		case s.cancelled.Load():
			s.finalizeCancelled()
		case errors.Is(err, ErrRejected):
			s.finalizeRejected()
		default:
			s.finalizeFailed(err)
		}
		return
	}

	s.setState(StateUploading)
	err = s.upload(ctx, accepted)
	switch {
	case err == nil:
		s.setState(StateFinishing)
		s.logger.Info("send session finished",
			"files", len(accepted),
			"session_id", s.RemoteSessionID())
		s.setState(StateDone)
	case s.cancelled.Load() || errors.Is(err, errSessionCancelled):
		s.finalizeCancelled()
	default:
		s.finalizeFailed(err)
	}
}

// prepare hashes the source files and creates their durable records.
func (s *SendSession) prepare(ctx context.Context) error {
	paths := make([]string, 0, len(s.files))
	for _, f := range s.files {
		paths = append(paths, f.path)
	}

	sums, err := transfer.HashFiles(ctx, paths)
	if err != nil {
		return fmt.Errorf("hash files: %w", err)
	}

	for _, f := range s.files {
		info, err := os.Stat(f.path)
		if err != nil {
			return fmt.Errorf("stat %q: %w", f.path, err)
		}
		if !info.Mode().IsRegular() {
			return fmt.Errorf("not a regular file: %q", f.path)
		}

		now := time.Now().UTC()
		meta := &transfer.TransferMetadata{
			TransferID:     f.transferID,
			FileName:       filepath.Base(f.path),
			FileSize:       info.Size(),
			FileHash:       sums[f.path],
			FileType:       transfer.ClassifyPath(f.path),
			SourceDeviceID: s.local.DeviceID,
			TargetDeviceID: s.target.DeviceID,
			LocalFilepath:  f.path,
			ChunkSize:      s.chunkSize,
			TotalChunks:    transfer.ChunkCount(info.Size(), s.chunkSize),
			Chunks:         transfer.NewChunkTable(info.Size(), s.chunkSize),
			Status:         transfer.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.metadata.Create(meta); err != nil {
			return fmt.Errorf("create transfer record: %w", err)
		}
		f.meta = meta

		if err := meta.SetStatus(transfer.StatusAwaitingConfirmation); err != nil {
			return err
		}
		if err := s.metadata.Update(meta); err != nil {
			return fmt.Errorf("update transfer record: %w", err)
		}
	}
	return nil
}

// request posts the offer and blocks until the peer decides or the wait is
// cancelled. It returns the accepted subset of files.
func (s *SendSession) request(ctx context.Context) ([]*sendFile, error) {
	body := SendRequestBody{
		Info:  s.local,
		Files: make(map[string]FileMetadataRequest, len(s.files)),
	}
	for _, f := range s.files {
		body.Files[f.fileID] = FileMetadataRequest{
			ID:        f.fileID,
			FileName:  f.meta.FileName,
			Size:      f.meta.FileSize,
			FileType:  string(f.meta.FileType),
			SHA256:    f.meta.FileHash,
			ChunkSize: f.meta.ChunkSize,
		}
	}

	requestCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.stateMutex.Lock()
	s.requestCancel = cancel
	s.stateMutex.Unlock()

	response, err := s.client.SendRequest(requestCtx, body)

	s.stateMutex.Lock()
	s.requestCancel = nil
	s.stateMutex.Unlock()

	if err != nil {
		return nil, err
	}
	if len(response.Files) == 0 {
		return nil, ErrRejected
	}

	s.stateMutex.Lock()
	s.remoteSessionID = response.SessionID
	s.stateMutex.Unlock()

	accepted := make([]*sendFile, 0, len(s.files))
	for _, f := range s.files {
		token, ok := response.Files[f.fileID]
		if !ok {
			s.dropDeclinedFile(f)
			continue
		}
		f.token = token

		if err := f.meta.SetStatus(transfer.StatusInProgress); err != nil {
			return nil, err
		}
		if err := s.metadata.Update(f.meta); err != nil {
			return nil, fmt.Errorf("update transfer record: %w", err)
		}
		postNote(s.bus, s.logger, events.NoteRecipientAccepted, events.TransferRef{TransferID: f.transferID})
		accepted = append(accepted, f)
	}
	return accepted, nil
}

// dropDeclinedFile removes the record of a file the peer left out of its
// accepted set.
func (s *SendSession) dropDeclinedFile(f *sendFile) {
	if err := s.metadata.Delete(f.transferID); err != nil {
		s.logger.Warn("delete declined transfer record", "transfer_id", f.transferID, "error", err)
	}
	s.recordHistory(f, storage.HistoryStatusRejected, "")
	s.metrics.TransferFinished(string(transfer.DirectionSend), storage.HistoryStatusRejected)
	postNote(s.bus, s.logger, events.NoteRecipientDeclined, events.TransferRef{TransferID: f.transferID})
}

// upload moves every accepted file, one goroutine per file, chunks in order
// within each file.
func (s *SendSession) upload(ctx context.Context, accepted []*sendFile) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, f := range accepted {
		f := f
		group.Go(func() error {
			return s.uploadFile(groupCtx, f)
		})
	}
	return group.Wait()
}

func (s *SendSession) uploadFile(ctx context.Context, f *sendFile) error {
	sessionID := s.RemoteSessionID()

	if f.meta.TotalChunks > 0 {
		handle, err := os.Open(f.path)
		if err != nil {
			return fmt.Errorf("open %q: %w", f.path, err)
		}
		defer func() {
			_ = handle.Close()
		}()

		meter := newProgressMeter()
		buf := make([]byte, s.chunkSize)
		for index := 0; index < f.meta.TotalChunks; index++ {
			if s.cancelled.Load() {
				return errSessionCancelled
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if f.meta.Chunks[index].Completed {
				continue
			}

			length := f.meta.ChunkLength(index)
			chunk := buf[:length]
			if _, err := handle.ReadAt(chunk, f.meta.ChunkOffset(index)); err != nil {
				return fmt.Errorf("read chunk %d of %q: %w", index, f.path, err)
			}

			if err := s.client.UploadChunk(ctx, sessionID, f.fileID, index, f.token, chunk); err != nil {
				return err
			}

			if err := f.meta.MarkChunkCompleted(index, ""); err != nil {
				return err
			}
			if err := s.metadata.Update(f.meta); err != nil {
				return fmt.Errorf("update transfer record: %w", err)
			}
			s.metrics.ChunkMoved(string(transfer.DirectionSend), length)
			meter.add(length)
			postNote(s.bus, s.logger, events.NoteTransferProgress, events.TransferProgress{
				TransferID: f.transferID,
				Progress:   f.meta.Progress(),
				Speed:      meter.speed(),
				ETASeconds: meter.eta(f.meta.FileSize - f.meta.BytesCompleted()),
			})
		}
	}

	if err := f.meta.SetStatus(transfer.StatusCompleted); err != nil {
		return err
	}
	if err := s.metadata.Update(f.meta); err != nil {
		return fmt.Errorf("update transfer record: %w", err)
	}
	s.recordHistory(f, storage.HistoryStatusCompleted, "")
	s.metrics.TransferFinished(string(transfer.DirectionSend), storage.HistoryStatusCompleted)
	postNote(s.bus, s.logger, events.NoteTransferCompleted, events.TransferCompleted{
		TransferID: f.transferID,
		FileName:   f.meta.FileName,
		Path:       f.path,
	})
	return nil
}

// finalizeRejected tears down a session the peer declined outright.
func (s *SendSession) finalizeRejected() {
	s.logger.Info("send request declined", "files", len(s.files))
	for _, f := range s.files {
		if f.meta == nil {
			continue
		}
		s.dropDeclinedFile(f)
	}
	s.setState(StateRejected)
}

// finalizeCancelled tears down a cancelled session. Cancels this side
// initiated stay silent; cancels from the peer notify the host per file.
func (s *SendSession) finalizeCancelled() {
	byReceiver := s.cancelledRemote.Load()
	s.logger.Info("send session cancelled", "by_receiver", byReceiver)

	for _, f := range s.files {
		if f.meta == nil || f.meta.Status.Terminal() {
			continue
		}
		if err := s.metadata.Delete(f.transferID); err != nil && !errors.Is(err, transfer.ErrNotFound) {
			s.logger.Warn("delete cancelled transfer record", "transfer_id", f.transferID, "error", err)
		}
		s.recordHistory(f, storage.HistoryStatusCancelled, "")
		s.metrics.TransferFinished(string(transfer.DirectionSend), storage.HistoryStatusCancelled)
		if byReceiver {
			postNote(s.bus, s.logger, events.NoteSendingCancelledByReceiver, events.TransferRef{TransferID: f.transferID})
		}
	}

	if sessionID := s.RemoteSessionID(); sessionID != "" && !byReceiver {
		if err := s.client.Cancel(context.Background(), sessionID); err != nil {
			s.logger.Debug("notify peer of cancel", "error", err)
		}
	}
	s.setState(StateCancelled)
}

// finalizeFailed tears down a session that hit an unrecoverable error. Files
// that already completed stay completed; everything else is marked failed.
func (s *SendSession) finalizeFailed(cause error) {
	s.logger.Error("send session failed", "error", cause)

	for _, f := range s.files {
		if f.meta != nil && f.meta.Status.Terminal() {
			continue
		}
		if f.meta != nil {
			if err := f.meta.SetStatus(transfer.StatusFailed); err == nil {
				if err := s.metadata.Update(f.meta); err != nil {
					s.logger.Warn("update transfer record", "transfer_id", f.transferID, "error", err)
				}
			}
		}
		s.recordHistory(f, storage.HistoryStatusFailed, cause.Error())
		s.metrics.TransferFinished(string(transfer.DirectionSend), storage.HistoryStatusFailed)
		postNote(s.bus, s.logger, events.NoteTransferFailed, events.TransferFailed{
			TransferID: f.transferID,
			Error:      cause.Error(),
		})
	}
	s.setState(StateFailed)
}

func (s *SendSession) recordHistory(f *sendFile, status, errText string) {
	if s.history == nil {
		return
	}

	record := storage.TransferRecord{
		TransferID:   f.transferID,
		Direction:    storage.DirectionSend,
		PeerDeviceID: s.target.DeviceID,
		FileName:     filepath.Base(f.path),
		Status:       status,
		Error:        errText,
		StartedAt:    time.Now().UnixMilli(),
		FinishedAt:   time.Now().UnixMilli(),
	}
	if f.meta != nil {
		record.FileName = f.meta.FileName
		record.FileSize = f.meta.FileSize
		record.FileHash = f.meta.FileHash
		record.FileType = string(f.meta.FileType)
		record.StartedAt = f.meta.CreatedAt.UnixMilli()
	}
	if err := s.history.RecordTransfer(record); err != nil {
		s.logger.Warn("record transfer history", "transfer_id", f.transferID, "error", err)
	}
}
