package network

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lansend/config"
	"lansend/events"
	"lansend/models"
	"lansend/security"
	"lansend/storage"
	"lansend/transfer"
)

// EngineOptions wires the engine to its collaborators.
type EngineOptions struct {
	Config     *config.DaemonConfig
	ConfigPath string
	Bus        *events.Bus
	Security   *security.Store
	Metadata   *transfer.Store
	Metrics    *Metrics
	// Storage is the history and pin persistence layer. Optional.
	Storage *storage.Store
	Logger  *slog.Logger
	// OnExit is invoked when the host requests shutdown.
	OnExit func()
}

// Engine owns the device registry and every live transfer. It consumes host
// operations from the bus and exposes the handlers the HTTP server calls
// into.
type Engine struct {
	cfg        *config.DaemonConfig
	configPath string
	bus        *events.Bus
	security   *security.Store
	metadata   *transfer.Store
	metrics    *Metrics
	storage    *storage.Store
	logger     *slog.Logger
	onExit     func()

	mu       sync.Mutex
	devices  map[string]models.DeviceInfo
	sessions map[uint64]*SendSession
	receive  *ReceiveController

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewEngine builds an engine. Transfer ids continue from the highest id the
// metadata store has seen, so records from previous runs keep their identity.
func NewEngine(options EngineOptions) (*Engine, error) {
	if options.Config == nil {
		return nil, errors.New("config is required")
	}
	if options.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if options.Security == nil {
		return nil, errors.New("security store is required")
	}
	if options.Metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	engine := &Engine{
		cfg:        options.Config,
		configPath: options.ConfigPath,
		bus:        options.Bus,
		security:   options.Security,
		metadata:   options.Metadata,
		metrics:    options.Metrics,
		storage:    options.Storage,
		logger:     options.Logger,
		onExit:     options.OnExit,
		devices:    make(map[string]models.DeviceInfo),
		sessions:   make(map[uint64]*SendSession),
	}

	maxID, err := options.Metadata.MaxID()
	if err != nil {
		return nil, fmt.Errorf("seed transfer id counter: %w", err)
	}
	next := maxID + 1
	if next < 1 {
		next = 1
	}
	engine.nextID.Store(next)

	return engine, nil
}

func (e *Engine) allocateID() uint64 {
	return e.nextID.Add(1) - 1
}

func (e *Engine) snapshotConfig() config.DaemonConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.cfg
}

// LocalDevice describes this daemon the way peers see it.
func (e *Engine) LocalDevice() models.DeviceInfo {
	cfg := e.snapshotConfig()
	return models.DeviceInfo{
		DeviceID:    cfg.DeviceID,
		Alias:       cfg.DeviceName,
		DeviceModel: runtime.GOOS,
		OS:          runtime.GOOS,
		Port:        cfg.Port,
		UsesHTTPS:   cfg.HTTPS,
		Fingerprint: e.security.Fingerprint(),
	}
}

// LocalInfo is the body served on the info routes.
func (e *Engine) LocalInfo() InfoResponse {
	device := e.LocalDevice()
	return InfoResponse{
		Alias:       device.Alias,
		Version:     ProtocolVersion,
		DeviceModel: device.DeviceModel,
		DeviceType:  "headless",
		Fingerprint: device.Fingerprint,
		Port:        device.Port,
	}
}

// Run consumes host operations until the context ends, then waits for live
// sessions to wind down.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("transfer engine running")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("transfer engine stopping")
			e.wg.Wait()
			return
		case <-ticker.C:
			for {
				op, ok := e.bus.PollOperation()
				if !ok {
					break
				}
				e.dispatch(ctx, op)
			}
			// Cancel-receive is latched rather than queued, so it is
			// honored even while no chunk is arriving.
			if cancel, ok := e.bus.TakeCancelReceive(); ok {
				e.cancelReceive(cancel)
			}
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, op events.Operation) {
	switch op.Type {
	case events.OpSendFile:
		var payload events.SendFile
		if err := json.Unmarshal(op.Data, &payload); err != nil {
			e.notifyError(events.KindProtocol, fmt.Errorf("decode send_file: %w", err), "")
			return
		}
		e.handleSendFile(ctx, payload)

	case events.OpCancelWaitForConfirmation:
		var payload events.CancelWaitForConfirmation
		if err := json.Unmarshal(op.Data, &payload); err != nil {
			e.notifyError(events.KindProtocol, fmt.Errorf("decode cancel_wait_for_confirmation: %w", err), "")
			return
		}
		if session := e.sessionForTransfer(payload.TransferID); session != nil {
			session.CancelWait()
		}

	case events.OpCancelSend:
		var payload events.CancelSend
		if err := json.Unmarshal(op.Data, &payload); err != nil {
			e.notifyError(events.KindProtocol, fmt.Errorf("decode cancel_send: %w", err), "")
			return
		}
		if session := e.sessionForTransfer(payload.TransferID); session != nil {
			session.Cancel()
		}

	case events.OpModifySettings:
		var payload events.ModifySettings
		if err := json.Unmarshal(op.Data, &payload); err != nil {
			e.notifyError(events.KindProtocol, fmt.Errorf("decode modify_settings: %w", err), "")
			return
		}
		e.handleModifySettings(payload)

	case events.OpConnectToDevice:
		var payload events.ConnectToDevice
		if err := json.Unmarshal(op.Data, &payload); err != nil {
			e.notifyError(events.KindProtocol, fmt.Errorf("decode connect_to_device: %w", err), "")
			return
		}
		e.handleConnectToDevice(ctx, payload)

	case events.OpGetActiveTransfers:
		e.publishTransferList(events.NoteActiveTransfers, e.ActiveTransfers)

	case events.OpGetIncompleteTransfers:
		e.publishTransferList(events.NoteIncompleteTransfers, e.IncompleteTransfers)

	case events.OpExitApp:
		e.logger.Info("exit requested by host")
		if e.onExit != nil {
			e.onExit()
		}

	default:
		e.notifyError(events.KindProtocol, fmt.Errorf("unknown operation type %q", op.Type), "")
	}
}

// sessionForTransfer resolves the session owning a per-file transfer id.
// Finished sessions drop out of the map, so late cancels resolve to nothing
// and stay silent.
func (e *Engine) sessionForTransfer(transferID uint64) *SendSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[transferID]
	if !ok {
		e.logger.Debug("no live session for transfer", "transfer_id", transferID)
		return nil
	}
	return session
}

func (e *Engine) handleSendFile(ctx context.Context, payload events.SendFile) {
	if len(payload.FilePaths) == 0 {
		e.notifyError(events.KindProtocol, errors.New("send_file carries no file paths"), payload.TargetDeviceID)
		return
	}

	e.mu.Lock()
	device, ok := e.devices[payload.TargetDeviceID]
	e.mu.Unlock()
	if !ok {
		e.notifyError(events.KindProtocol, fmt.Errorf("unknown device %q", payload.TargetDeviceID), payload.TargetDeviceID)
		return
	}

	client, err := NewClient(ClientOptions{
		Security:  e.security,
		IP:        device.IPAddress,
		Port:      device.Port,
		PlainHTTP: !device.UsesHTTPS,
		OnRetry: func(err error, delay time.Duration) {
			e.metrics.ChunkRetried()
			e.logger.Debug("retrying chunk upload", "delay", delay, "error", err)
		},
	})
	if err != nil {
		e.notifyError(events.KindProtocol, err, device.DeviceID)
		return
	}

	cfg := e.snapshotConfig()
	planned := make([]PlannedFile, 0, len(payload.FilePaths))
	for _, path := range payload.FilePaths {
		planned = append(planned, PlannedFile{TransferID: e.allocateID(), Path: path})
	}

	session, err := NewSendSession(SendSessionOptions{
		Target:    device,
		Local:     e.LocalDevice(),
		Files:     planned,
		ChunkSize: cfg.ChunkSize,
		Client:    client,
		Metadata:  e.metadata,
		Bus:       e.bus,
		Metrics:   e.metrics,
		History:   e.storage,
		Logger:    e.logger,
	})
	if err != nil {
		e.notifyError(events.KindFatal, err, device.DeviceID)
		return
	}

	e.mu.Lock()
	for _, id := range session.TransferIDs() {
		e.sessions[id] = session
	}
	e.mu.Unlock()

	postNote(e.bus, e.logger, events.NoteConnectedToDevice, events.DeviceConnected{
		DeviceID:   device.DeviceID,
		DeviceName: device.Alias,
	})
	e.logger.Info("starting send session",
		"peer", device.DeviceID,
		"files", len(planned))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		session.Run(ctx)
		e.releaseSession(session)
	}()
}

func (e *Engine) releaseSession(session *SendSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range session.TransferIDs() {
		delete(e.sessions, id)
	}
}

func (e *Engine) cancelReceive(cancel events.CancelReceive) {
	e.mu.Lock()
	controller := e.receive
	e.mu.Unlock()

	if controller == nil || controller.Terminal() {
		e.logger.Debug("cancel_receive with no active incoming transfer", "transfer_id", cancel.TransferID)
		return
	}
	controller.Cancel(false)
}

func (e *Engine) handleModifySettings(payload events.ModifySettings) {
	var update config.SettingsUpdate
	if err := json.Unmarshal(payload.Settings, &update); err != nil {
		e.notifyError(events.KindProtocol, fmt.Errorf("decode settings: %w", err), "")
		return
	}

	e.mu.Lock()
	restart := e.cfg.Apply(update)
	cfg := *e.cfg
	e.mu.Unlock()

	if err := config.Save(e.configPath, &cfg); err != nil {
		e.notifyError(events.KindIO, fmt.Errorf("persist settings: %w", err), "")
	}
	if restart {
		e.logger.Warn("listener settings changed, restart required to take effect",
			"port", cfg.Port,
			"https", cfg.HTTPS)
	}
	e.PublishSettings()
}

// PublishSettings posts the current settings snapshot to the host.
func (e *Engine) PublishSettings() {
	cfg := e.snapshotConfig()
	postNote(e.bus, e.logger, events.NoteSettings, events.SettingsSnapshot{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
		Port:       cfg.Port,
		AuthCode:   cfg.AuthCode,
		AutoSave:   cfg.AutoSave,
		SaveDir:    cfg.SaveDir,
		HTTPS:      cfg.HTTPS,
	})
}

func (e *Engine) handleConnectToDevice(ctx context.Context, payload events.ConnectToDevice) {
	e.mu.Lock()
	device, ok := e.devices[payload.DeviceID]
	e.mu.Unlock()
	if !ok {
		e.notifyError(events.KindProtocol, fmt.Errorf("unknown device %q", payload.DeviceID), payload.DeviceID)
		return
	}

	client, err := NewClient(ClientOptions{
		Security:  e.security,
		IP:        device.IPAddress,
		Port:      device.Port,
		PlainHTTP: !device.UsesHTTPS,
	})
	if err != nil {
		e.notifyError(events.KindProtocol, err, device.DeviceID)
		return
	}

	response, err := client.Connect(ctx, ConnectRequestBody{
		AuthCode:   payload.AuthCode,
		DeviceInfo: e.LocalDevice(),
	})
	if err != nil {
		e.notifyError(events.KindPolicy, fmt.Errorf("pairing with %q failed: %w", device.DeviceID, err), device.DeviceID)
		return
	}
	if !response.Success {
		e.notifyError(events.KindPolicy, fmt.Errorf("pairing with %q refused: %s", device.DeviceID, response.Message), device.DeviceID)
		return
	}

	fingerprint := device.Fingerprint
	if fingerprint == "" {
		info, err := client.FetchInfo(ctx)
		if err != nil {
			e.notifyError(events.KindTLS, fmt.Errorf("fetch fingerprint of %q: %w", device.DeviceID, err), device.DeviceID)
			return
		}
		fingerprint = info.Fingerprint
	}

	e.pinPeer(device, fingerprint)
	postNote(e.bus, e.logger, events.NoteConnectedToDevice, events.DeviceConnected{
		DeviceID:   device.DeviceID,
		DeviceName: device.Alias,
	})
	e.logger.Info("paired with device", "peer", device.DeviceID, "endpoint", device.Endpoint())
}

// pinPeer records the peer's fingerprint in memory and writes it through to
// the database so the pin survives restarts.
func (e *Engine) pinPeer(device models.DeviceInfo, fingerprint string) {
	e.security.Pin(device.IPAddress, device.Port, fingerprint)
	if e.storage == nil {
		return
	}

	err := e.storage.UpsertPinnedPeer(storage.PinnedPeer{
		Endpoint:    security.Endpoint(device.IPAddress, device.Port),
		Fingerprint: fingerprint,
		DeviceID:    device.DeviceID,
		Alias:       device.Alias,
		PinnedAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		e.logger.Warn("persist pinned peer", "peer", device.DeviceID, "error", err)
	}
}

// UpsertDevice records a peer sighting. New devices are announced to the
// host; refreshes of known ones stay quiet.
func (e *Engine) UpsertDevice(device models.DeviceInfo) {
	if device.DeviceID == "" {
		return
	}

	e.mu.Lock()
	_, known := e.devices[device.DeviceID]
	e.devices[device.DeviceID] = device
	e.mu.Unlock()

	if known {
		return
	}
	e.logger.Info("device found",
		"peer", device.DeviceID,
		"alias", device.Alias,
		"endpoint", device.Endpoint())
	postNote(e.bus, e.logger, events.NoteFoundDevice, events.DeviceFound{
		DeviceID:    device.DeviceID,
		Alias:       device.Alias,
		IP:          device.IPAddress,
		Port:        device.Port,
		Fingerprint: device.Fingerprint,
	})
}

// RemoveDevice drops a peer from the registry and tells the host.
func (e *Engine) RemoveDevice(deviceID string) {
	e.mu.Lock()
	_, known := e.devices[deviceID]
	delete(e.devices, deviceID)
	e.mu.Unlock()

	if !known {
		return
	}
	e.logger.Info("device lost", "peer", deviceID)
	postNote(e.bus, e.logger, events.NoteLostDevice, events.DeviceLost{DeviceID: deviceID})
}

// Devices returns a snapshot of the registry.
func (e *Engine) Devices() []models.DeviceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.DeviceInfo, 0, len(e.devices))
	for _, device := range e.devices {
		out = append(out, device)
	}
	return out
}

// HandleSendRequest serves an incoming transfer offer. It blocks on the
// caller's goroutine until the host answers or the confirmation window
// closes, and returns the session response for the peer.
func (e *Engine) HandleSendRequest(ctx context.Context, remoteAddr string, body SendRequestBody) (*SendResponseBody, error) {
	if len(body.Files) == 0 {
		return nil, fmt.Errorf("%w: no files offered", ErrBadRequest)
	}
	if body.Info.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing device info", ErrBadRequest)
	}

	peer := body.Info
	peer.IPAddress = remoteIP(remoteAddr)

	cfg := e.snapshotConfig()

	e.mu.Lock()
	if e.receive != nil && !e.receive.Terminal() {
		e.mu.Unlock()
		e.logger.Warn("rejecting concurrent incoming transfer", "peer", peer.DeviceID)
		return nil, ErrSessionBusy
	}

	controller, err := NewReceiveController(ReceiveControllerOptions{
		SessionID:        e.allocateID(),
		Peer:             peer,
		Local:            e.LocalDevice(),
		Offered:          body.Files,
		AutoSave:         cfg.AutoSave,
		SaveDir:          cfg.SaveDir,
		DefaultChunkSize: cfg.ChunkSize,
		AllocateID:       e.allocateID,
		Metadata:         e.metadata,
		Bus:              e.bus,
		Metrics:          e.metrics,
		History:          e.storage,
		Security:         e.security,
		Logger:           e.logger,
	})
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.receive = controller
	e.mu.Unlock()

	e.logger.Info("incoming transfer offer",
		"peer", peer.DeviceID,
		"alias", peer.Alias,
		"files", len(body.Files))
	return controller.Await(ctx)
}

// HandleUpload routes one chunk to the active incoming session.
func (e *Engine) HandleUpload(wireSessionID, fileID string, chunkIndex int, token string, chunk []byte) error {
	e.mu.Lock()
	controller := e.receive
	e.mu.Unlock()

	if controller == nil || controller.WireID() != wireSessionID {
		return fmt.Errorf("%w: %q", ErrUnknownSession, wireSessionID)
	}
	return controller.AcceptChunk(fileID, chunkIndex, token, chunk)
}

// HandleCancel processes a peer's cancel for either direction. Unknown ids
// are ignored: the session may have ended moments ago.
func (e *Engine) HandleCancel(wireSessionID string) {
	e.mu.Lock()
	controller := e.receive
	var sender *SendSession
	for _, session := range e.sessions {
		if session.RemoteSessionID() == wireSessionID {
			sender = session
			break
		}
	}
	e.mu.Unlock()

	if controller != nil && controller.WireID() == wireSessionID {
		e.logger.Info("peer cancelled incoming transfer", "session_id", wireSessionID)
		controller.Cancel(true)
		return
	}
	if sender != nil {
		e.logger.Info("peer cancelled outgoing transfer", "session_id", wireSessionID)
		sender.CancelByReceiver()
		return
	}
	e.logger.Debug("cancel for unknown session", "session_id", wireSessionID)
}

// HandleConnect serves a peer's pairing attempt against our auth code.
func (e *Engine) HandleConnect(remoteAddr string, body ConnectRequestBody) *ConnectResponseBody {
	cfg := e.snapshotConfig()
	if subtle.ConstantTimeCompare([]byte(body.AuthCode), []byte(cfg.AuthCode)) != 1 {
		e.logger.Warn("pairing attempt with wrong auth code", "remote", remoteAddr)
		if e.storage != nil {
			if err := e.storage.RecordSecurityEvent(storage.SecurityEvent{
				EventType: "pairing_rejected",
				Endpoint:  remoteAddr,
				Detail:    "auth code mismatch",
				CreatedAt: time.Now().UnixMilli(),
			}); err != nil {
				e.logger.Warn("record security event", "error", err)
			}
		}
		return &ConnectResponseBody{Success: false, Message: "invalid auth code"}
	}

	device := body.DeviceInfo
	device.IPAddress = remoteIP(remoteAddr)
	if device.Fingerprint != "" {
		e.pinPeer(device, device.Fingerprint)
	}
	e.UpsertDevice(device)
	e.logger.Info("peer paired with us", "peer", device.DeviceID, "alias", device.Alias)
	return &ConnectResponseBody{Success: true}
}

// ActiveTransfers lists transfers currently moving or queued to move.
func (e *Engine) ActiveTransfers() ([]events.TransferState, error) {
	return e.listTransfers(func(status transfer.Status) bool {
		return status == transfer.StatusPending || status == transfer.StatusInProgress
	})
}

// IncompleteTransfers lists every persisted transfer in a non-terminal
// state, including interrupted ones from previous runs. They are reported,
// not resumed: receive-side resumption happens when the peer offers the
// same file again.
func (e *Engine) IncompleteTransfers() ([]events.TransferState, error) {
	return e.listTransfers(func(status transfer.Status) bool {
		return !status.Terminal()
	})
}

func (e *Engine) listTransfers(keep func(transfer.Status) bool) ([]events.TransferState, error) {
	records, err := e.metadata.List()
	if err != nil {
		return nil, err
	}

	out := make([]events.TransferState, 0, len(records))
	for _, meta := range records {
		if !keep(meta.Status) {
			continue
		}
		out = append(out, events.TransferState{
			TransferID: meta.TransferID,
			FileName:   meta.FileName,
			FileSize:   meta.FileSize,
			Status:     string(meta.Status),
			Progress:   meta.Progress(),
			Direction:  string(meta.Direction()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out, nil
}

// FindIncomplete looks up a non-terminal transfer by file identity.
func (e *Engine) FindIncomplete(fileName string, fileSize int64) (*transfer.TransferMetadata, error) {
	records, err := e.metadata.List()
	if err != nil {
		return nil, err
	}
	for _, meta := range records {
		if meta.Status.Terminal() {
			continue
		}
		if meta.FileName == fileName && meta.FileSize == fileSize {
			return meta, nil
		}
	}
	return nil, transfer.ErrNotFound
}

func (e *Engine) publishTransferList(noteType events.NotificationType, list func() ([]events.TransferState, error)) {
	transfers, err := list()
	if err != nil {
		e.notifyError(events.KindIO, fmt.Errorf("list transfers: %w", err), "")
		return
	}
	postNote(e.bus, e.logger, noteType, events.TransferList{Transfers: transfers})
}

func (e *Engine) notifyError(kind events.ErrorKind, err error, deviceID string) {
	e.logger.Error("operation failed", "kind", string(kind), "error", err)
	postNote(e.bus, e.logger, events.NoteError, events.ErrorInfo{
		Error:    err.Error(),
		Kind:     kind,
		DeviceID: deviceID,
	})
}

// postNote wraps a payload in a notification envelope and queues it.
func postNote(bus *events.Bus, logger *slog.Logger, noteType events.NotificationType, payload any) {
	note, err := events.NewNotification(noteType, payload)
	if err != nil {
		logger.Error("encode notification", "type", string(noteType), "error", err)
		return
	}
	bus.PostNotification(note)
}

// remoteIP extracts the host part of a connection's remote address.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
