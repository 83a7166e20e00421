// Package network implements the LocalSend v2 transfer surface: the HTTPS
// server and pinned client, the send-session and receive-controller state
// machines, and the engine that owns them and dispatches host operations.
package network

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"lansend/models"
)

const (
	// ProtocolVersion is the protocol generation advertised in /info.
	ProtocolVersion = "2.0"

	apiBase = "/api/localsend/v2"

	// RouteInfo answers device identity queries.
	RouteInfo = apiBase + "/info"
	// RouteRegister is the legacy alias for RouteInfo.
	RouteRegister = apiBase + "/register"
	// RouteSendRequest opens a transfer session.
	RouteSendRequest = apiBase + "/send-request"
	// RouteUpload carries one chunk of one file.
	RouteUpload = apiBase + "/upload"
	// RouteCancel aborts a session; answered 200 regardless.
	RouteCancel = "/cancel"
	// RouteConnect pairs two devices using the auth code.
	RouteConnect = "/connect"
	// RouteMetrics exposes the transfer counters.
	RouteMetrics = "/metrics"

	// DefaultRequestTimeout bounds each protocol POST or GET.
	DefaultRequestTimeout = 30 * time.Second
	// ConfirmationTimeout bounds how long /send-request waits for the user.
	ConfirmationTimeout = 60 * time.Second

	// uploadTokenBytes is the derived length of one upload token.
	uploadTokenBytes = 16
	// uploadTokenContext separates token derivation from other HKDF uses.
	uploadTokenContext = "lansend/upload-token/"
)

var (
	// ErrRejected indicates the receiver declined our send request.
	ErrRejected = errors.New("network: send request rejected")
	// ErrSessionBusy indicates an incoming transfer is already active.
	ErrSessionBusy = errors.New("network: another transfer is active")
	// ErrUnknownSession indicates a session id that matches nothing active.
	ErrUnknownSession = errors.New("network: unknown session")
	// ErrInvalidToken indicates an upload token that fails verification.
	ErrInvalidToken = errors.New("network: invalid upload token")
	// ErrBadChunk indicates a chunk index or length outside the session contract.
	ErrBadChunk = errors.New("network: bad chunk")
	// ErrBadRequest indicates a request body that fails protocol validation.
	ErrBadRequest = errors.New("network: malformed request")
	// ErrSessionClosed indicates the session ended before the request arrived.
	ErrSessionClosed = errors.New("network: session closed")
)

// InfoResponse is the body of GET /api/localsend/v2/info.
type InfoResponse struct {
	Alias       string `json:"alias"`
	Version     string `json:"version"`
	DeviceModel string `json:"deviceModel"`
	DeviceType  string `json:"deviceType"`
	Fingerprint string `json:"fingerprint"`
	Port        int    `json:"port"`
}

// FileMetadataRequest describes one offered file inside a send request.
// ChunkSize tells the receiver how the sender slices the file; zero means
// the 1 MiB default.
type FileMetadataRequest struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	FileType  string `json:"fileType"`
	SHA256    string `json:"sha256,omitempty"`
	ChunkSize int64  `json:"chunkSize,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

// SendRequestBody is the body of POST /send-request.
type SendRequestBody struct {
	Info  models.DeviceInfo              `json:"info"`
	Files map[string]FileMetadataRequest `json:"files"`
}

// SendResponseBody is the 200 answer to a send request. Files maps each
// accepted file id to its upload token.
type SendResponseBody struct {
	SessionID       string            `json:"session_id"`
	AcceptedFileIDs []string          `json:"accepted_file_ids"`
	Files           map[string]string `json:"files"`
}

// CancelRequestBody is the body of POST /cancel. TransferID carries the wire
// session id issued by the receiver.
type CancelRequestBody struct {
	TransferID string `json:"transfer_id"`
}

// ConnectRequestBody is the body of POST /connect.
type ConnectRequestBody struct {
	AuthCode   string            `json:"auth_code"`
	DeviceInfo models.DeviceInfo `json:"device_info"`
}

// ConnectResponseBody is the answer to POST /connect.
type ConnectResponseBody struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// StatusError is a non-2xx protocol response.
type StatusError struct {
	StatusCode int
	Status     string
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.Endpoint, e.Status)
}

// Temporary reports whether a retry can help. Client errors are final; the
// rest of the 4xx/5xx space may clear up.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500
}

// UploadToken derives the per-file token the receiver grants with its
// send-request response. The sender echoes it on every chunk upload; the
// receiver re-derives and compares.
func UploadToken(secret []byte, sessionID, fileID string) (string, error) {
	reader := hkdf.New(sha256.New, secret, []byte(sessionID), []byte(uploadTokenContext+fileID))
	token := make([]byte, uploadTokenBytes)
	if _, err := io.ReadFull(reader, token); err != nil {
		return "", fmt.Errorf("derive upload token for %q: %w", fileID, err)
	}
	return hex.EncodeToString(token), nil
}
