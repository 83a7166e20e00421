package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"lansend/events"
	"lansend/models"
	"lansend/security"
	"lansend/transfer"
)

func TestSendSessionDeliversFiles(t *testing.T) {
	reportContent := []byte("0123456789")
	notesContent := []byte("abcdef")

	f := newSendFixture(t)
	peer := startScriptedPeer(t)
	client := f.clientFor(t, peer)
	session := f.session(t, client, []PlannedFile{
		{TransferID: 1, Path: f.sourceFile(t, "report.txt", reportContent)},
		{TransferID: 2, Path: f.sourceFile(t, "notes.txt", notesContent)},
	})

	session.Run(context.Background())

	if got := session.State(); got != StateDone {
		t.Fatalf("state = %s, want %s", got, StateDone)
	}
	if got := session.RemoteSessionID(); got != "wire-77" {
		t.Fatalf("remote session id = %q, want the one the peer assigned", got)
	}

	offer := peer.capturedOffer(t)
	if offer.Info.DeviceID != "self-device" {
		t.Fatalf("offer announced device %+v", offer.Info)
	}
	if len(offer.Files) != 2 {
		t.Fatalf("offer carries %d files, want 2", len(offer.Files))
	}
	byName := make(map[string]string, len(offer.Files))
	for id, meta := range offer.Files {
		byName[meta.FileName] = id
		if meta.ID != id {
			t.Fatalf("file %q announced id %q under key %q", meta.FileName, meta.ID, id)
		}
		if meta.ChunkSize != 4 {
			t.Fatalf("file %q announced chunk size %d, want 4", meta.FileName, meta.ChunkSize)
		}
	}

	for name, content := range map[string][]byte{"report.txt": reportContent, "notes.txt": notesContent} {
		id, ok := byName[name]
		if !ok {
			t.Fatalf("%q missing from the offer", name)
		}
		sum := sha256.Sum256(content)
		if offer.Files[id].SHA256 != hex.EncodeToString(sum[:]) {
			t.Errorf("%q announced hash %q", name, offer.Files[id].SHA256)
		}
		if got := peer.assembled(id); !bytes.Equal(got, content) {
			t.Errorf("%q arrived as %q, want %q", name, got, content)
		}
		if token := peer.tokenFor(id); token != "token-"+id {
			t.Errorf("%q uploaded with token %q", name, token)
		}
	}
	if !peer.sawSession("wire-77") {
		t.Error("uploads did not carry the assigned session id")
	}

	records := assertAllRecords(t, f.metadata, transfer.StatusCompleted)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	counts := map[events.NotificationType]int{}
	for _, note := range drainNotes(f.bus) {
		counts[note.Type]++
	}
	if counts[events.NoteRecipientAccepted] != 2 {
		t.Errorf("recipient_accepted notes = %d, want one per file", counts[events.NoteRecipientAccepted])
	}
	if counts[events.NoteTransferProgress] != 5 {
		t.Errorf("progress notes = %d, want one per chunk", counts[events.NoteTransferProgress])
	}
	if counts[events.NoteTransferCompleted] != 2 {
		t.Errorf("completed notes = %d, want one per file", counts[events.NoteTransferCompleted])
	}
}

func TestSendSessionPeerDeclines(t *testing.T) {
	cases := map[string]func(SendRequestBody) *SendResponseBody{
		"forbidden response": func(SendRequestBody) *SendResponseBody {
			return nil
		},
		"empty accepted set": func(SendRequestBody) *SendResponseBody {
			return &SendResponseBody{SessionID: "wire-1", Files: map[string]string{}}
		},
	}
	for name, decide := range cases {
		t.Run(name, func(t *testing.T) {
			f := newSendFixture(t)
			peer := startScriptedPeer(t)
			peer.decide = decide

			client := f.clientFor(t, peer)
			session := f.session(t, client, []PlannedFile{
				{TransferID: 1, Path: f.sourceFile(t, "secret.txt", []byte("private"))},
			})
			session.Run(context.Background())

			if got := session.State(); got != StateRejected {
				t.Fatalf("state = %s, want %s", got, StateRejected)
			}
			records, err := f.metadata.List()
			if err != nil {
				t.Fatalf("list records: %v", err)
			}
			if len(records) != 0 {
				t.Fatalf("decline left %d records", len(records))
			}

			notes := drainNotes(f.bus)
			if !hasNote(notes, events.NoteRecipientDeclined) {
				t.Fatal("no recipient_declined notification")
			}
			if hasNote(notes, events.NoteTransferFailed) {
				t.Fatal("a decline was reported as a failure")
			}
			if peer.posts() != 0 {
				t.Fatalf("%d chunks uploaded after a decline", peer.posts())
			}
		})
	}
}

func TestSendSessionDropsFilesThePeerLeftOut(t *testing.T) {
	keep := []byte("kept bytes")
	f := newSendFixture(t)
	peer := startScriptedPeer(t)
	peer.decide = func(offer SendRequestBody) *SendResponseBody {
		resp := &SendResponseBody{SessionID: "wire-9", Files: make(map[string]string)}
		for id, meta := range offer.Files {
			if meta.FileName == "keep.txt" {
				resp.AcceptedFileIDs = append(resp.AcceptedFileIDs, id)
				resp.Files[id] = "token-" + id
			}
		}
		return resp
	}

	client := f.clientFor(t, peer)
	session := f.session(t, client, []PlannedFile{
		{TransferID: 1, Path: f.sourceFile(t, "keep.txt", keep)},
		{TransferID: 2, Path: f.sourceFile(t, "skip.txt", []byte("left out"))},
	})
	session.Run(context.Background())

	if got := session.State(); got != StateDone {
		t.Fatalf("state = %s, want %s", got, StateDone)
	}

	records := assertAllRecords(t, f.metadata, transfer.StatusCompleted)
	if len(records) != 1 || records[0].TransferID != 1 {
		t.Fatalf("records = %+v, want just the kept transfer", records)
	}

	offer := peer.capturedOffer(t)
	for id, meta := range offer.Files {
		if meta.FileName == "keep.txt" {
			if got := peer.assembled(id); !bytes.Equal(got, keep) {
				t.Fatalf("kept file arrived as %q, want %q", got, keep)
			}
		}
	}

	notes := drainNotes(f.bus)
	declined := false
	for _, note := range notes {
		if note.Type != events.NoteRecipientDeclined {
			continue
		}
		var ref events.TransferRef
		decodeNote(t, note, &ref)
		if ref.TransferID != 2 {
			t.Fatalf("declined transfer id = %d, want 2", ref.TransferID)
		}
		declined = true
	}
	if !declined {
		t.Fatal("no recipient_declined notification for the dropped file")
	}
	if !hasNote(notes, events.NoteTransferCompleted) {
		t.Fatal("the kept file never completed")
	}
}

func TestSendSessionRetriesTransientUploadFailures(t *testing.T) {
	content := []byte("data")
	f := newSendFixture(t)
	peer := startScriptedPeer(t)
	peer.uploadStatus = func(post int) int {
		if post == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}

	client := f.clientFor(t, peer)
	session := f.session(t, client, []PlannedFile{
		{TransferID: 1, Path: f.sourceFile(t, "data.bin", content)},
	})
	session.Run(context.Background())

	if got := session.State(); got != StateDone {
		t.Fatalf("state = %s, want %s", got, StateDone)
	}
	if got := peer.posts(); got != 2 {
		t.Fatalf("upload posts = %d, want a single retry after the 503", got)
	}
	offer := peer.capturedOffer(t)
	for id := range offer.Files {
		if got := peer.assembled(id); !bytes.Equal(got, content) {
			t.Fatalf("file arrived as %q, want %q", got, content)
		}
	}
	assertAllRecords(t, f.metadata, transfer.StatusCompleted)
}

func TestSendSessionGivesUpOnPermanentUploadError(t *testing.T) {
	f := newSendFixture(t)
	peer := startScriptedPeer(t)
	peer.uploadStatus = func(int) int { return http.StatusForbidden }

	client := f.clientFor(t, peer)
	session := f.session(t, client, []PlannedFile{
		{TransferID: 1, Path: f.sourceFile(t, "data.bin", []byte("data"))},
	})
	session.Run(context.Background())

	if got := session.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	if got := peer.posts(); got != 1 {
		t.Fatalf("upload posts = %d, a 4xx answer must not be retried", got)
	}

	records := assertAllRecords(t, f.metadata, transfer.StatusFailed)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	note := awaitNote(t, f.bus, events.NoteTransferFailed, time.Second)
	var failed events.TransferFailed
	decodeNote(t, note, &failed)
	if failed.TransferID != 1 || failed.Error == "" {
		t.Fatalf("failed note = %+v", failed)
	}
}

func TestSendSessionFailsWhenPeerUnreachable(t *testing.T) {
	f := newSendFixture(t)
	peer := startScriptedPeer(t)
	client := f.clientFor(t, peer)
	peer.server.Close()

	session := f.session(t, client, []PlannedFile{
		{TransferID: 1, Path: f.sourceFile(t, "data.bin", []byte("data"))},
	})
	session.Run(context.Background())

	if got := session.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
	records := assertAllRecords(t, f.metadata, transfer.StatusFailed)
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	awaitNote(t, f.bus, events.NoteTransferFailed, time.Second)
}

func TestSendSessionCancelWaitAbandonsConfirmation(t *testing.T) {
	f := newSendFixture(t)
	peer := startScriptedPeer(t)
	peer.holdConfirmation = true
	peer.confirmEntered = make(chan struct{})

	client := f.clientFor(t, peer)
	session := f.session(t, client, []PlannedFile{
		{TransferID: 1, Path: f.sourceFile(t, "data.bin", []byte("payload here"))},
	})

	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	select {
	case <-peer.confirmEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("offer never reached the peer")
	}
	session.CancelWait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after CancelWait")
	}

	if got := session.State(); got != StateCancelled {
		t.Fatalf("state = %s, want %s", got, StateCancelled)
	}
	records, err := f.metadata.List()
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("cancelled confirmation left %d records", len(records))
	}
	if notes := drainNotes(f.bus); len(notes) != 0 {
		t.Fatalf("a cancel from this side posted %d notifications: %v", len(notes), notes)
	}
	if cancels := peer.cancelledSessions(); len(cancels) != 0 {
		t.Fatalf("cancel posted to the peer before a session existed: %v", cancels)
	}
}

func TestSendSessionStopsWhenReceiverCancels(t *testing.T) {
	content := []byte("eight by")
	f := newSendFixture(t)
	peer := startScriptedPeer(t)
	client := f.clientFor(t, peer)
	session := f.session(t, client, []PlannedFile{
		{TransferID: 1, Path: f.sourceFile(t, "data.bin", content)},
	})

	// The peer takes the first chunk and cancels before the second.
	peer.uploadStatus = func(int) int {
		session.CancelByReceiver()
		return http.StatusOK
	}

	session.Run(context.Background())

	if got := session.State(); got != StateCancelled {
		t.Fatalf("state = %s, want %s", got, StateCancelled)
	}
	if got := peer.posts(); got != 1 {
		t.Fatalf("upload posts = %d, want 1", got)
	}

	records, err := f.metadata.List()
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("receiver cancel left %d records", len(records))
	}

	notes := drainNotes(f.bus)
	if !hasNote(notes, events.NoteSendingCancelledByReceiver) {
		t.Fatal("no sending_cancelled_by_receiver notification")
	}
	if cancels := peer.cancelledSessions(); len(cancels) != 0 {
		t.Fatalf("a receiver-initiated cancel must not be echoed back: %v", cancels)
	}
}

// sendFixture bundles the collaborators an outgoing session needs.
type sendFixture struct {
	dir      string
	metadata *transfer.Store
	bus      *events.Bus
	security *security.Store
}

func newSendFixture(t *testing.T) *sendFixture {
	t.Helper()
	dir := t.TempDir()

	identity, err := security.EnsureSecurityContext(filepath.Join(dir, "certs"))
	if err != nil {
		t.Fatalf("EnsureSecurityContext: %v", err)
	}
	securityStore, err := security.NewStore(security.StoreOptions{
		Identity: identity,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("security.NewStore: %v", err)
	}
	metadata, err := transfer.NewStore(transfer.StoreOptions{
		Dir:    filepath.Join(dir, "metadata"),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("transfer.NewStore: %v", err)
	}

	return &sendFixture{
		dir:      dir,
		metadata: metadata,
		bus:      events.NewBus(testLogger()),
		security: securityStore,
	}
}

func (f *sendFixture) sourceFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	return path
}

func (f *sendFixture) clientFor(t *testing.T, peer *scriptedPeer) *Client {
	t.Helper()
	peerURL, err := url.Parse(peer.server.URL)
	if err != nil {
		t.Fatalf("parse peer url: %v", err)
	}
	port, err := strconv.Atoi(peerURL.Port())
	if err != nil {
		t.Fatalf("parse peer port: %v", err)
	}
	client, err := NewClient(ClientOptions{
		Security:  f.security,
		IP:        peerURL.Hostname(),
		Port:      port,
		PlainHTTP: true,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func (f *sendFixture) session(t *testing.T, client *Client, files []PlannedFile) *SendSession {
	t.Helper()
	session, err := NewSendSession(SendSessionOptions{
		Target:    models.DeviceInfo{DeviceID: "peer-1", Alias: "Bob", IPAddress: "127.0.0.1", Port: 53317},
		Local:     models.DeviceInfo{DeviceID: "self-device", Alias: "Self"},
		Files:     files,
		ChunkSize: 4,
		Client:    client,
		Metadata:  f.metadata,
		Bus:       f.bus,
		Metrics:   NewMetrics(),
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSendSession: %v", err)
	}
	return session
}

// scriptedPeer stubs the receiving side of the protocol. Knobs are set before
// the session runs; recorded traffic is guarded by the mutex.
type scriptedPeer struct {
	server *httptest.Server

	// decide answers the offer; nil accepts every file. Returning nil from
	// the func itself declines with a 403.
	decide func(offer SendRequestBody) *SendResponseBody
	// uploadStatus picks the status for the nth upload post, counted from 1.
	uploadStatus func(post int) int
	// holdConfirmation keeps the offer pending until the sender goes away.
	holdConfirmation bool
	// confirmEntered, when non-nil, is closed as soon as the offer arrives.
	confirmEntered chan struct{}

	mu          sync.Mutex
	offer       *SendRequestBody
	chunks      map[string]map[int][]byte
	tokens      map[string]string
	sessions    map[string]struct{}
	uploadPosts int
	cancelled   []string
}

func startScriptedPeer(t *testing.T) *scriptedPeer {
	t.Helper()
	p := &scriptedPeer{
		chunks:   make(map[string]map[int][]byte),
		tokens:   make(map[string]string),
		sessions: make(map[string]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(RouteSendRequest, p.handleSendRequest)
	mux.HandleFunc(RouteUpload, p.handleUpload)
	mux.HandleFunc(RouteCancel, p.handleCancel)

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *scriptedPeer) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	var offer SendRequestBody
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "malformed offer", http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.offer = &offer
	p.mu.Unlock()

	if p.confirmEntered != nil {
		close(p.confirmEntered)
	}
	if p.holdConfirmation {
		<-r.Context().Done()
		return
	}

	resp := p.acceptAll(offer)
	if p.decide != nil {
		resp = p.decide(offer)
	}
	if resp == nil {
		http.Error(w, "declined", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *scriptedPeer) acceptAll(offer SendRequestBody) *SendResponseBody {
	resp := &SendResponseBody{
		SessionID: "wire-77",
		Files:     make(map[string]string, len(offer.Files)),
	}
	for id := range offer.Files {
		resp.AcceptedFileIDs = append(resp.AcceptedFileIDs, id)
		resp.Files[id] = "token-" + id
	}
	return resp
}

func (p *scriptedPeer) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusInternalServerError)
		return
	}
	query := r.URL.Query()
	index, err := strconv.Atoi(query.Get("chunk_index"))
	if err != nil {
		http.Error(w, "bad chunk index", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.uploadPosts++
	post := p.uploadPosts
	p.mu.Unlock()

	if p.uploadStatus != nil {
		if status := p.uploadStatus(post); status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
	}

	fileID := query.Get("file_id")
	p.mu.Lock()
	if p.chunks[fileID] == nil {
		p.chunks[fileID] = make(map[int][]byte)
	}
	p.chunks[fileID][index] = append([]byte(nil), body...)
	p.tokens[fileID] = query.Get("token")
	p.sessions[query.Get("session_id")] = struct{}{}
	p.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (p *scriptedPeer) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body CancelRequestBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	p.mu.Lock()
	p.cancelled = append(p.cancelled, body.TransferID)
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (p *scriptedPeer) capturedOffer(t *testing.T) SendRequestBody {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offer == nil {
		t.Fatal("peer never received an offer")
	}
	return *p.offer
}

// assembled stitches the recorded chunks of one file back together.
func (p *scriptedPeer) assembled(fileID string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	parts := p.chunks[fileID]
	indexes := make([]int, 0, len(parts))
	for index := range parts {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	var data []byte
	for _, index := range indexes {
		data = append(data, parts[index]...)
	}
	return data
}

func (p *scriptedPeer) tokenFor(fileID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[fileID]
}

func (p *scriptedPeer) sawSession(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}

func (p *scriptedPeer) posts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploadPosts
}

func (p *scriptedPeer) cancelledSessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}
