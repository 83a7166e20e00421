package security

import (
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"
)

// runHandshake performs one TLS handshake over loopback and returns both
// sides' handshake errors. clientPin, when non-empty, is pinned for the
// listener's endpoint before dialing.
func runHandshake(t *testing.T, serverStore, clientStore *Store, clientPin string) (serverErr, clientErr error) {
	t.Helper()

	serverConfig, err := ServerTLSConfig(serverStore)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	if clientPin != "" {
		clientStore.Pin(addr.IP.String(), addr.Port, clientPin)
	}

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		tlsConn := tls.Server(conn, serverConfig)
		serverDone <- tlsConn.Handshake()
	}()

	clientConfig, err := ClientTLSConfig(clientStore, addr.IP.String(), addr.Port)
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}

	conn, err := tls.Dial("tcp", listener.Addr().String(), clientConfig)
	if err == nil {
		conn.Close()
	}
	clientErr = err

	select {
	case serverErr = <-serverDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server handshake")
	}
	return serverErr, clientErr
}

func TestHandshakeSucceedsWithPinnedServer(t *testing.T) {
	serverStore := newTestStore(t, true, nil)
	clientStore := newTestStore(t, false, nil)

	serverErr, clientErr := runHandshake(t, serverStore, clientStore, serverStore.Fingerprint())

	if clientErr != nil {
		t.Fatalf("client handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
}

func TestHandshakeFailsOnFingerprintMismatch(t *testing.T) {
	recorder := &eventRecorder{}
	serverStore := newTestStore(t, true, nil)
	clientStore := newTestStore(t, false, recorder)

	// Pin a syntactically valid fingerprint that the server cannot match.
	_, clientErr := runHandshake(t, serverStore, clientStore, clientStore.Fingerprint())

	if clientErr == nil {
		t.Fatal("expected client handshake to fail")
	}
	if !strings.Contains(clientErr.Error(), "fingerprint mismatch") {
		t.Fatalf("client error = %q, want fingerprint mismatch", clientErr)
	}

	types := recorder.types()
	if len(types) != 1 || types[0] != EventVerifyMismatch {
		t.Fatalf("events = %v, want [%s]", types, EventVerifyMismatch)
	}
}

func TestHandshakeRejectsUnregisteredPeerWhenPolicyClosed(t *testing.T) {
	recorder := &eventRecorder{}
	serverStore := newTestStore(t, false, recorder)
	clientStore := newTestStore(t, false, nil)

	// The client dials from an ephemeral port, so the server never finds a
	// pin for it and must apply the registration policy.
	serverErr, _ := runHandshake(t, serverStore, clientStore, serverStore.Fingerprint())

	if serverErr == nil {
		t.Fatal("expected server handshake to fail")
	}
	if !strings.Contains(serverErr.Error(), "unregistered peer") {
		t.Fatalf("server error = %q, want unregistered peer rejection", serverErr)
	}

	types := recorder.types()
	if len(types) != 1 || types[0] != EventUnregisteredRejected {
		t.Fatalf("events = %v, want [%s]", types, EventUnregisteredRejected)
	}
}

func TestHandshakeAllowsUnregisteredPeerUnderOpenPolicy(t *testing.T) {
	recorder := &eventRecorder{}
	serverStore := newTestStore(t, true, recorder)
	clientStore := newTestStore(t, false, nil)

	serverErr, clientErr := runHandshake(t, serverStore, clientStore, serverStore.Fingerprint())

	if clientErr != nil || serverErr != nil {
		t.Fatalf("handshake failed: client=%v server=%v", clientErr, serverErr)
	}

	types := recorder.types()
	if len(types) != 1 || types[0] != EventUnregisteredAllowed {
		t.Fatalf("events = %v, want [%s]", types, EventUnregisteredAllowed)
	}
}
