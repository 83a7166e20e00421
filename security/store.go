package security

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
)

// EventType classifies trust decisions worth recording.
type EventType string

const (
	// EventPinOverwritten is recorded when an existing pin is replaced by a different fingerprint.
	EventPinOverwritten EventType = "pin_overwritten"
	// EventVerifyMismatch is recorded when a pinned peer presents the wrong certificate.
	EventVerifyMismatch EventType = "verify_mismatch"
	// EventUnregisteredAllowed is recorded when an unpinned peer passes under the open policy.
	EventUnregisteredAllowed EventType = "unregistered_allowed"
	// EventUnregisteredRejected is recorded when an unpinned peer is refused.
	EventUnregisteredRejected EventType = "unregistered_rejected"
)

// Event describes one trust decision for sinks (persistence, notifications).
type Event struct {
	Type     EventType
	Endpoint string
	Detail   string
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Identity is the local security context. Required.
	Identity *SecurityContext
	// AllowUnregistered admits peers with no pin after a warning instead of
	// failing their handshakes.
	AllowUnregistered bool
	// Logger receives trust decisions; nil falls back to slog.Default.
	Logger *slog.Logger
	// OnEvent, when set, is invoked synchronously for every recorded event.
	// It must not call back into the Store.
	OnEvent func(Event)
}

// Store holds the local identity and the pinned-peer fingerprint map, and
// produces the verification callbacks installed into TLS configs.
type Store struct {
	identity *SecurityContext
	logger   *slog.Logger
	onEvent  func(Event)

	mu                sync.RWMutex
	pins              map[string]string
	allowUnregistered bool
}

// NewStore creates a Store around a local identity.
func NewStore(options StoreOptions) (*Store, error) {
	if options.Identity == nil {
		return nil, errors.New("security: identity is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		identity:          options.Identity,
		logger:            logger,
		onEvent:           options.OnEvent,
		pins:              make(map[string]string),
		allowUnregistered: options.AllowUnregistered,
	}, nil
}

// Identity returns the local security context.
func (s *Store) Identity() *SecurityContext {
	return s.identity
}

// Fingerprint returns the local certificate fingerprint.
func (s *Store) Fingerprint() string {
	return s.identity.Fingerprint
}

// Endpoint renders the "{ip}:{port}" key used by the pin map.
func Endpoint(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// Pin binds an endpoint to an expected fingerprint, overwriting any previous
// value. Replacing a different fingerprint is reported but still performed:
// pinning happens after the user confirmed the peer, so the latest
// confirmation wins.
func (s *Store) Pin(ip string, port int, fingerprint string) (replaced bool) {
	endpoint := Endpoint(ip, port)
	fingerprint = strings.ToLower(strings.TrimSpace(fingerprint))

	s.mu.Lock()
	previous, existed := s.pins[endpoint]
	s.pins[endpoint] = fingerprint
	s.mu.Unlock()

	if existed && previous != fingerprint {
		s.logger.Warn("replacing pinned fingerprint",
			"endpoint", endpoint,
			"previous", previous,
			"fingerprint", fingerprint,
		)
		s.emit(Event{
			Type:     EventPinOverwritten,
			Endpoint: endpoint,
			Detail:   fmt.Sprintf("previous %s replaced by %s", previous, fingerprint),
		})
		return true
	}

	return false
}

// Unpin removes an endpoint's pin. Removing an absent pin is a no-op.
func (s *Store) Unpin(ip string, port int) {
	endpoint := Endpoint(ip, port)

	s.mu.Lock()
	delete(s.pins, endpoint)
	s.mu.Unlock()
}

// ExpectedFingerprint returns the pinned fingerprint for an endpoint.
func (s *Store) ExpectedFingerprint(ip string, port int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fingerprint, ok := s.pins[Endpoint(ip, port)]
	return fingerprint, ok
}

// hostPinMatches reports whether any pin for the given host carries the
// presented fingerprint, regardless of the pinned port.
func (s *Store) hostPinMatches(ip, presented string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for endpoint, fingerprint := range s.pins {
		host, _, err := net.SplitHostPort(endpoint)
		if err != nil || host != ip {
			continue
		}
		if strings.EqualFold(fingerprint, presented) {
			return true
		}
	}
	return false
}

// PinnedPeers returns a snapshot of the pin map.
func (s *Store) PinnedPeers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.pins))
	for endpoint, fingerprint := range s.pins {
		out[endpoint] = fingerprint
	}
	return out
}

// SetAllowUnregistered switches the policy for peers with no pin.
func (s *Store) SetAllowUnregistered(allow bool) {
	s.mu.Lock()
	s.allowUnregistered = allow
	s.mu.Unlock()
}

// AllowUnregistered reports the current unpinned-peer policy.
func (s *Store) AllowUnregistered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowUnregistered
}

// verifyFor returns the per-connection verification callback for a remote
// endpoint. Pre-verification by the TLS stack is never trusted: the decision
// is the fingerprint comparison alone.
func (s *Store) verifyFor(ip string, port int) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("peer %s presented no certificate", Endpoint(ip, port))
		}

		leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rawCerts[0]})
		presented := FingerprintOf(leafPEM)
		endpoint := Endpoint(ip, port)

		if expected, ok := s.ExpectedFingerprint(ip, port); ok {
			if !strings.EqualFold(expected, presented) {
				s.logger.Error("certificate fingerprint mismatch",
					"endpoint", endpoint,
					"pinned", expected,
					"presented", presented,
				)
				s.emit(Event{
					Type:     EventVerifyMismatch,
					Endpoint: endpoint,
					Detail:   fmt.Sprintf("pinned %s, presented %s", expected, presented),
				})
				return fmt.Errorf("fingerprint mismatch for %s: pinned %s, presented %s", endpoint, expected, presented)
			}
			return nil
		}

		// Inbound connections reach us from an ephemeral source port, so the
		// exact endpoint lookup misses even for pinned peers. A pin for the
		// same host with the presented fingerprint still counts.
		if s.hostPinMatches(ip, presented) {
			return nil
		}

		if s.AllowUnregistered() {
			s.logger.Warn("allowing unregistered peer", "endpoint", endpoint, "fingerprint", presented)
			s.emit(Event{Type: EventUnregisteredAllowed, Endpoint: endpoint, Detail: presented})
			return nil
		}

		s.emit(Event{Type: EventUnregisteredRejected, Endpoint: endpoint, Detail: presented})
		return fmt.Errorf("unregistered peer %s rejected, fingerprint %s", endpoint, presented)
	}
}

func (s *Store) emit(event Event) {
	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// remoteEndpoint splits a connection address into host and numeric port.
func remoteEndpoint(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}

	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}

	port, err := strconv.Atoi(portText)
	if err != nil {
		return host, 0
	}
	return host, port
}
