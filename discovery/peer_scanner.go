package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"lansend/models"
)

// DiscoveredPeer contains a discovered LAN endpoint.
type DiscoveredPeer struct {
	DeviceID    string
	Alias       string
	Fingerprint string
	Version     string
	Protocol    string
	HostName    string
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

// DeviceInfo converts the discovery record into the device descriptor the
// transfer layer uses. IPv4 addresses win over IPv6 when both were
// advertised because dialing link-local IPv6 needs zone handling we skip.
func (p DiscoveredPeer) DeviceInfo() models.DeviceInfo {
	address := ""
	for _, candidate := range p.Addresses {
		parsed := net.ParseIP(candidate)
		if parsed == nil {
			continue
		}
		if parsed.To4() != nil {
			address = candidate
			break
		}
		if address == "" {
			address = candidate
		}
	}

	return models.DeviceInfo{
		DeviceID:    p.DeviceID,
		Alias:       p.Alias,
		IPAddress:   address,
		Port:        p.Port,
		Fingerprint: p.Fingerprint,
		UsesHTTPS:   p.Protocol != "http",
	}
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// PeerScanner browses mDNS in the background and maintains a peer snapshot.
type PeerScanner struct {
	cfg    Config
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config) (*PeerScanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &PeerScanner{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (s *PeerScanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return s.startErr
}

// Stop stops background scanning and waits for in-flight callbacks.
func (s *PeerScanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// Refresh triggers an immediate scan.
func (s *PeerScanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("peer scanner is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("peer scanner is stopped")
	}
}

// ListPeers returns the current in-memory discovered peers snapshot.
func (s *PeerScanner) ListPeers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Alias == out[j].Alias {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}

func (s *PeerScanner) loop() {
	defer s.wg.Done()

	// Prime the available peer list immediately.
	s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *PeerScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collectedMu.Lock()
				collected[peer.DeviceID] = peer
				collectedMu.Unlock()
			}
		}
	}()

	// Some resolvers surface the scan window closing as a context error.
	// Entries gathered up to that point are still a valid snapshot.
	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A scan cut short by shutdown would report every peer as lost.
	if s.ctx.Err() != nil {
		return nil
	}

	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *PeerScanner) applySnapshot(next map[string]DiscoveredPeer) {
	s.mu.Lock()

	previous := s.peers
	s.peers = next

	var found []DiscoveredPeer
	var lost []string

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || !peersEqual(old, peer) {
			found = append(found, peer)
		}
	}
	for id := range previous {
		if _, exists := next[id]; !exists {
			lost = append(lost, id)
		}
	}
	s.mu.Unlock()

	// Callbacks run unlocked so they may call back into the scanner.
	if s.cfg.OnFound != nil {
		for _, peer := range found {
			s.cfg.OnFound(peer.DeviceInfo())
		}
	}
	if s.cfg.OnLost != nil {
		for _, id := range lost {
			s.cfg.OnLost(id)
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	alias := strings.TrimSpace(txt["alias"])
	if alias == "" {
		alias = strings.TrimSpace(entry.Instance)
	}
	if alias == "" {
		alias = strings.TrimSpace(entry.HostName)
	}
	if alias == "" {
		alias = deviceID
	}

	return DiscoveredPeer{
		DeviceID:    deviceID,
		Alias:       alias,
		Fingerprint: strings.TrimSpace(txt["fingerprint"]),
		Version:     strings.TrimSpace(txt["version"]),
		Protocol:    strings.TrimSpace(txt["protocol"]),
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = parts[1]
	}
	return out
}

func peersEqual(a, b DiscoveredPeer) bool {
	if a.DeviceID != b.DeviceID ||
		a.Alias != b.Alias ||
		a.Fingerprint != b.Fingerprint ||
		a.Version != b.Version ||
		a.Protocol != b.Protocol ||
		a.HostName != b.HostName ||
		a.Port != b.Port {
		return false
	}
	if len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
