// Package discovery implements a minimal UDP multicast IpNameService
// (§4.6.7): the WHO-HAS/IS-AT wire exchange routers use to find each other
// before any bus-to-bus connection exists. It is deliberately small --
// the spec's Non-goals scope out implementing AllJoyn's full name-service
// wire protocol, leaving only enough to make FoundNames/LostNames real.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-alljoyn/ajrouter/internal/ajtypes"
)

// defaultGroup is the multicast group this router's name service joins.
// AllJoyn's real name service uses 224.0.0.113/repeating on port 9956;
// reusing those values keeps the constant recognizable even though no
// interop with a real AllJoyn daemon is in scope.
const defaultGroup = "224.0.0.113:9956"

// Found is one entry of a FoundNames notification: a discovered name
// advertised at busAddr, reachable over the given transport mask.
type Found struct {
	Name       string
	BusAddr    string
	GUID       string
	Transports ajtypes.Transport
	TTL        time.Duration
}

// FoundNamesFunc is invoked when one or more advertised names matching an
// active find request are discovered (or refreshed).
type FoundNamesFunc func(found []Found)

// LostNamesFunc is invoked when a previously found name's TTL expires or
// it is explicitly withdrawn.
type LostNamesFunc func(names []string)

// Config configures a Service.
type Config struct {
	// Group is the multicast group:port to join. Defaults to defaultGroup.
	Group string
	// Interface restricts the multicast join to a single network interface;
	// empty joins on all interfaces (net.InterfaceByName is skipped).
	Interface string
	// Period is how often active advertisements are gratuitously re-sent.
	Period time.Duration
}

// Service runs the local side of the name service: it periodically
// broadcasts this router's active advertisements, answers WHO-HAS probes
// for names it owns, and listens for IS-AT announcements matching its own
// active find requests.
type Service struct {
	cfg    Config
	conn   *net.UDPConn
	group  *net.UDPAddr
	guid   string
	logger *slog.Logger

	mu          sync.Mutex
	advertising map[string]Found // name -> this router's own advertisement
	finding     []string         // active find prefixes

	onFound FoundNamesFunc
	onLost  LostNamesFunc
}

// New constructs a Service bound to cfg.Group (joining the multicast
// group) but does not start its receive loop; call Run for that.
func New(cfg Config, guid string, onFound FoundNamesFunc, onLost LostNamesFunc, logger *slog.Logger) (*Service, error) {
	if cfg.Group == "" {
		cfg.Group = defaultGroup
	}
	if cfg.Period == 0 {
		cfg.Period = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	groupAddr, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %s: %w", cfg.Group, err)
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("resolve interface %s: %w", cfg.Interface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", cfg.Group, err)
	}

	return &Service{
		cfg:         cfg,
		conn:        conn,
		group:       groupAddr,
		guid:        guid,
		logger:      logger.With(slog.String("component", "discovery")),
		advertising: make(map[string]Found),
		onFound:     onFound,
		onLost:      onLost,
	}, nil
}

// Run drives the receive loop and the periodic gratuitous-advertisement
// timer until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	defer s.conn.Close()

	go s.recvLoop(ctx)

	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.broadcastActive()
		}
	}
}

func (s *Service) recvLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		s.handlePacket(buf[:n])
	}
}

// handlePacket parses one line-oriented WHO-HAS/IS-AT datagram.
//
//	WHO-HAS <prefix>
//	IS-AT <guid> <busaddr> <transports> <name1,name2,...>
func (s *Service) handlePacket(data []byte) {
	line := strings.TrimSpace(string(data))
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "WHO-HAS":
		if len(fields) < 2 {
			return
		}
		s.answerWhoHas(fields[1])
	case "IS-AT":
		if len(fields) < 5 {
			return
		}
		s.handleIsAt(fields[1], fields[2], fields[3], fields[4])
	}
}

func (s *Service) answerWhoHas(prefix string) {
	s.mu.Lock()
	var matches []string
	for name := range s.advertising {
		if strings.HasPrefix(name, prefix) {
			matches = append(matches, name)
		}
	}
	s.mu.Unlock()

	if len(matches) == 0 {
		return
	}
	s.sendIsAt(matches)
}

func (s *Service) handleIsAt(guid, busAddr, transportsStr, namesCSV string) {
	if guid == s.guid {
		return // loop prevention: don't treat our own broadcast as discovery
	}

	s.mu.Lock()
	interested := len(s.finding) > 0
	s.mu.Unlock()
	if !interested {
		return
	}

	transports := parseTransports(transportsStr)

	var found []Found
	for _, name := range strings.Split(namesCSV, ",") {
		if name == "" {
			continue
		}
		s.mu.Lock()
		matches := false
		for _, prefix := range s.finding {
			if strings.HasPrefix(name, prefix) {
				matches = true
				break
			}
		}
		s.mu.Unlock()
		if matches {
			found = append(found, Found{Name: name, BusAddr: busAddr, GUID: guid, Transports: transports})
		}
	}

	if len(found) > 0 && s.onFound != nil {
		s.onFound(found)
	}
}

// parseTransports decodes the IS-AT datagram's transports field, falling
// back to TCP (this service's only wire transport, matching the "tcp"
// literal sendIsAt writes) if it doesn't parse.
func parseTransports(s string) ajtypes.Transport {
	switch strings.ToLower(s) {
	case "tcp":
		return ajtypes.TransportTCP
	case "udp":
		return ajtypes.TransportUDP
	case "local":
		return ajtypes.TransportLocal
	default:
		return ajtypes.TransportTCP
	}
}

// Advertise registers name as locally owned, reachable at busAddr, and
// begins gratuitously announcing it (§4.6.7 "EnableAdvertisement").
func (s *Service) Advertise(name, busAddr string, transports ajtypes.Transport) {
	s.mu.Lock()
	s.advertising[name] = Found{Name: name, BusAddr: busAddr, Transports: transports}
	s.mu.Unlock()
	s.broadcastActive()
}

// CancelAdvertise withdraws a previously advertised name.
func (s *Service) CancelAdvertise(name string) {
	s.mu.Lock()
	delete(s.advertising, name)
	s.mu.Unlock()
}

// Find begins watching for any advertised name matching prefix, emitting a
// WHO-HAS probe immediately so late joiners don't wait for the next
// gratuitous cycle. Find itself replays nothing; names already learned are
// replayed from the NameMap by session.Manager.FindAdvertisedName.
func (s *Service) Find(prefix string) {
	s.mu.Lock()
	s.finding = append(s.finding, prefix)
	s.mu.Unlock()
	s.sendWhoHas(prefix)
}

// CancelFind stops watching prefix.
func (s *Service) CancelFind(prefix string) {
	s.mu.Lock()
	for i, p := range s.finding {
		if p == prefix {
			s.finding = append(s.finding[:i], s.finding[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Service) broadcastActive() {
	s.mu.Lock()
	if len(s.advertising) == 0 {
		s.mu.Unlock()
		return
	}
	names := make([]string, 0, len(s.advertising))
	for name := range s.advertising {
		names = append(names, name)
	}
	s.mu.Unlock()
	s.sendIsAt(names)
}

func (s *Service) sendIsAt(names []string) {
	s.mu.Lock()
	var busAddr string
	for _, f := range s.advertising {
		busAddr = f.BusAddr
		break
	}
	s.mu.Unlock()

	msg := fmt.Sprintf("IS-AT %s %s tcp %s\n", s.guid, busAddr, strings.Join(names, ","))
	if _, err := s.conn.WriteToUDP([]byte(msg), s.group); err != nil {
		s.logger.Debug("send IS-AT failed", slog.Any("error", err))
	}
}

func (s *Service) sendWhoHas(prefix string) {
	msg := fmt.Sprintf("WHO-HAS %s\n", prefix)
	if _, err := s.conn.WriteToUDP([]byte(msg), s.group); err != nil {
		s.logger.Debug("send WHO-HAS failed", slog.Any("error", err))
	}
}

// Close leaves the multicast group.
func (s *Service) Close() error {
	return s.conn.Close()
}
