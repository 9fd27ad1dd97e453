// Package discovery answers LAN search queries sent over UDP broadcast or
// multicast.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/lanshare/lanshare/internal/metrics"
	"github.com/lanshare/lanshare/pkg/models"
	"github.com/lanshare/lanshare/pkg/protocol"
)

// maxDatagram is the largest payload a UDP datagram can carry.
const maxDatagram = 65507

// State is the lifecycle state of a Service.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Searcher runs a local search. *search.Engine satisfies it.
type Searcher interface {
	Search(query string, param protocol.Param, page int) []*models.FileRecord
}

// Config holds discovery settings.
type Config struct {
	Network       string
	Port          int
	MulticastAddr string
	// Interface is the local IPv4 address to join the group on. Empty
	// means GuessInterface.
	Interface   string
	SelfRespond bool
}

// Service is the DiscoveryService.
type Service struct {
	cfg      Config
	searcher Searcher
	logger   *zap.Logger

	mu    sync.Mutex
	state State
	conn  *net.UDPConn
	local map[string]bool
	done  chan struct{}
	wg    sync.WaitGroup
}

// New creates a stopped service.
func New(cfg Config, searcher Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		searcher: searcher,
		logger:   logger.Named("discovery"),
	}
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound socket address, or nil when not running.
func (s *Service) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Start binds the socket and begins answering queries. It reports false
// when the service was not stopped. A bind failure returns the service to
// Stopped. Cancelling ctx stops the service.
func (s *Service) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != Stopped {
		s.mu.Unlock()
		return false, nil
	}
	s.state = Starting
	s.mu.Unlock()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
	if err != nil {
		s.setState(Stopped)
		return false, fmt.Errorf("bind udp port %d: %w", s.cfg.Port, err)
	}
	s.joinGroup(conn)

	s.mu.Lock()
	s.conn = conn
	s.local = localAddrs()
	s.done = make(chan struct{})
	s.state = Running
	done := s.done
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(conn)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	s.logger.Info("discovery listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("network", s.cfg.Network))
	return true, nil
}

// Stop closes the socket. It reports false when the service was not running.
func (s *Service) Stop() (bool, error) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return false, nil
	}
	s.state = Stopping
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	err := conn.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.conn = nil
	s.state = Stopped
	s.mu.Unlock()

	s.logger.Info("discovery stopped")
	return true, err
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// joinGroup subscribes conn to the multicast group. Failure only costs
// multicast reception; broadcasts still arrive on the wildcard bind.
func (s *Service) joinGroup(conn *net.UDPConn) {
	if s.cfg.MulticastAddr == "" {
		return
	}
	group := net.ParseIP(s.cfg.MulticastAddr)
	if group == nil || !group.IsMulticast() {
		s.logger.Warn("invalid multicast address", zap.String("addr", s.cfg.MulticastAddr))
		return
	}

	iface, _, err := s.groupInterface()
	if err != nil {
		s.logger.Warn("no interface for multicast", zap.Error(err))
		return
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		s.logger.Warn("join multicast group failed",
			zap.String("group", group.String()),
			zap.String("iface", iface.Name),
			zap.Error(err))
		return
	}
	s.logger.Debug("joined multicast group",
		zap.String("group", group.String()), zap.String("iface", iface.Name))
}

func (s *Service) groupInterface() (*net.Interface, net.IP, error) {
	if s.cfg.Interface == "" {
		return GuessInterface()
	}
	want := net.ParseIP(s.cfg.Interface)
	if want == nil {
		return nil, nil, fmt.Errorf("invalid interface address %q", s.cfg.Interface)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, err
	}
	for i := range ifaces {
		addrs, _ := ifaces[i].Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(want) {
				return &ifaces[i], ipnet.IP, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("no interface owns %s", want)
}

// ErrNoInterface is returned when no usable IPv4 interface exists.
var ErrNoInterface = errors.New("no usable ipv4 interface")

// GuessInterface picks the first interface that is up, not loopback,
// multicast capable and carries an IPv4 address.
func GuessInterface() (*net.Interface, net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, err
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return iface, ip4, nil
				}
			}
		}
	}
	return nil, nil, ErrNoInterface
}

func localAddrs() map[string]bool {
	out := make(map[string]bool)
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			out[ipnet.IP.String()] = true
		}
	}
	return out
}

func (s *Service) isLocal(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[ip.String()]
}

func (s *Service) loop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("read datagram failed", zap.Error(err))
			continue
		}
		s.handle(conn, buf[:n], src)
	}
}

func (s *Service) handle(conn *net.UDPConn, data []byte, src *net.UDPAddr) {
	q, err := protocol.DecodeQuery(data)
	if err != nil {
		s.drop("malformed query", src, err)
		return
	}
	if q.Network != s.cfg.Network {
		s.drop("foreign network", src, nil)
		return
	}
	if q.Search == "" {
		s.drop("empty search", src, nil)
		return
	}
	if !s.cfg.SelfRespond && s.isLocal(src.IP) {
		s.drop("self query", src, nil)
		return
	}

	records := s.searcher.Search(q.Search, q.Param.Normalize(), q.Page)
	if len(records) == 0 {
		metrics.RecordDiscoveryQuery(metrics.QueryEmpty)
		return
	}

	resp := protocol.Response{
		Network: q.Network,
		Search:  q.Search,
		Param:   q.Param,
		Page:    q.Page,
		Results: make([]protocol.Result, 0, len(records)),
	}
	for _, rec := range records {
		resp.Results = append(resp.Results, protocol.Result{
			Name:      rec.Name,
			ID:        rec.ID,
			Downloads: rec.Downloads,
		})
	}

	data, err = protocol.Encode(resp)
	if err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
		return
	}
	if _, err := conn.WriteToUDP(data, src); err != nil {
		s.logger.Warn("send response failed", zap.String("to", src.String()), zap.Error(err))
		return
	}
	metrics.RecordDiscoveryQuery(metrics.QueryAnswered)
	s.logger.Debug("answered query",
		zap.String("from", src.String()),
		zap.String("search", q.Search),
		zap.Int("results", len(resp.Results)))
}

func (s *Service) drop(reason string, src *net.UDPAddr, err error) {
	metrics.RecordDiscoveryQuery(metrics.QueryDropped)
	fields := []zap.Field{zap.String("reason", reason), zap.String("from", src.String())}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Debug("query dropped", fields...)
}
