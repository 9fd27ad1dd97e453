// Package client finds files on LAN peers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"github.com/lanshare/lanshare/pkg/protocol"
)

// DiscoveryConfig holds search settings.
type DiscoveryConfig struct {
	Network string
	// Addr is the broadcast or multicast address queries go to.
	Addr     string
	Port     int
	Timeout  time.Duration
	HTTPPort int
	// BindAddr is the local address of the query socket; empty picks an
	// ephemeral port on all interfaces.
	BindAddr string
}

// PeerResults is what one peer answered.
type PeerResults struct {
	Peer    string // ip:port the response came from
	BaseURL string // content server of the peer
	Results []protocol.Result
}

// Discovery is the DiscoveryClient.
type Discovery struct {
	cfg    DiscoveryConfig
	logger *zap.Logger
}

// NewDiscovery creates a discovery client.
func NewDiscovery(cfg DiscoveryConfig, logger *zap.Logger) *Discovery {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = ":0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{cfg: cfg, logger: logger.Named("discovery-client")}
}

// Search sends one query and collects matching responses until the timeout
// elapses or ctx ends. Each socket serves a single call. A bind failure is
// returned immediately; a cancelled ctx returns what arrived so far along
// with ctx.Err().
func (d *Discovery) Search(ctx context.Context, search string, page int, param protocol.Param) ([]PeerResults, error) {
	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(d.cfg.Addr, strconv.Itoa(d.cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", d.cfg.Addr, err)
	}

	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", d.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("bind query socket: %w", err)
	}
	conn := pc.(*net.UDPConn)
	defer conn.Close()

	if dst.IP.IsMulticast() {
		p := ipv4.NewPacketConn(conn)
		p.SetMulticastTTL(2)
		p.SetMulticastLoopback(true)
	}

	query := protocol.Query{
		Network: d.cfg.Network,
		Search:  search,
		Param:   param.Normalize(),
		Page:    page,
	}
	data, err := protocol.Encode(query)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(d.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetReadDeadline(deadline)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks the read below.
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	if _, err := conn.WriteToUDP(data, dst); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}
	d.logger.Debug("query sent", zap.String("to", dst.String()), zap.String("search", search))

	peers := make(map[string]PeerResults)
	buf := make([]byte, 65507)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if !errors.As(err, &nerr) || !nerr.Timeout() {
				d.logger.Warn("read response failed", zap.Error(err))
			}
			break
		}
		resp, err := protocol.DecodeResponse(buf[:n])
		if err != nil || !protocol.Matches(query, resp) {
			continue
		}
		peer := src.String()
		peers[peer] = PeerResults{
			Peer:    peer,
			BaseURL: "http://" + net.JoinHostPort(src.IP.String(), strconv.Itoa(d.cfg.HTTPPort)),
			Results: resp.Results,
		}
	}

	out := make([]PeerResults, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })

	d.logger.Debug("search finished", zap.Int("peers", len(out)))
	return out, ctx.Err()
}
