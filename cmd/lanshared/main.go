// lanshared shares local directories with the LAN.
//
// Features:
// - Metadata store in BadgerDB, kept current by an fsnotify watcher
// - Fuzzy search answered over UDP broadcast/multicast
// - HTTP content server with Range support and download counting
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lanshare/lanshare/internal/api"
	"github.com/lanshare/lanshare/internal/config"
	"github.com/lanshare/lanshare/internal/discovery"
	"github.com/lanshare/lanshare/internal/kv/badgerkv"
	"github.com/lanshare/lanshare/internal/logging"
	"github.com/lanshare/lanshare/internal/metadata"
	"github.com/lanshare/lanshare/internal/metrics"
	"github.com/lanshare/lanshare/internal/search"
	"github.com/lanshare/lanshare/internal/shares"
	"github.com/lanshare/lanshare/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		err = serve(cfg, logger)
	case "tag":
		err = annotate(cfg, logger, args, func(s *metadata.Store, path, value string) error {
			return s.SetTags(path, splitTags(value))
		})
	case "describe":
		err = annotate(cfg, logger, args, func(s *metadata.Store, path, value string) error {
			return s.SetDescription(path, value)
		})
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		logger.Fatal("lanshared failed", zap.String("command", cmd), zap.Error(err))
	}
}

func printUsage() {
	fmt.Println(`lanshared - LAN file sharing daemon

Usage: lanshared [-config file] [command] [args]

Commands:
  serve                     Index the shares and serve them (default)
  tag <path> <t1,t2,...>    Replace the tags of an indexed path
  describe <path> <text>    Replace the description of an indexed path
  help                      Show this help message

Settings come from the config file, then LANSHARE_* environment variables.
tag and describe open the database directly and need the daemon stopped.`)
}

// deps holds the components opened before serving.
type deps struct {
	db     *badgerkv.Store
	policy *shares.Policy
	store  *metadata.Store
}

func open(cfg *config.Config, logger *zap.Logger) (*deps, error) {
	policy, err := shares.New(cfg.Shares, cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("share policy: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logger.Info("opening metadata database", zap.String("dir", cfg.DataDir))
	db, err := badgerkv.Open(cfg.DataDir, false, logger)
	if err != nil {
		return nil, err
	}

	store, err := metadata.New(db, policy, logger)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return &deps{db: db, policy: policy, store: store}, nil
}

func annotate(cfg *config.Config, logger *zap.Logger, args []string, apply func(*metadata.Store, string, string) error) (err error) {
	if len(args) < 2 {
		printUsage()
		return errors.New("expected <path> and a value")
	}
	d, err := open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, d.db.Close()) }()

	path, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	// Index the path first so a fresh share can be annotated right away.
	if _, err := d.store.UpdateOne(path); err != nil {
		return err
	}
	return apply(d.store, path, strings.Join(args[1:], " "))
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func serve(cfg *config.Config, logger *zap.Logger) (err error) {
	logger.Info("lanshared starting...",
		zap.Strings("shares", cfg.Shares),
		zap.String("network", cfg.Network),
		zap.Int("udp_port", cfg.UDPPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("metrics", cfg.MetricsAddr))

	d, err := open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, d.db.Close()) }()

	if n := d.store.Prune(); n > 0 {
		logger.Info("removed records of vanished paths", zap.Int("count", n))
	}

	w := watcher.New(d.store, d.policy, logger)
	if _, err := w.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() {
		_, serr := w.Stop()
		err = multierr.Append(err, serr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := search.New(d.store, d.policy, search.DefaultOptions(), cfg.MaxResults)
	disc := discovery.New(discovery.Config{
		Network:       cfg.Network,
		Port:          cfg.UDPPort,
		MulticastAddr: cfg.MulticastAddr,
		Interface:     cfg.Interface,
		SelfRespond:   cfg.SelfRespond,
	}, engine, logger)
	if _, err := disc.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer func() {
		_, serr := disc.Stop()
		err = multierr.Append(err, serr)
	}()

	metricsServer := newMetricsServer(cfg.MetricsAddr)
	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           api.NewServer(d.store, d.policy, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	} else {
		logger.Info("metrics disabled")
	}
	g.Go(func() error {
		logger.Info("content server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("content server: %w", err)
		}
		return nil
	})

	// Periodic metrics update and prune
	g.Go(func() error {
		metricsTick := time.NewTicker(15 * time.Second)
		defer metricsTick.Stop()
		pruneTick := time.NewTicker(time.Hour)
		defer pruneTick.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-metricsTick.C:
				metrics.SetIndexedRecords(d.store.Count())
			case <-pruneTick.C:
				d.store.Prune()
			}
		}
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			err = multierr.Append(err, metricsServer.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}

// newMetricsServer returns nil when addr is empty, which disables metrics.
func newMetricsServer(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	return &http.Server{
		Addr:    addr,
		Handler: metrics.Handler(),
	}
}
