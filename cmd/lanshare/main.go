// Package main provides a CLI for finding and downloading files shared on the LAN.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/lanshare/lanshare/internal/config"
	"github.com/lanshare/lanshare/internal/logging"
	"github.com/lanshare/lanshare/pkg/client"
	"github.com/lanshare/lanshare/pkg/download"
	"github.com/lanshare/lanshare/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	outDir := flag.String("out", "", "Download directory (default: download_dir from config)")
	multicast := flag.Bool("multicast", false, "Query the multicast group instead of broadcasting")
	verbose := flag.Bool("v", false, "Log to stderr")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *outDir != "" {
		cfg.DownloadDir = *outDir
	}

	logger := zap.NewNop()
	if *verbose {
		logger, err = logging.New(logging.Config{Level: "debug", Format: "console", OutputPath: "stderr"})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initialising logging: %v\n", err)
			os.Exit(1)
		}
		defer logger.Sync()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "search", "find":
		err = cmdSearch(ctx, cfg, *multicast, logger, cmdArgs)
	case "get":
		err = cmdGet(ctx, cfg, logger, cmdArgs, false)
	case "getdir":
		err = cmdGet(ctx, cfg, logger, cmdArgs, true)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`lanshare - find and download files shared on the LAN

Usage: lanshare [flags] <command> [args]

Flags:
  -config <file>     YAML config file (LANSHARE_* variables override it)
  -out <dir>         Download directory
  -multicast         Query the multicast group instead of broadcasting
  -v                 Log to stderr

Commands:
  search <text> [-page N] [-param names|tags|default]
                     Ask every peer for matching files
  get <peer-url> <id>
                     Download one file
  getdir <peer-url> <id>
                     Download a directory tree
  help               Show this help message

Examples:
  lanshare search holiday
  lanshare search -param tags -page 2 music
  lanshare search holiday photos -page 2
  lanshare get http://192.168.1.20:8817 5f0c...
  lanshare -out ~/Downloads getdir http://192.168.1.20:8817 9a1b...`)
}

// searchArgs is a parsed search command line.
type searchArgs struct {
	text  string
	page  int
	param protocol.Param
}

// parseSearchArgs accepts flags before, between and after the words of the
// search text.
func parseSearchArgs(args []string) (searchArgs, error) {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	page := fs.Int("page", 1, "Result page")
	param := fs.String("param", string(protocol.ParamDefault), "Fields to search: names, tags or default")

	var words []string
	for {
		if err := fs.Parse(args); err != nil {
			return searchArgs{}, err
		}
		if fs.NArg() == 0 {
			break
		}
		words = append(words, fs.Arg(0))
		args = fs.Args()[1:]
	}
	if len(words) == 0 {
		return searchArgs{}, errors.New("usage: search <text> [-page N] [-param names|tags|default]")
	}
	return searchArgs{
		text:  strings.Join(words, " "),
		page:  *page,
		param: protocol.Param(*param),
	}, nil
}

func cmdSearch(ctx context.Context, cfg *config.Config, multicast bool, logger *zap.Logger, args []string) error {
	sa, err := parseSearchArgs(args)
	if err != nil {
		return err
	}

	addr := cfg.BroadcastIP
	if multicast {
		addr = cfg.MulticastAddr
	}
	disc := client.NewDiscovery(client.DiscoveryConfig{
		Network:  cfg.Network,
		Addr:     addr,
		Port:     cfg.UDPPort,
		Timeout:  cfg.SearchTimeout,
		HTTPPort: cfg.HTTPPort,
	}, logger)

	peers, err := disc.Search(ctx, sa.text, sa.page, sa.param)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("No results")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tNAME\tID\tDOWNLOADS")
	fmt.Fprintln(w, "----\t----\t--\t---------")
	for _, p := range peers {
		for _, r := range p.Results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.BaseURL, r.Name, r.ID, r.Downloads)
		}
	}
	return w.Flush()
}

func cmdGet(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string, dir bool) error {
	if len(args) != 2 {
		if dir {
			return errors.New("usage: getdir <peer-url> <id>")
		}
		return errors.New("usage: get <peer-url> <id>")
	}
	peer, id := args[0], args[1]

	engine := download.NewEngine(download.DefaultConfig(), logger)
	p := &progress{}

	var res download.Result
	if dir {
		s := engine.DownloadDir(ctx, peer, id, cfg.DownloadDir, p.handle)
		res = waitOrCancel(ctx, engine, s.Done(), s.Wait)
	} else {
		s := engine.DownloadFile(ctx, download.ContentURL(peer, id), cfg.DownloadDir, p.handle)
		res = waitOrCancel(ctx, engine, s.Done(), s.Wait)
	}
	fmt.Println()

	switch res.State {
	case download.StateFinished:
		fmt.Printf("Saved %s (%s)\n", res.Path, formatSize(res.Bytes))
		for _, ce := range res.ChildErrors {
			fmt.Fprintf(os.Stderr, "  failed: %s: %v\n", ce.Path, ce.Err)
		}
		if len(res.ChildErrors) > 0 {
			return fmt.Errorf("%d item(s) failed", len(res.ChildErrors))
		}
		return nil
	case download.StateCancelled:
		return errors.New("cancelled")
	default:
		return res.Err
	}
}

// waitOrCancel waits for a session, cancelling every download on Ctrl-C.
func waitOrCancel(ctx context.Context, engine *download.Engine, done <-chan struct{}, wait func() download.Result) download.Result {
	select {
	case <-done:
	case <-ctx.Done():
		engine.CancelAll()
	}
	return wait()
}

// progress prints a single updating line.
type progress struct{}

func (p *progress) handle(ev download.Event) {
	switch ev.Kind {
	case download.EventStart:
		fmt.Printf("Downloading %s (%s)\n", ev.Path, formatSize(ev.Size))
	case download.EventProgress:
		fmt.Printf("\r  %5.1f%%", ev.Ratio*100)
	}
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < 0 {
		return "unknown size"
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
