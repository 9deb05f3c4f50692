// Package main is a small driver for exercising a multiplexed language
// server from the command line: it attaches, runs the initialize handshake,
// prints notifications, and detaches on interrupt.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/lspmux"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	ConfigPath string
	Server     string
	Trace      bool
	Timeout    time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := lspmux.LoadConfig(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	muxOpts := []lspmux.MuxOption{lspmux.WithLogger(logger)}
	if opts.Trace {
		muxOpts = append(muxOpts, lspmux.WithTrace(func(kind lspmux.TraceKind, body string) {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", kind, body)
		}))
	}

	mux := lspmux.NewMux(muxOpts...)
	defer func() { _ = mux.Shutdown() }()

	if err := mux.RegisterConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	handle, err := mux.Attach(opts.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: attach %s: %v\n", opts.Server, err)
		return 1
	}
	defer handle.Detach()

	sub, err := handle.Subscribe(lspmux.Wildcard, func(n lspmux.Notification) {
		fmt.Printf("<- %s %s\n", n.Method, string(n.Params))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: subscribe: %v\n", err)
		return 1
	}
	defer handle.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := initialize(ctx, handle); err != nil {
		fmt.Fprintf(os.Stderr, "Error: initialize: %v\n", err)
		if stderr := handle.Stderr(); stderr != "" {
			fmt.Fprintf(os.Stderr, "Server stderr:\n%s\n", stderr)
		}
		return 1
	}

	fmt.Printf("Attached to %s (handle %s). Ctrl-C to exit.\n", handle.Server(), handle.ID())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
	case <-handle.Lost():
		fmt.Fprintf(os.Stderr, "Connection lost: %v\n", handle.Err())
		if stderr := handle.Stderr(); stderr != "" {
			fmt.Fprintf(os.Stderr, "Server stderr:\n%s\n", stderr)
		}
		return 1
	}

	shutdown(handle)
	return 0
}

// initialize runs the LSP handshake: initialize request, then the
// initialized notification.
func initialize(ctx context.Context, h *lspmux.Handle) error {
	params := map[string]any{
		"processId":    os.Getpid(),
		"rootUri":      nil,
		"capabilities": map[string]any{},
		"clientInfo": map[string]any{
			"name":    "lspmux",
			"version": version,
		},
	}

	result, err := h.Request(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var info struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &info); err == nil && info.ServerInfo.Name != "" {
		fmt.Printf("Server: %s %s\n", info.ServerInfo.Name, info.ServerInfo.Version)
	}

	return h.Notify(ctx, "initialized", map[string]any{})
}

// shutdown runs the polite exit sequence, best effort.
func shutdown(h *lspmux.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.Request(ctx, "shutdown", nil); err != nil {
		return
	}
	_ = h.Notify(ctx, "exit", nil)
}

func parseFlags() options {
	opts := options{}
	var showVersion bool

	flag.StringVar(&opts.ConfigPath, "config", "lspmux.yaml", "Path to server registry file")
	flag.StringVar(&opts.ConfigPath, "c", "lspmux.yaml", "Path to server registry file (shorthand)")
	flag.StringVar(&opts.Server, "server", "", "Registered server name to attach to")
	flag.StringVar(&opts.Server, "s", "", "Registered server name to attach to (shorthand)")
	flag.BoolVar(&opts.Trace, "trace", false, "Print wire traffic to stderr")
	flag.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Handshake timeout")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "lspmux - attach to a multiplexed language server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: lspmux -s name [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("lspmux %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		os.Exit(0)
	}

	if opts.Server == "" {
		flag.Usage()
		os.Exit(1)
	}

	return opts
}
