// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/petervdpas/peercall/internal/app"
	"github.com/petervdpas/peercall/internal/config"
	"github.com/petervdpas/peercall/internal/relay"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	sessions = flag.String("sessions", "", "Comma-separated session ids to listen on for incoming call requests")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("peercall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: peercall peer <endpoint-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires a listen address")
			fmt.Fprintln(os.Stderr, "Usage: peercall relay <addr> (e.g. :8787)")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid endpoint directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Endpoint directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "peercall.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}

	var listenSessions []string
	for _, s := range strings.Split(*sessions, ",") {
		if s = strings.TrimSpace(s); s != "" {
			listenSessions = append(listenSessions, s)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:            absDir,
		CfgPath:        cfgPath,
		Cfg:            cfg,
		ListenSessions: listenSessions,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runRelay(addr string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	srv := relay.NewServer()
	defer srv.Close()
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

func showUsage() {
	fmt.Println(`peercall - consent-gated WebRTC call coordinator

Usage:
  peercall peer <endpoint-directory>   Run a call endpoint (config: <dir>/peercall.json)
  peercall relay <addr>                Run a signal relay server (e.g. :8787)

Flags:
  -sessions s1,s2   Session ids to listen on for incoming call requests
  -version          Show version
  -h                Show help`)
}
