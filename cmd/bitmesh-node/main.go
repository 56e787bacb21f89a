package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"bitmesh/internal/core"
	"bitmesh/internal/identity"
	"bitmesh/internal/logging"
	"bitmesh/internal/store"
	"bitmesh/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "fingerprint":
		return runFingerprint(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: bitmesh-node <run|fingerprint> [args]")
	fmt.Fprintln(w, "  run  [--nick <name>] [--listen <ip:port>] [--relays <url,url>] [--log-level <level>] [--log-file <path>]")
	fmt.Fprintln(w, "  fingerprint")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".bitmesh")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nick := fs.String("nick", "", "nickname announced to the mesh")
	listen := fs.String("listen", "", "QUIC dev link listen addr (host:port); empty disables the link")
	relays := fs.String("relays", os.Getenv("BITMESH_RELAYS"), "comma-separated nostr relay URLs")
	logLevel := fs.String("log-level", "info", "debug|info|warn|error")
	logFile := fs.String("log-file", "", "rotating log file path")
	root := fs.String("root", homeDir(), "state directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	log := logging.New(logging.Options{Level: *logLevel, FilePath: *logFile})
	defer log.Sync()

	kv, err := store.OpenFileStore(filepath.Join(*root, "state"))
	if err != nil {
		fmt.Fprintf(stderr, "open state store: %v\n", err)
		return 1
	}

	opts := core.Options{
		Nickname:     *nick,
		OutboxPath:   filepath.Join(*root, "outbox.db"),
		SnapshotPath: filepath.Join(*root, "metrics.json"),
		Logger:       log,
	}
	if *relays != "" {
		for _, u := range strings.Split(*relays, ",") {
			if u = strings.TrimSpace(u); u != "" {
				opts.Relays = append(opts.Relays, u)
			}
		}
	}

	if *listen != "" {
		id, err := identity.LoadOrCreate(kv, *nick)
		if err != nil {
			fmt.Fprintf(stderr, "load identity: %v\n", err)
			return 1
		}
		short := id.ShortID()
		opts.BLE = transport.NewQUICLink(hex.EncodeToString(short[:]), *listen, log)
	}

	c, err := core.New(kv, opts)
	if err != nil {
		fmt.Fprintf(stderr, "start core: %v\n", err)
		return 1
	}

	log.Info("bitmesh node starting",
		zap.String("fingerprint", c.Fingerprint()),
		zap.String("nickname", c.Nickname()),
		zap.Strings("relays", opts.Relays))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		for ev := range c.Events() {
			logEvent(log, ev)
		}
	}()

	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "core stopped: %v\n", err)
		return 1
	}
	log.Info("bitmesh node stopped")
	return 0
}

func logEvent(log *zap.Logger, ev core.Event) {
	switch e := ev.(type) {
	case core.MessageReceived:
		log.Info("message received",
			zap.String("from", fmt.Sprintf("%x", e.From)),
			zap.Bool("encrypted", e.Encrypted),
			zap.Int("bytes", len(e.Content)))
	case core.PeerConnected:
		log.Info("peer connected", zap.String("nickname", e.Nickname), zap.String("fingerprint", e.Fingerprint))
	case core.PeerDisconnected:
		log.Info("peer disconnected", zap.String("peer", fmt.Sprintf("%x", e.Peer)))
	case core.RelayChanged:
		log.Info("relay status", zap.String("relay", e.Inner.URL), zap.String("status", e.Inner.Status.String()))
	case core.DeliveryUpdate:
		log.Info("delivery update", zap.String("message", e.Inner.MessageID), zap.String("status", e.Inner.Status.String()))
	}
}

func runFingerprint(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", homeDir(), "state directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	kv, err := store.OpenFileStore(filepath.Join(*root, "state"))
	if err != nil {
		fmt.Fprintf(stderr, "open state store: %v\n", err)
		return 1
	}
	c, err := core.New(kv, core.Options{OutboxPath: ":memory:"})
	if err != nil {
		fmt.Fprintf(stderr, "load identity: %v\n", err)
		return 1
	}
	out := map[string]string{
		"fingerprint": c.Fingerprint(),
		"nostr_pub":   c.NostrPublicKey(),
		"nickname":    c.Nickname(),
	}
	enc, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(stdout, string(enc))
	return 0
}
