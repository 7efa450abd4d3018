// Package main provides the entry point for the Tunnel Supervisor.
// Tunnel Supervisor establishes a TUN interface, hands it to a relay
// process and keeps both alive on behalf of an external control process.
//
// Features:
//   - File-based command mailbox (start:<port>, stop) and status file
//   - Tunnel consent through polkit
//   - Relay launched with the tunnel descriptor inherited
//   - Liveness supervision and revocation handling
//   - Session history for diagnostics
//
// Usage:
//
//	tunnel-supervisor --daemon
//	tunnel-supervisor --start PORT [--wait]
//
// Environment:
//
//	The daemon needs CAP_NET_ADMIN (or polkit consent) and iproute2.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/yllada/tunnel-supervisor/cli"
	"github.com/yllada/tunnel-supervisor/common"
	"github.com/yllada/tunnel-supervisor/config"
	"github.com/yllada/tunnel-supervisor/history"
	"github.com/yllada/tunnel-supervisor/launcher"
	"github.com/yllada/tunnel-supervisor/mailbox"
	"github.com/yllada/tunnel-supervisor/tunnel"
	"github.com/yllada/tunnel-supervisor/vpn"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	// General flags
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")
	configPath  = flag.String("config", "", "Path to an alternate configuration file")

	// Daemon
	runDaemon = flag.Bool("daemon", false, "Run the supervisor")

	// Producer flags
	startPort    = flag.Int("start", -1, "Start a tunnel to the local proxy on PORT (0 = default)")
	stopTunnel   = flag.Bool("stop", false, "Stop the tunnel")
	waitOutcome  = flag.Bool("wait", false, "Wait for the outcome of --start or --stop")
	showStatus   = flag.Bool("status", false, "Show the last published status")
	deepLink     = flag.String("deep-link", "", "Deliver a deep link URL")
	openURL      = flag.String("open-url", "", "Ask the supervisor to open a URL")
	showHistory  = flag.Bool("history", false, "List recent sessions")
	clearHistory = flag.Bool("clear-history", false, "Delete the session history")
)

func main() {
	flag.Parse()

	// Handle help flag
	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	// Handle version flag
	if *showVersion {
		fmt.Printf("Tunnel Supervisor v%s\n", appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	// Initialize logger with structured logging and file output
	logLevel := common.LevelInfo
	if *verbose {
		logLevel = common.LevelDebug
	}

	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  *runDaemon,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}
	defer common.CloseLogger()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Setup graceful shutdown context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals (SIGINT, SIGTERM)
	setupSignalHandler(cancel)

	if *runDaemon {
		if err := runSupervisor(ctx, cfg); err != nil {
			common.LogError("Supervisor failed: %v", err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if !runCLI(ctx, cfg) {
		cli.PrintHelp()
		os.Exit(2)
	}
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.LoadFrom(*configPath)
	}
	return config.Load()
}

// runSupervisor wires the daemon and runs it until ctx is cancelled.
func runSupervisor(ctx context.Context, cfg *config.Config) error {
	common.LogInfo("Starting %s v%s", common.AppName, appVersion)

	if !checkIPRouteInstalled() {
		common.LogWarn("iproute2 (ip) not found in PATH; tunnel configuration will fail")
	}

	relayLog, err := common.GetLogger().OpenRelayLog()
	if err != nil {
		common.LogWarn("Relay output will be discarded: %v", err)
		relayLog = nil
	} else {
		defer relayLog.Close()
	}

	deps := vpn.Deps{
		Broker:   tunnel.NewBroker(cfg.Consent.Mode, cfg.Consent.Action, cfg.Intervals.RevokePoll),
		Launcher: launcher.NewNative(relayLog),
		Opener:   mailbox.ExecOpener{},
	}

	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		common.LogWarn("Session history disabled: %v", err)
	} else {
		defer store.Close()
		deps.Recorder = store
	}

	svc := vpn.NewService(cfg, deps)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	select {
	case <-ctx.Done():
		svc.Shutdown()
		return <-errCh
	case err := <-errCh:
		svc.Shutdown()
		return err
	}
}

// runCLI handles producer operations. It returns false when no
// operation was requested.
func runCLI(ctx context.Context, cfg *config.Config) bool {
	cliApp := cli.New(cfg)

	var cliErr error

	switch {
	case *startPort >= 0:
		cliErr = cliApp.Start(ctx, *startPort, *waitOutcome)
	case *stopTunnel:
		cliErr = cliApp.Stop(ctx, *waitOutcome)
	case *showStatus:
		cliErr = cliApp.Status()
	case *deepLink != "":
		cliErr = cliApp.DeepLink(*deepLink)
	case *openURL != "":
		cliErr = cliApp.OpenURL(*openURL)
	case *showHistory:
		cliErr = cliApp.History(20)
	case *clearHistory:
		cliErr = cliApp.ClearHistory()
	default:
		return false
	}

	if cliErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cliErr)
		os.Exit(1)
	}
	return true
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}

// checkIPRouteInstalled verifies that the ip tool is available.
func checkIPRouteInstalled() bool {
	_, err := exec.LookPath("ip")
	return err == nil
}
