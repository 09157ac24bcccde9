// Epiclink - industrial controller discovery and data acquisition service.
//
// Discovers EPIC/SNAP-class controllers via UDP broadcast, polls their
// registers over Modbus/TCP and republishes samples via MQTT, Valkey, Kafka
// and a REST API.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"epiclink/api"
	"epiclink/config"
	"epiclink/engine"
	"epiclink/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting
// "all" as the default, so `--log-debug` alone enables all subsystems.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	noDiscovery = flag.Bool("no-discovery", false, "Disable UDP discovery (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")
)

func main() {
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("epiclink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
	if *namespace != "" {
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Flag overrides (in memory only)
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
		cfg.Web.Enabled = true
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *noAPI {
		cfg.Web.Enabled = false
	}
	if *noDiscovery {
		cfg.Discovery.Enabled = false
	}

	run(cfg)
}

func run(cfg *config.Config) {
	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
			fileLogger = nil
		} else {
			fileLogger.SetPrefix("epiclink")
		}
	}

	var debugLogger *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
		}
	}

	eng := engine.New(cfg)

	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Discovery.Enabled {
		fmt.Printf("Discovery on udp/%d (scan every %s)\n",
			cfg.Discovery.Port, cfg.Discovery.BroadcastInterval)
	}
	fmt.Printf("Monitoring %d configured controller(s), namespace '%s'\n",
		len(cfg.Controllers), cfg.Namespace)

	var server *api.Server
	if cfg.Web.Enabled {
		server = api.NewServer(eng, &cfg.Web)
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start API server on port %d: %v\n", cfg.Web.Port, err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
			if fileLogger != nil {
				fileLogger.LogError("api server", err)
			}
			server = nil
		} else {
			fmt.Printf("REST API at %s/api/\n", server.Address())
		}
	}

	if fileLogger != nil {
		fileLogger.Log("epiclink %s started", Version)
	}

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)

	shutdownDone := make(chan struct{})
	go func() {
		if server != nil {
			server.Stop()
		}
		eng.Stop()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
	}

	if fileLogger != nil {
		fileLogger.Log("epiclink stopped")
		fileLogger.Close()
	}
	if debugLogger != nil {
		debugLogger.Close()
	}

	fmt.Println("Stopped")
}
