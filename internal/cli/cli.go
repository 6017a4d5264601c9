// ============================================================================
// Peer-Broker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   peer-broker                    # Root command
//   ├── run                        # Start the broker support layer
//   ├── check                      # Verify platform datatype widths
//   ├── probe                      # Open and close one connection
//   │   ├── --host, --port         # Remote peer (port 0 = in-process)
//   │   └── --socket               # Local socket path
//   ├── status                     # View configuration and shared state
//   ├── --config, -c               # Specify config file
//   ├── --verbose, -v              # Force debug logging
//   └── --version                  # Display version information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Fields missing from the file keep the values of DefaultConfig().
//   Configuration items include:
//   - broker: host name, port, local socket path, known peers
//   - transport: fragment retry interval and per-transfer timeout
//   - connect: attempts, backoff and per-attempt dial timeout
//   - health: gRPC health service port and poll interval
//   - metrics: Prometheus monitoring configuration
//   - log: slog level
//
// run Command:
//   1. Load config file and configure slog
//   2. Verify datatype widths (exit status 1 on mismatch)
//   3. Create shared state, host record and connection manager
//   4. Probe configured peers and the local socket, register the peers
//   5. Start Metrics HTTP server and gRPC health service (if enabled)
//   6. Listen for system signals (SIGINT, SIGTERM)
//   7. Mark host zombie, stop services and clear every registry
//
//   Examples:
//     ./peer-broker run
//     ./peer-broker run -c custom-config.yaml -v
//
// probe Command:
//   Opens one connection through the connection manager and closes it.
//   Failures report the connection error kind and its legacy code.
//
//   Examples:
//     ./peer-broker probe --host node-b --port 1972
//     ./peer-broker probe --socket /tmp/peer-broker.sock
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/peer-broker/internal/broker"
	"github.com/ChuLiYu/peer-broker/internal/connmgr"
	"github.com/ChuLiYu/peer-broker/internal/health"
	"github.com/ChuLiYu/peer-broker/internal/metrics"
	"github.com/ChuLiYu/peer-broker/internal/platform"
	"github.com/ChuLiYu/peer-broker/internal/transport"
	"github.com/ChuLiYu/peer-broker/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Broker struct {
		Host   string   `yaml:"host"`
		Port   int      `yaml:"port"`
		Socket string   `yaml:"socket"`
		Peers  []string `yaml:"peers"` // host:port
	} `yaml:"broker"`

	Transport struct {
		RetryInterval time.Duration `yaml:"retry_interval"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"transport"`

	Connect struct {
		Attempts    int           `yaml:"attempts"`
		Backoff     time.Duration `yaml:"backoff"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
	} `yaml:"connect"`

	Health struct {
		Enabled      bool          `yaml:"enabled"`
		Port         int           `yaml:"port"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"health"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultConfig returns the values used for anything the config file omits
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Broker.Host = "localhost"
	cfg.Broker.Port = 1972
	cfg.Transport.RetryInterval = transport.DefaultRetryInterval
	cfg.Connect.Attempts = connmgr.DefaultConnectAttempts
	cfg.Connect.Backoff = connmgr.DefaultConnectBackoff
	cfg.Health.Enabled = true
	cfg.Health.Port = 50051
	cfg.Health.PollInterval = health.DefaultPollInterval
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	return cfg
}

// ConnectConfig converts the connect and transport sections for connmgr
func (c *Config) ConnectConfig() connmgr.Config {
	return connmgr.Config{
		ConnectAttempts: c.Connect.Attempts,
		ConnectBackoff:  c.Connect.Backoff,
		DialTimeout:     c.Connect.DialTimeout,
		Transfer: transport.Options{
			RetryInterval: c.Transport.RetryInterval,
			Timeout:       c.Transport.Timeout,
		},
	}
}

var (
	configFile  string
	verbose     bool
	globalState *broker.State
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "peer-broker",
		Short: "Peer-Broker: support layer of a peer-to-peer job broker",
		Long: `Peer-Broker provides the plumbing every broker participant shares:
- Complete transfers over fragmenting stream sockets
- Retrying TCP and local socket connections
- Thread-safe shared registries
- Prometheus metrics and gRPC health checking`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "force debug logging")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildCheckCommand())
	rootCmd.AddCommand(buildProbeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Peer-Broker support layer",
		Long:  "Verify the platform, then serve metrics and health until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem()
		},
	}
	return cmd
}

func runSystem() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg.Log.Level, verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	platform.MustCheckDatatypes(logger.With("component", "platform"))

	log.Printf("Starting Peer-Broker with config: %s\n", configFile)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	state := broker.NewState(broker.WithMetrics(collector), broker.WithLogger(logger.With("component", "broker")))
	state.SetHost(types.HostRecord{Name: cfg.Broker.Host, Port: cfg.Broker.Port, Status: types.HostIdle})
	globalState = state

	mgr := connmgr.New(cfg.ConnectConfig(),
		connmgr.WithMetrics(collector),
		connmgr.WithLogger(logger.With("component", "connmgr")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registerPeers(ctx, state, mgr, cfg.Broker.Peers); err != nil {
		return err
	}
	if err := checkLocalSocket(ctx, mgr, cfg.Broker.Socket); err != nil {
		slog.Warn("local broker socket unreachable", "socket", cfg.Broker.Socket,
			"kind", connmgr.KindOf(err), "code", connmgr.KindOf(err).Code(), "error", err)
	}

	// Start Metrics
	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	// Start Health
	var hs *health.Server
	if cfg.Health.Enabled {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Health.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.Health.Port, err)
		}
		hs = health.NewServer(state, cfg.Health.PollInterval, logger.With("component", "health"))
		go hs.Run(ctx)
		go func() {
			if err := hs.Serve(lis); err != nil {
				log.Printf("Health server error: %v\n", err)
			}
		}()
	}

	log.Println("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Println("\nReceived shutdown signal, stopping gracefully...")

	state.SetHostStatus(types.HostZombie)
	cancel()
	if hs != nil {
		hs.Stop()
	}
	state.Reset()
	globalState = nil

	log.Println("System stopped. Goodbye!")
	return nil
}

// registerPeers checks that every configured peer accepts connections and
// then adds it to the shared registries. Unreachable peers are registered
// with a zero LastSeen.
func registerPeers(ctx context.Context, state *broker.State, mgr *connmgr.Manager, peers []string) error {
	for _, p := range peers {
		host, port, err := splitPeer(p)
		if err != nil {
			return err
		}

		peer := &types.Peer{ID: types.PeerID(p), Host: host, Port: port}
		if h, err := mgr.OpenRemote(ctx, host, port); err != nil {
			slog.Warn("peer unreachable", "peer", p, "kind", connmgr.KindOf(err), "error", err)
		} else {
			peer.LastSeen = time.Now().UnixMilli()
			if err := mgr.Close(h); err != nil {
				slog.Warn("closing probe connection", "peer", p, "error", err)
			}
		}

		// 節點欄位在插入前填好，之後只在登錄表鎖內存取
		state.Hosts.Insert(&types.HostEntry{Name: host})
		state.Peers.Insert(peer)
	}
	return nil
}

// checkLocalSocket connects to the configured local broker socket once.
// An empty path means no local socket is configured.
func checkLocalSocket(ctx context.Context, mgr *connmgr.Manager, path string) error {
	if path == "" {
		return nil
	}
	h, err := mgr.OpenLocal(ctx, path)
	if err != nil {
		return err
	}
	slog.Info("local broker socket reachable", "socket", path)
	return mgr.Close(h)
}

func splitPeer(p string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid peer %q: %w", p, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid peer port %q: %w", p, err)
	}
	return host, port, nil
}

// ============================================================================
// check
// ============================================================================

func buildCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify platform datatype widths",
		Long:  "Compare every wire datatype width with what the protocol expects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkPlatform(cmd.OutOrStdout())
		},
	}
	return cmd
}

func checkPlatform(w io.Writer) error {
	for _, d := range platform.Datatypes() {
		mark := "✅"
		if d.Memory != d.Want || d.Encoding != d.Want {
			mark = "❌"
		}
		fmt.Fprintf(w, "  %s %-8s want %d, memory %d, wire %d\n", mark, d.Name, d.Want, d.Memory, d.Encoding)
	}
	if err := platform.CheckDatatypes(); err != nil {
		return err
	}
	fmt.Fprintln(w, "Platform matches wire protocol")
	return nil
}

// ============================================================================
// probe
// ============================================================================

func buildProbeCommand() *cobra.Command {
	var host, socket string
	var port int

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open and close one connection",
		Long:  "Connect to a peer over TCP (--host/--port) or a local socket (--socket) and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" && host == "" && port != 0 {
				return fmt.Errorf("--host is required with --port (or use --socket)")
			}
			return probe(cmd.Context(), cmd.OutOrStdout(), host, port, socket)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "peer host name or address")
	cmd.Flags().IntVar(&port, "port", 0, "peer port (0 = in-process peer)")
	cmd.Flags().StringVar(&socket, "socket", "", "local socket path")

	return cmd
}

func probe(ctx context.Context, w io.Writer, host string, port int, socket string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(os.Stderr, cfg.Log.Level, verbose)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	mgr := connmgr.New(cfg.ConnectConfig(), connmgr.WithLogger(logger.With("component", "connmgr")))

	var h *connmgr.Handle
	target := socket
	if socket != "" {
		h, err = mgr.OpenLocal(ctx, socket)
	} else {
		target = net.JoinHostPort(host, strconv.Itoa(port))
		h, err = mgr.OpenRemote(ctx, host, port)
	}
	if err != nil {
		kind := connmgr.KindOf(err)
		fmt.Fprintf(w, "❌ %s: %s (code %d)\n", target, kind, kind.Code())
		return err
	}

	if h.Direct() {
		fmt.Fprintf(w, "✅ %s: in-process peer\n", target)
	} else {
		fmt.Fprintf(w, "✅ %s: connected via %s\n", target, h.Network())
	}
	return mgr.Close(h)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display configuration and shared registry statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Peer-Broker System Status                       ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Host:            %s:%d\n", cfg.Broker.Host, cfg.Broker.Port)
	fmt.Fprintf(w, "  ├─ Local Socket:    %s\n", orNone(cfg.Broker.Socket))
	fmt.Fprintf(w, "  └─ Known Peers:     %d\n", len(cfg.Broker.Peers))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "🔌 Connections:")
	fmt.Fprintf(w, "  ├─ Attempts:        %d (backoff %s)\n", cfg.Connect.Attempts, cfg.Connect.Backoff)
	fmt.Fprintf(w, "  ├─ Dial Timeout:    %s\n", durationOrNone(cfg.Connect.DialTimeout))
	fmt.Fprintf(w, "  ├─ Retry Interval:  %s\n", cfg.Transport.RetryInterval)
	fmt.Fprintf(w, "  └─ Transfer Limit:  %s\n", durationOrNone(cfg.Transport.Timeout))
	fmt.Fprintln(w)

	state := globalState
	fmt.Fprintln(w, "📊 Shared State:")
	if state == nil {
		fmt.Fprintln(w, "  └─ Broker not running in this process (run 'peer-broker run' to start)")
		state = broker.NewState()
	}
	desc, err := state.Describe()
	if err != nil {
		return fmt.Errorf("failed to describe state: %w", err)
	}
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	fmt.Fprintln(w, string(out))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w, "💓 Health:")
	if cfg.Health.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ grpc.health.v1 on :%d (service %q)\n", cfg.Health.Port, health.ServiceName)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func durationOrNone(d time.Duration) string {
	if d <= 0 {
		return "(none)"
	}
	return d.String()
}

// ============================================================================
// config & logging
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}

var errLogLevel = errors.New("invalid log level")

// newLogger builds the text logger every component derives from
func newLogger(w io.Writer, level string, verbose bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("%w %q", errLogLevel, level)
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
