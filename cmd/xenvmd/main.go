// Command xenvmd is the XenVM control-plane daemon: it opens a volume
// group backed by pkg/lvmcodec, replays its durable journal, and
// serves pkg/rpcserver over a TCP port and/or a Unix-domain socket
// until told to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cheng-z/xenvm/pkg/allocator"
	"github.com/cheng-z/xenvm/pkg/config"
	"github.com/cheng-z/xenvm/pkg/dispatch"
	"github.com/cheng-z/xenvm/pkg/hostregistry"
	"github.com/cheng-z/xenvm/pkg/journal"
	"github.com/cheng-z/xenvm/pkg/lvmcodec"
	"github.com/cheng-z/xenvm/pkg/metrics"
	"github.com/cheng-z/xenvm/pkg/rpcserver"
	"github.com/cheng-z/xenvm/pkg/vgstore"
	"github.com/cheng-z/xenvm/pkg/xenvmlog"
	"github.com/cheng-z/xenvm/pkg/xenvmtypes"
)

// reexecEnv marks a process as the forked child of a --daemon launch,
// so the re-exec only ever happens once.
const reexecEnv = "XENVMD_REEXEC"

// defaultDeviceExtents is the synthetic capacity assigned to every
// configured device: lvmcodec has no real block-device underneath to
// stat, so each device contributes a fixed number of 4-MiB extents
// (10 GiB) to the volume group on first start.
const defaultDeviceExtents = 2560

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "xenvmd: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xenvmd",
	Short: "XenVM control-plane daemon",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("config", "", "path to the daemon's YAML config file (required)")
	flags.Uint16("port", 0, "TCP port to listen on, overriding the config file")
	flags.String("path", "", "Unix-domain socket path to listen on, overriding the config file")
	flags.Bool("daemon", false, "fork into the background once the listener is bound")
	flags.String("data-dir", "/var/lib/xenvmd", "directory for the VG store and journal state")
	flags.String("metrics-addr", "127.0.0.1:9090", "address to serve /metrics on")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "output logs as JSON")
	_ = rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	daemonize, _ := cmd.Flags().GetBool("daemon")

	if daemonize && os.Getenv(reexecEnv) == "" {
		return forkAndWaitForBind(cmd)
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	xenvmlog.Init(xenvmlog.Config{Level: xenvmlog.Level(logLevel), JSONOutput: logJSON})
	logger := xenvmlog.WithComponent("xenvmd")

	var portOverride *uint16
	if port, _ := cmd.Flags().GetUint16("port"); port != 0 {
		portOverride = &port
	}
	var pathOverride *string
	if path, _ := cmd.Flags().GetString("path"); path != "" {
		pathOverride = &path
	}
	cfg, err := config.Load(configPath, config.Overrides{ListenPort: portOverride, ListenPath: pathOverride})
	if err != nil {
		return err
	}

	dataDir, _ := cmd.Flags().GetString("data-dir")
	d, collector, err := startControlPlane(cfg, dataDir, logger)
	if err != nil {
		return err
	}
	defer collector.Stop()

	srv, err := rpcserver.New(d)
	if err != nil {
		return fmt.Errorf("xenvmd: build rpc server: %w", err)
	}
	metrics.RegisterComponent("rpcserver", true, "")

	var lockPath string
	if cfg.ListenPort != nil {
		if err := srv.ServeTCP(*cfg.ListenPort); err != nil {
			return fmt.Errorf("xenvmd: serve tcp: %w", err)
		}
		logger.Info().Uint16("port", *cfg.ListenPort).Msg("listening")
	}
	if cfg.ListenPath != nil {
		lockPath = *cfg.ListenPath + ".lock"
		if err := writePidfile(lockPath); err != nil {
			return err
		}
		if err := srv.ServeUnix(*cfg.ListenPath); err != nil {
			return fmt.Errorf("xenvmd: serve unix: %w", err)
		}
		logger.Info().Str("path", *cfg.ListenPath).Msg("listening")
	}

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	go serveMetrics(metricsAddr, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)

	var fatalErr error
	select {
	case <-sigCh:
		logger.Info().Msg("received SIGTERM, shutting down")
	case fatalErr = <-d.FatalCh():
		logger.Error().Err(fatalErr).Msg("fatal error, shutting down")
	}

	if err := d.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("rpc server shutdown")
	}
	if lockPath != "" {
		_ = os.Remove(lockPath)
	}
	return fatalErr
}

// startControlPlane opens the volume group (seeding it from cfg on
// first run) and wires the dispatcher, journal, host registry and
// free-pool controller with the same New/journal.Start/Bootstrap
// sequence the hostsim and rpcserver test harnesses use.
func startControlPlane(cfg *xenvmtypes.Config, dataDir string, logger zerolog.Logger) (*dispatch.Dispatcher, *metrics.Collector, error) {
	backend := lvmcodec.NewMemBackend()

	store, err := vgstore.Open(filepath.Join(dataDir, "vg.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("xenvmd: open vg store: %w", err)
	}
	metrics.RegisterComponent("vgstore", true, "")

	pvs := make([]xenvmtypes.PVInfo, len(cfg.Devices))
	var freeSpace []xenvmtypes.ExtentRange
	for i, dev := range cfg.Devices {
		name := fmt.Sprintf("pv%d", i)
		pvs[i] = xenvmtypes.PVInfo{Name: name, Device: dev, Extents: defaultDeviceExtents}
		freeSpace = append(freeSpace, xenvmtypes.ExtentRange{PV: name, Start: 0, Length: defaultDeviceExtents})
	}
	if err := store.Init(&xenvmtypes.VolumeGroup{
		Name:          cfg.VGName,
		ExtentSectors: 8192,
		PVs:           pvs,
		FreeSpace:     freeSpace,
		LVs:           map[string]*xenvmtypes.LogicalVolume{},
	}); err != nil {
		return nil, nil, fmt.Errorf("xenvmd: init vg: %w", err)
	}

	d := dispatch.New(store, nil, nil, nil)
	jr, err := journal.Start(journal.Config{
		NodeID:   "xenvmd",
		DataDir:  filepath.Join(dataDir, "journal"),
		BindAddr: "127.0.0.1:0",
	}, d.Apply)
	if err != nil {
		return nil, nil, fmt.Errorf("xenvmd: start journal: %w", err)
	}
	metrics.RegisterComponent("journal", true, "")

	hosts := hostregistry.New(backend, store, jr, xenvmlog.WithComponent("hostregistry"))
	ctrl := allocator.New(store, jr, hosts, cfg.HostAllocationQuantumMiB, cfg.HostLowWaterMarkMiB)
	ctrl.Start()
	d.Bootstrap(jr, hosts, ctrl.Stop)

	collector := metrics.NewCollector(store, hosts)
	collector.Start()

	logger.Info().Str("vg", cfg.VGName).Int("devices", len(cfg.Devices)).Msg("control plane ready")
	return d, collector, nil
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server")
	}
}

// writePidfile creates path exclusively, so two daemons can never
// share the same Unix-socket lock file, and writes this process's pid
// into it.
func writePidfile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("xenvmd: pidfile %s: %w", path, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}

// forkAndWaitForBind re-execs this binary with reexecEnv set, then
// polls the configured listen endpoint until the child signals
// readiness by successfully binding, or 30s elapse. The endpoint it
// polls comes from --port/--path, not the config file, --daemon
// requires at least one of them passed explicitly on the command line.
func forkAndWaitForBind(cmd *cobra.Command) error {
	child := exec.Command(os.Args[0], os.Args[1:]...)
	child.Env = append(os.Environ(), reexecEnv+"=1")
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	if err := child.Start(); err != nil {
		return fmt.Errorf("xenvmd: fork: %w", err)
	}

	port, _ := cmd.Flags().GetUint16("port")
	path, _ := cmd.Flags().GetString("path")

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if dialReady(port, path) {
			fmt.Printf("xenvmd started, pid %d\n", child.Process.Pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	_ = child.Process.Kill()
	return fmt.Errorf("xenvmd: child did not bind within 30s")
}

func dialReady(port uint16, path string) bool {
	if port != 0 {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
	if path != "" {
		conn, err := net.DialTimeout("unix", path, time.Second)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
	return false
}
