package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plancton/plancton/pkg/agent"
	"github.com/plancton/plancton/pkg/config"
	"github.com/plancton/plancton/pkg/controlplane"
	"github.com/plancton/plancton/pkg/engine"
	"github.com/plancton/plancton/pkg/hostprobe"
	"github.com/plancton/plancton/pkg/log"
	"github.com/plancton/plancton/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "plancton",
	Short: "Plancton - Opportunistic worker containers for idle hosts",
	Long: `Plancton is a host-local agent that fills a machine with ephemeral
worker containers when the host has spare CPU, and evicts them when the
host is under pressure, when they exceed their time-to-live, or when the
operator requests it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Plancton version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("run-dir", "/var/run/plancton", "Runtime directory for control sentinels")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(forceStopCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("run-dir")
	return dir
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the Plancton agent",
	Long: `Start the control loop in the foreground. The agent spawns workers
while the host has spare CPU and reconciles the owned set every tick.
Process supervision (systemd or similar) is expected to daemonize it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		socket, _ := cmd.Flags().GetString("socket")

		probe, err := hostprobe.New()
		if err != nil {
			return fmt.Errorf("failed to probe host CPUs: %w", err)
		}

		cp, err := controlplane.New(runDir(cmd))
		if err != nil {
			return fmt.Errorf("failed to prepare runtime directory: %w", err)
		}

		// The retry hook reports a waiting daemon to telemetry while the
		// engine is unreachable; the agent pointer is set right below.
		var a *agent.Agent
		policy := engine.DefaultRetryPolicy()
		policy.OnRetry = func(op string, err error, delay time.Duration) {
			metrics.EngineRetriesTotal.Inc()
			if a != nil {
				a.EmitStatus("waiting")
			}
		}

		client, err := engine.NewDockerClient(socket, policy)
		if err != nil {
			return fmt.Errorf("failed to set up engine client: %w", err)
		}

		store := config.NewStore(configPath, probe.NumCPUs())
		if cfg := store.Load(); cfg.MetricsListen != "" {
			metrics.Init()
			metrics.StartServer(cfg.MetricsListen)
		}

		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		hostname = strings.SplitN(hostname, ".", 2)[0]

		a = agent.New(client, probe, store, cp, hostname)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT)
		go func() {
			sig := <-sigCh
			log.Logger.Info().Str("signal", sig.String()).Msg("Termination requested, will exit gracefully")
			a.RequestStop()
		}()

		log.Logger.Info().
			Str("version", Version).
			Int("pid", os.Getpid()).
			Msg("Plancton agent starting")
		return a.Run(context.Background())
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Stop spawning new workers, keep existing ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		stop, _ := cmd.Flags().GetBool("stop")
		cp, err := controlplane.New(runDir(cmd))
		if err != nil {
			return err
		}
		if err := cp.Drain(stop); err != nil {
			return err
		}
		if stop {
			fmt.Println("Drain-stop requested: the daemon exits once all workers are gone")
		} else {
			fmt.Println("Drain requested: no new workers will be started")
		}
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Leave drain mode and spawn workers again",
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := controlplane.New(runDir(cmd))
		if err != nil {
			return err
		}
		if err := cp.Resume(); err != nil {
			return err
		}
		fmt.Println("Resumed: new workers will be started")
		return nil
	},
}

var forceStopCmd = &cobra.Command{
	Use:   "force-stop",
	Short: "Evict all owned workers immediately",
	Long: `Request the eviction of every owned worker on the next tick. The
daemon keeps running; combine with drain to stop it spawning again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := controlplane.New(runDir(cmd))
		if err != nil {
			return err
		}
		if err := cp.ForceStop(); err != nil {
			return err
		}
		fmt.Println("Force-stop requested: all workers will be evicted")
		return nil
	},
}

func init() {
	startCmd.Flags().String("config", "/etc/plancton/config.yaml", "Path to the configuration file")
	startCmd.Flags().String("socket", engine.DefaultSocket, "Container engine socket address")
	drainCmd.Flags().Bool("stop", false, "Also exit the daemon once the owned set is empty")
}
