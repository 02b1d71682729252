// fleetplane agent: runs on every node and executes commands sent by the
// orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/markus-barta/fleetplane/internal/agent"
	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetplane-agent",
		Short: "fleetplane node agent",
		Long: `fleetplane-agent connects to the orchestrator and executes the commands
it receives. Configuration comes from FLEETPLANE_* environment variables:

  FLEETPLANE_URL                 Orchestrator base URL (required)
  FLEETPLANE_TOKEN               Agent token (or FLEETPLANE_TOKEN_FILE)
  FLEETPLANE_NODE_ID             Node UUID (required)
  FLEETPLANE_HEARTBEAT_INTERVAL  Heartbeat interval (default 30s)
  FLEETPLANE_CAPABILITIES_FILE   YAML capability file
  FLEETPLANE_CAP_*               Capability overrides
  FLEETPLANE_LOG_LEVEL           debug, info, warn, error
  FLEETPLANE_LOG_FORMAT          console or json`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newCheckCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetplane-agent %s\n", agent.Version)
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			log.Info().
				Str("version", agent.Version).
				Str("hostname", cfg.Hostname).
				Str("node_id", cfg.NodeID).
				Str("url", cfg.OrchestratorURL).
				Msg("fleetplane agent starting")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a := agent.New(cfg, log)

			// SIGHUP resumes connection attempts after the orchestrator kept
			// rejecting the token, e.g. once it has been rotated on disk.
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						log.Info().Msg("received SIGHUP")
						a.ClearFatalErrors()
					}
				}
			}()

			return a.Run(ctx)
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and test orchestrator connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			ok := color.New(color.FgGreen).SprintFunc()
			bad := color.New(color.FgRed).SprintFunc()

			fmt.Fprintln(out, "Checking configuration...")
			cfg, err := config.LoadFromEnv()
			if err != nil {
				fmt.Fprintf(out, "%s Config error: %v\n", bad("✗"), err)
				return err
			}
			fmt.Fprintf(out, "%s Config OK\n", ok("✓"))
			fmt.Fprintf(out, "  Hostname:      %s\n", cfg.Hostname)
			fmt.Fprintf(out, "  Node ID:       %s\n", cfg.NodeID)
			fmt.Fprintf(out, "  Orchestrator:  %s\n", cfg.OrchestratorURL)
			enabled := cfg.Capabilities.Enabled()
			if len(enabled) == 0 {
				enabled = []string{"none"}
			}
			fmt.Fprintf(out, "  Capabilities:  %s\n", strings.Join(enabled, ", "))
			fmt.Fprintln(out)

			fmt.Fprint(out, "Testing orchestrator connectivity... ")
			latency, err := checkHealth(cmd.Context(), strings.TrimSuffix(cfg.OrchestratorURL, "/")+"/health")
			if err != nil {
				fmt.Fprintf(out, "%s\n  Error: %v\n", bad("✗ Failed"), err)
				return err
			}
			fmt.Fprintf(out, "%s (latency: %dms)\n", ok("✓ OK"), latency.Milliseconds())
			return nil
		},
	}
}

func checkHealth(ctx context.Context, url string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode >= 400 {
		return latency, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return latency, nil
}
