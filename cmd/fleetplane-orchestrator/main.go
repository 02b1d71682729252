// fleetplane orchestrator: accepts agent connections, journals commands and
// routes them to nodes.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/events"
	"github.com/markus-barta/fleetplane/internal/logging"
	"github.com/markus-barta/fleetplane/internal/orchestrator"
	"github.com/markus-barta/fleetplane/internal/store"
)

// version can be overridden at build time via -ldflags "-X main.version=..."
var version = "0.4.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetplane-orchestrator",
		Short: "fleetplane control plane",
		Long: `fleetplane-orchestrator accepts agent connections and routes commands to
nodes. Configuration comes from FLEETPLANE_* environment variables:

  FLEETPLANE_LISTEN_ADDR          Listen address (default :8000)
  FLEETPLANE_AGENT_TOKEN_HASH     bcrypt hash of the agent token (required)
  FLEETPLANE_OPERATOR_TOKEN_HASH  bcrypt hash for the command API
  FLEETPLANE_DATABASE_PATH        SQLite command journal (default fleetplane.db)
  FLEETPLANE_NATS_URL             Publish command events to NATS
  FLEETPLANE_COMMAND_RETENTION    Keep finished commands this long (default 720h)
  FLEETPLANE_LOG_LEVEL            debug, info, warn, error
  FLEETPLANE_LOG_FORMAT           console or json`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newHashTokenCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orchestrator version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetplane-orchestrator %s\n", version)
		},
	}
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash to configure for a token",
		Long:  "Print the bcrypt hash for a token. Without an argument the token is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimSpace(line)
			}
			hash, err := orchestrator.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOrchestratorFromEnv()
			if err != nil {
				return err
			}
			log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			log.Info().Str("version", version).Msg("fleetplane orchestrator starting")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()
			st := store.New(log, db)

			if n, err := st.RecoverInFlightCommands(ctx, nil); err != nil {
				log.Error().Err(err).Msg("failed to recover in-flight commands")
			} else if n > 0 {
				log.Info().Int("count", n).Msg("in-flight commands will be redelivered on reconnect")
			}
			go st.StartRetentionCleanup(ctx, cfg.CleanupEvery, cfg.Retention)

			var publisher events.Publisher
			if cfg.NATSURL != "" {
				p, err := events.NewNATSPublisher(cfg.NATSURL, log)
				if err != nil {
					return fmt.Errorf("connect to NATS: %w", err)
				}
				publisher = p
			}
			bus := events.NewBus(log, publisher)
			defer func() {
				if err := bus.Close(); err != nil {
					log.Warn().Err(err).Msg("error closing event bus")
				}
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			srv := orchestrator.New(cfg, log, orchestrator.Deps{
				Store:    st,
				Bus:      bus,
				Registry: reg,
				Gatherer: reg,
			})
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("orchestrator stopped")
			return nil
		},
	}
}
