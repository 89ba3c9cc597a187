package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
	"github.com/dominodatalab/sweeper/pkg/config"
	"github.com/dominodatalab/sweeper/pkg/controller"
	"github.com/dominodatalab/sweeper/pkg/logger"
	"github.com/dominodatalab/sweeper/pkg/logsink"
	"github.com/dominodatalab/sweeper/pkg/server"
	"github.com/dominodatalab/sweeper/pkg/store"
)

const defaultServer = "http://localhost:8080"

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sweeper",
		Short:         "Gated cloud resource deletion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "sweeper.yaml", "configuration file")
	cmd.PersistentFlags().String("server", defaultServer, "sweeper API address")
	cmd.PersistentFlags().String("actor", os.Getenv("USER"), "human identity recorded on triggers and decisions")
	cmd.PersistentFlags().String("token", os.Getenv("SWEEPER_TOKEN"), "bearer token presented to the sweeper API")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "log client retries and requests")

	cmd.AddCommand(
		newStartCommand(),
		newTriggerCommand(),
		newDecisionCommand(sweeperv1.DecisionApprove),
		newDecisionCommand(sweeperv1.DecisionReject),
		newCancelCommand(),
		newStatusCommand(),
		newPendingCommand(),
		newAuditCommand(),
		newLogDestinationsCommand(),
		newGCCommand(),
	)

	return cmd
}

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the pipeline server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			return controller.Start(cfg)
		},
	}
}

func newTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Start a new run",
		Long: `Start a new run of the pipeline.

The run captures the tracked source, performs a dry run and then waits for a
human decision before anything is deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			run, err := client.Trigger(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func newDecisionCommand(decision sweeperv1.Decision) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s RUN_ID", decision),
		Short: fmt.Sprintf("Record a %s decision for a run awaiting approval", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			rec, err := client.Decide(cmd.Context(), args[0], decision, comment)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment recorded with the decision")

	return cmd
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			run, err := client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [RUN_ID]",
		Short: "Show one run, or every run newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				run, err := client.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			}

			runs, err := client.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
}

func newPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List runs waiting at the manual approval gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			pending, err := client.Pending(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pending)
		},
	}
}

func newAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit [RUN_ID]",
		Short: "Show the audit trail of a run, or of every run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}

			var runID string
			if len(args) == 1 {
				runID = args[0]
			}
			events, err := client.Audit(cmd.Context(), runID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
}

func newLogDestinationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "log-destinations",
		Short: "Print the log destinations stage output is written to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			for _, dest := range logsink.Destinations(cfg.Pipeline.LogDestinationPrefix) {
				if _, err = fmt.Fprintln(cmd.OutOrStdout(), dest); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newGCCommand() *cobra.Command {
	var historyLimit int
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete finished runs beyond the retention limit",
		Long: `Delete the oldest finished runs from the configured store, keeping the most
recent ones. Runs still in progress are never touched and audit events are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if historyLimit <= 0 {
				historyLimit = cfg.GC.HistoryLimit
			}

			log, err := logger.New(cfg.Logging)
			if err != nil {
				return err
			}

			st, err := store.New(cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			deleted := store.NewRunGC(st, historyLimit).CleanUpRuns(cmd.Context(), log.WithName("GC"))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d run(s)\n", deleted)
			return err
		},
	}
	cmd.Flags().IntVar(&historyLimit, "history-limit", 0, "runs to keep (defaults to gc.historyLimit)")

	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}

	cfg, err := config.LoadFromFile(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if err = cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

func newClient(cmd *cobra.Command) (*server.Client, error) {
	addr, err := cmd.Flags().GetString("server")
	if err != nil {
		return nil, err
	}
	actor, err := cmd.Flags().GetString("actor")
	if err != nil {
		return nil, err
	}
	token, err := cmd.Flags().GetString("token")
	if err != nil {
		return nil, err
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}

	log := logr.Discard()
	if verbose {
		cfg := config.Default().Logging
		cfg.Container.Encoder = "console"
		cfg.Container.LogLevel = "debug"
		if log, err = logger.New(cfg); err != nil {
			return nil, err
		}
	}

	var opts []server.ClientOption
	if token != "" {
		opts = append(opts, server.WithToken(token))
	}

	return server.NewClient(log, addr, actor, opts...), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// Execute runs the root command with a background context.
func Execute() error {
	return NewCommand().ExecuteContext(context.Background())
}
