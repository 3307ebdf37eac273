package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot wires every subcommand onto a fresh root command.
func buildRoot() *cobra.Command {
	var (
		globalFlags GlobalFlags
		runFlags    RunFlags
		checkFlags  CheckFlags
		statusFlags StatusFlags
	)

	root := createRootCommand(&globalFlags)
	root.AddCommand(
		createRunCommand(&globalFlags, &runFlags),
		createCheckCommand(&globalFlags, &checkFlags),
		createStatusCommand(&statusFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sysinitd",
		Short: "Dependency-ordered service supervisor",
		Long: `sysinitd starts a set of declared services in dependency order,
restarts them according to their policy and stops them in reverse order.

Examples:
  sysinitd run /etc/sysinitd/services
  sysinitd run --config=/etc/sysinitd/config.toml -v
  sysinitd check ./services
  sysinitd status --api-url=http://localhost:9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to daemon config file (toml, yaml or json)")
	root.PersistentFlags().CountVarP(&flags.Verbose, "verbose", "v", "increase log verbosity (repeatable)")
	root.PersistentFlags().CountVarP(&flags.Quiet, "quiet", "q", "decrease log verbosity (repeatable)")

	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(global *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [service-dir...]",
		Short: "Start all services and supervise them until interrupted",
		Long: `Load every service definition below the given directories (and the
service_dirs of the config file), start them in dependency order and keep
them supervised. SIGINT or SIGTERM stops everything in reverse order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), *global, RunFlags{
				ServiceDirs:   append(runFlags.ServiceDirs, args...),
				MetricsListen: runFlags.MetricsListen,
				APIListen:     runFlags.APIListen,
				HistoryDSN:    runFlags.HistoryDSN,
				StopTimeout:   runFlags.StopTimeout,
			})
		},
	}

	cmd.Flags().StringSliceVar(&runFlags.ServiceDirs, "services", nil, "service definition directory (repeatable)")
	cmd.Flags().StringVar(&runFlags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address, e.g. :9091")
	cmd.Flags().StringVar(&runFlags.APIListen, "api-listen", "", "serve the status API on this address, e.g. :9090")
	cmd.Flags().StringVar(&runFlags.HistoryDSN, "history-dsn", "", "record service events (sqlite://, postgres://, clickhouse://)")
	cmd.Flags().DurationVar(&runFlags.StopTimeout, "stop-timeout", 0, "upper bound for the whole shutdown (default: one grace period per dependency layer)")

	return cmd
}

// createCheckCommand creates the check subcommand
func createCheckCommand(global *GlobalFlags, checkFlags *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [service-dir...]",
		Short: "Validate service definitions and print the start order",
		Long: `Decode and validate every service definition, then resolve the
dependency graph. Duplicate ids, unknown dependencies and cycles are reported
without starting anything.

Examples:
  sysinitd check ./services
  sysinitd check ./services --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), *global, CheckFlags{
				ServiceDirs: append(checkFlags.ServiceDirs, args...),
				Watch:       checkFlags.Watch,
				JSON:        checkFlags.JSON,
			})
		},
	}

	cmd.Flags().StringSliceVar(&checkFlags.ServiceDirs, "services", nil, "service definition directory (repeatable)")
	cmd.Flags().BoolVar(&checkFlags.Watch, "watch", false, "re-check whenever a definition changes")
	cmd.Flags().BoolVar(&checkFlags.JSON, "json", false, "print the resolved order as JSON")

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [service-id]",
		Short: "Show service states from a running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *statusFlags
			if len(args) == 1 {
				f.ID = args[0]
			}
			return runStatus(cmd.OutOrStdout(), f)
		},
	}

	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "daemon API URL (default http://localhost:9090)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&statusFlags.State, "state", "", "only list services in this state")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print raw JSON")

	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "sysinitd %s\n", version)
		},
	}
}
