package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createStatusCommand(c, globalFlags, &StatusFlags{}),
		createExtractCommand(c, &ExtractFlags{}),
		createPropagateCommand(c, globalFlags, &PropagateFlags{}),
		createVersionCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tunnelkeeper",
		Short: "Keep a local service reachable through a public tunnel",
		Long: `tunnelkeeper starts a local service, waits until it answers its health
check, starts a tunnel client, discovers the public URL from the tunnel log
and rewrites configured files so they point at it. Both processes are
monitored and restarted when they exit.

Examples:
  tunnelkeeper run --config tunnelkeeper.toml
  tunnelkeeper status
  tunnelkeeper status --api-url=http://127.0.0.1:9400/api --json
  tunnelkeeper extract --log .tunnelkeeper/tunnel.log`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "tunnelkeeper.toml", "path to TOML config file")
	return root
}

func createRunCommand(c command, globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the service and tunnel and supervise them",
		Long: `Run the supervisor in the foreground until SIGINT or SIGTERM. Both
processes are stopped before the command returns.

Examples:
  tunnelkeeper run
  tunnelkeeper run --config /etc/tunnelkeeper.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context(), RunFlags{ConfigPath: globalFlags.ConfigPath})
		},
	}
}

func createStatusCommand(c command, globalFlags *GlobalFlags, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a one-shot health report",
		Long: `Check both processes, the service health endpoint, the recorded public
URL and every target file. Exits non-zero when any check fails.

With --api-url the report is built from a running supervisor instead of
the local state directory.

Examples:
  tunnelkeeper status
  tunnelkeeper status --json
  tunnelkeeper status --api-url=http://127.0.0.1:9400/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), StatusFlags{
				ConfigPath: globalFlags.ConfigPath,
				APIUrl:     statusFlags.APIUrl,
				APITimeout: statusFlags.APITimeout,
				JSON:       statusFlags.JSON,
			})
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "supervisor status API (e.g. http://127.0.0.1:9400/api)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print the report as JSON")
	return cmd
}

func createExtractCommand(c command, extractFlags *ExtractFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Print the last public URL found in a tunnel log",
		Long: `Scan a tunnel log and print the most recent URL matching the pattern.

Examples:
  tunnelkeeper extract --log .tunnelkeeper/tunnel.log
  tunnelkeeper extract --log tunnel.log --pattern 'https://[a-z0-9-]+\.ngrok-free\.app'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Extract(*extractFlags)
		},
	}
	cmd.Flags().StringVar(&extractFlags.LogPath, "log", "", "tunnel log file (required)")
	cmd.Flags().StringVar(&extractFlags.Pattern, "pattern", "", "URL pattern (defaults to quick-tunnel hostnames)")
	if err := cmd.MarkFlagRequired("log"); err != nil {
		panic(err)
	}
	return cmd
}

func createPropagateCommand(c command, globalFlags *GlobalFlags, propagateFlags *PropagateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "propagate",
		Short: "Rewrite target files with a URL",
		Long: `Replace every match of the endpoint pattern in the configured targets
with the given URL. Changed files are backed up first.

Examples:
  tunnelkeeper propagate --url https://calm-lake.trycloudflare.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Propagate(PropagateFlags{
				ConfigPath: globalFlags.ConfigPath,
				URL:        propagateFlags.URL,
			})
		},
	}
	cmd.Flags().StringVar(&propagateFlags.URL, "url", "", "public URL to write (required)")
	if err := cmd.MarkFlagRequired("url"); err != nil {
		panic(err)
	}
	return cmd
}

func createVersionCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(c.out, "tunnelkeeper", version)
		},
	}
}
