package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createStatusCommand(globalFlags, &StatusFlags{}),
		createReloadCommand(globalFlags, &ReloadFlags{}),
		createStopCommand(globalFlags, &StopFlags{}),
		createLockCommand(globalFlags, &LockFlags{}),
	)
	return root
}

// createRootCommand creates the root command and its persistent daemon flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "daemonkit",
		Short: "Supervised daemons with zero-downtime reload",
		Long: `daemonkit runs a supervised heartbeat daemon built on the daemonkit
framework and inspects or controls a running instance through its pid file.

Examples:
  daemonkit run --pid-dir=/run/demo           # supervisor + worker
  daemonkit run --detach --log-file=demo.log  # same, in the background
  daemonkit status --pid-dir=/run/demo
  daemonkit reload --pid-dir=/run/demo        # hot reload (SIGHUP)
  daemonkit stop --pid-dir=/run/demo --wait=10s
  daemonkit lock --name=backup -- ./backup.sh # refuse to run twice`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	addDaemonFlags(root.PersistentFlags())
	return root
}

// addDaemonFlags declares the flags config.Load binds by name. Their
// defaults only show in help; configuration defaults live in config.
func addDaemonFlags(fs *pflag.FlagSet) {
	fs.String("name", "daemonkit", "daemon identity (pid file name)")
	fs.String("pid-dir", os.TempDir(), "directory holding <name>.pid")
	fs.Bool("no-pid-file", false, "run without a pid file (no single-instance guard)")
	fs.Duration("respawn-delay", 0, "delay before restarting an exited worker")
	fs.Duration("stop-timeout", 0, "grace period before a stopping worker is killed")
	fs.Duration("reload-timeout", 0, "time a new generation has to take over")
	fs.Duration("lock-timeout", 0, "wait for the previous generation's lock")
	fs.String("log-level", "info", "debug, info, notice, warning or error")
	fs.String("log-format", "text", "text or json")
	fs.String("log-file", "", "log to this file with rotation instead of stderr")
	fs.String("log-color", "auto", "auto, always or never")
	fs.Bool("metrics", false, "expose Prometheus metrics on the admin API")
	fs.String("admin-listen", "", "admin API address, e.g. 127.0.0.1:8080")
	fs.String("history-dsn", "", "lifecycle history sink (sqlite path, postgres://, clickhouse://, opensearch://)")
}
