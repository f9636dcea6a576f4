// pimsync keeps CalDAV/CardDAV servers, a local cache and the device-native
// PIM store in sync for calendars, contacts and tasks.
//
// Usage:
//
//	pimsync setup                                # interactive first-run wizard
//	pimsync daemon [--config <path>]             # periodic + change-driven sync, control API
//	pimsync sync-once [--account a] [--resource r] [--mode full|push-only]
//	pimsync status                               # cached collections and pending conflicts
//	pimsync resolve <item-id> --keep local|remote
//	pimsync version
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/njoerd114/pimsync/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath string
	verbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pimsync",
		Short:         "Sync calendars, contacts and tasks between DAV servers and the device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultCfg, _ := config.DefaultPath()
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSetupCmd(),
		newDaemonCmd(),
		newSyncOnceCmd(),
		newStatusCmd(),
		newResolveCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "pimsync", version)
			},
		},
	)
	return root
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
