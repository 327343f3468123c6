// Package main implements the warden CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	root       string
	configPath string
	serverURL  string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Admission control and cycle governance for autonomous coding agents",
		Long: `warden decides allow or deny for every side-effecting tool call an
autonomous coding agent makes, runs unattended work cycles under hard caps
and audits each finished cycle against its safety invariants.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.root, "root", ".", "project root every gated path must stay inside")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default <root>/.warden/config.yaml or ~/.config/warden/config.yaml)")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "", "warden server URL for client commands (default from server config)")

	root.AddCommand(
		newServeCmd(opts),
		newCycleCmd(opts),
		newAuditCmd(opts),
		newABCmd(opts),
		newGateCmd(opts),
		newTokenCmd(opts),
		newEventsCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("warden by Fyrsmith Labs\n")
			cmd.Printf("Version:    %s\n", version)
			cmd.Printf("Commit:     %s\n", gitCommit)
			cmd.Printf("Build Date: %s\n", buildDate)
		},
	}
}
