package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/warden/internal/config"
	"github.com/fyrsmithlabs/warden/internal/events"
)

func newEventsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the critical event log",
	}

	var n int
	var jsonOut bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the newest critical events, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := eventLog(opts)
			if err != nil {
				return err
			}
			evs, err := log.Tail(n)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), evs)
			}
			for _, ev := range evs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-8s %-30s %s\n",
					ev.Timestamp.Format(time.RFC3339), ev.Severity, ev.Type, ev.Description)
			}
			return nil
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	tail.Flags().BoolVar(&jsonOut, "json", false, "print events as JSON")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of the critical event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := eventLog(opts)
			if err != nil {
				return err
			}
			count, err := log.Verify()
			if err != nil {
				return fmt.Errorf("event log %s: %w", log.Path(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d events verified in %s\n", count, log.Path())
			return nil
		},
	}

	cmd.AddCommand(tail, verify)
	return cmd
}

func eventLog(opts *globalOptions) (*events.Log, error) {
	cfg, err := config.Load(opts.root, opts.configPath)
	if err != nil {
		return nil, err
	}
	return events.NewLog(cfg.Events.Path), nil
}
