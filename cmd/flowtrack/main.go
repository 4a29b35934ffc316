// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flowtrack runs the connection tracker as a daemon, replays
// captures through it and checks its configuration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grimm.is/flowtrack/cmd"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "flowtrack",
		Short:         "Stateful connection tracker",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to HCL or JSON config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracker with its API, metrics and device watcher",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return cmd.RunServe(c.Context(), configPath)
		},
	}

	var replayOpts cmd.ReplayOptions
	replayCmd := &cobra.Command{
		Use:   "replay <capture>",
		Short: "Replay a pcap or pcapng file through the tracker and summarize",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			replayOpts.ConfigPath = configPath
			replayOpts.Out = c.OutOrStdout()
			return cmd.RunReplay(c.Context(), args[0], replayOpts)
		},
	}
	replayCmd.Flags().StringVarP(&replayOpts.Format, "output", "o", "yaml", "Summary format: yaml or json")
	replayCmd.Flags().BoolVarP(&replayOpts.Events, "events", "e", false, "Print events while replaying")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	var validateOpts cmd.ValidateOptions
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return cmd.RunConfigValidate(c.OutOrStdout(), configPath, validateOpts)
		},
	}
	checkCmd.Flags().BoolVarP(&validateOpts.Verbose, "verbose", "v", false, "Print the effective table settings")

	var dumpFormat string
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration with defaults filled in",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return cmd.RunConfigDump(c.OutOrStdout(), configPath, dumpFormat)
		},
	}
	dumpCmd.Flags().StringVarP(&dumpFormat, "output", "o", "hcl", "Output format: hcl or json")

	configCmd.AddCommand(checkCmd, dumpCmd)
	root.AddCommand(serveCmd, replayCmd, configCmd)
	return root
}
