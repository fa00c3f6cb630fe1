package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Keep a local view of a chat conversation in sync with its server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.json", "Path to configuration file")
	cmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging (includes message content and raw ids)")

	cmd.AddCommand(
		newWatchCommand(opts),
		newSendCommand(opts),
		newSearchCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}
