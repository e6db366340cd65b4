// Command hsskey generates, shards and uses stateful HSS/LMS signing keys.
//
// Private key files hold the signing state. sign and shard rewrite them
// atomically before any signature or shard is written out, so a key file on
// disk is never behind a released signature.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/cobra"
)

var (
	version = "v0.1.0"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCommand(os.Stdout)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cobra.Command{
		Use:           "hsskey",
		Short:         "Manage stateful LMS/HSS signing keys",
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			verbosity, err := c.Flags().GetInt(VerbosityKey)
			if err != nil {
				return err
			}
			setupLogging(verbosity)
			return nil
		},
	}
	c.PersistentFlags().Int(VerbosityKey, 3, "Log level 1-5 (1=errors, 5=trace)")
	c.SetOut(out)
	c.AddCommand(
		keygenCommand(),
		signCommand(),
		verifyCommand(),
		infoCommand(),
		shardCommand(),
		paramsCommand(),
	)
	return c
}

func setupLogging(verbosity int) {
	var lvl slog.Level
	switch {
	case verbosity <= 1:
		lvl = slog.LevelError
	case verbosity == 2:
		lvl = slog.LevelWarn
	case verbosity == 3:
		lvl = slog.LevelInfo
	case verbosity == 4:
		lvl = slog.LevelDebug
	default:
		lvl = log.LevelTrace
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}
