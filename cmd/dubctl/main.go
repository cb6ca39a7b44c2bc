// Command dubctl is the operator CLI: it submits dubs, inspects jobs and
// runs the media steps locally.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/you/tg-dubber/internal/config"
	"github.com/you/tg-dubber/internal/logx"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dubctl",
	Short: "Operate the dubbing pipeline",
	Long: `dubctl talks to the same Redis, bucket and media tools as the worker.

Settings come from the environment and an optional .env file, exactly as
for the bot and the worker.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		cfg = config.Load()
		logx.Setup(logx.FromEnv("dubctl"))
	},
}

func init() {
	rootCmd.AddCommand(submitCmd, jobsCmd, reindexCmd, thumbsCmd, titlesCmd, probeCmd, mergeCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
