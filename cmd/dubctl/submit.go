package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/you/tg-dubber/internal/jobs"
	"github.com/you/tg-dubber/internal/ledger"
)

var (
	submitChat  int64
	submitMsgID int
	jobsLimit   int
)

var submitCmd = &cobra.Command{
	Use:   "submit <url>",
	Short: "Queue a dub for a link",
	Long: `Queue a dub exactly as the bot would.

The finished video is delivered to --chat. Without --msg the worker opens
its own status message.

Examples:
  dubctl submit https://www.xiaohongshu.com/explore/abc --chat 123456
  dubctl submit tg-file:BAACAgUAAx --chat 123456 --msg 42`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs from the ledger",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

func init() {
	submitCmd.Flags().Int64Var(&submitChat, "chat", 0, "chat id that receives the result (required)")
	submitCmd.Flags().IntVar(&submitMsgID, "msg", 0, "existing status message id to animate")
	_ = submitCmd.MarkFlagRequired("chat")

	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 10, "number of jobs to show")
}

func redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	client := asynq.NewClient(redisOpt())
	defer client.Close()

	b, err := json.Marshal(jobs.SubmitDubPayload{
		SourceURL:       args[0],
		ChatID:          submitChat,
		StatusMessageID: submitMsgID,
	})
	if err != nil {
		return err
	}
	info, err := client.EnqueueContext(cmd.Context(), asynq.NewTask(jobs.TaskSubmitDub, b), asynq.MaxRetry(cfg.SubmitMaxRetry))
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Printf("queued task %s on %s\n", info.ID, info.Queue)
	return nil
}

func runJobs(cmd *cobra.Command, _ []string) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	entries, err := ledger.New(rdb).Recent(ctx, jobsLimit)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No jobs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tUPDATED\tRESULT")
	for _, e := range entries {
		result := e.PublicURL
		if e.Status == ledger.StatusFailed {
			result = e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Status, e.Stage, e.UpdatedAt.Local().Format("01-02 15:04:05"), result)
	}
	return w.Flush()
}
