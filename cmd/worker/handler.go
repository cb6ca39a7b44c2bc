package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-dubber/internal/jobs"
	"github.com/you/tg-dubber/internal/pipeline"
)

type submitter interface {
	Submit(ctx context.Context, req pipeline.Request) (pipeline.Admission, error)
}

// editor is how the worker tells a requester their task was dropped.
type editor interface {
	Edit(chatID int64, messageID int, text string) error
}

/* ---------------------- dub:submit ---------------------- */

// handleSubmit hands a queued task to the orchestrator. Admission is quick;
// the dub itself runs on the orchestrator's own worker. A full queue or a
// stopping worker leaves the task to be retried by asynq with backoff.
func handleSubmit(o submitter) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p jobs.SubmitDubPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
		}
		adm, err := o.Submit(ctx, pipeline.Request{
			SourceURL:       p.SourceURL,
			ChatID:          p.ChatID,
			StatusMessageID: p.StatusMessageID,
			UserID:          p.UserID,
		})
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if err != nil {
			return err
		}
		log.Info().
			Str("job", adm.JobID).
			Int64("chat_id", p.ChatID).
			Int64("user_id", p.UserID).
			Int("position", adm.Position).
			Msg("dub admitted")
		return nil
	}
}

// dropNotice edits the status message once a task will not be retried again.
func dropNotice(e editor, failedPrefix string) asynq.ErrorHandlerFunc {
	return func(ctx context.Context, t *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		final := errors.Is(err, asynq.SkipRetry) || retried >= maxRetry
		log.Warn().Err(err).Str("type", t.Type()).Int("retried", retried).Bool("final", final).Msg("task failed")
		if !final {
			return
		}
		var p jobs.SubmitDubPayload
		if json.Unmarshal(t.Payload(), &p) != nil || p.ChatID == 0 || p.StatusMessageID == 0 {
			return
		}
		if err := e.Edit(p.ChatID, p.StatusMessageID, failedPrefix+"\n\nส่งงานเข้าคิวไม่สำเร็จ ลองส่งใหม่อีกครั้ง"); err != nil {
			log.Debug().Err(err).Msg("drop notice not delivered")
		}
	}
}
