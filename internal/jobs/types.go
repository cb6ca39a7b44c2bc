package jobs

const (
	TaskSubmitDub = "dub:submit"
)

// SubmitDubPayload is what the bot (or dubctl) hands to the worker.
type SubmitDubPayload struct {
	SourceURL       string `json:"source_url"`        // link text or "tg-file:<file_id>"
	ChatID          int64  `json:"chat_id"`
	StatusMessageID int    `json:"status_message_id"` // message the worker keeps editing
	UserID          int64  `json:"user_id,omitempty"`
}
