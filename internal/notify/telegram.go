// Package notify delivers status messages and finished videos to Telegram.
package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Button is an inline link shown under a delivered video.
type Button struct {
	Text string
	URL  string
}

// Sender is the part of *tgbotapi.BotAPI the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Telegram struct {
	bot Sender
}

func NewTelegram(bot Sender) *Telegram {
	return &Telegram{bot: bot}
}

func (t *Telegram) Send(chatID int64, text string) (int, error) {
	m, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return m.MessageID, nil
}

// Edit replaces the text of a message. Telegram rejects edits that change
// nothing; those count as success.
func (t *Telegram) Edit(chatID int64, messageID int, text string) error {
	if _, err := t.bot.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (t *Telegram) Delete(chatID int64, messageID int) error {
	if _, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

// SendMedia posts a video by URL with an optional caption and link buttons,
// one per row.
func (t *Telegram) SendMedia(chatID int64, mediaURL, caption string, buttons []Button) error {
	v := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(mediaURL))
	v.Caption = caption
	v.SupportsStreaming = true
	if kb, ok := keyboard(buttons); ok {
		v.ReplyMarkup = kb
	}
	if _, err := t.bot.Send(v); err != nil {
		return fmt.Errorf("telegram send video: %w", err)
	}
	return nil
}

func keyboard(buttons []Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, b := range buttons {
		if b.URL == "" || b.Text == "" {
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL)))
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
