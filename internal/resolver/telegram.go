package resolver

import (
	"context"
	"fmt"
	"strings"
)

// TelegramFilePrefix marks a video uploaded to the bot instead of a link.
// The file id is resolved late so the bot token never ends up in a record.
const TelegramFilePrefix = "tg-file:"

// FileLinker is the part of *tgbotapi.BotAPI the resolver needs.
type FileLinker interface {
	GetFileDirectURL(fileID string) (string, error)
}

type TelegramFiles struct {
	Bot FileLinker
}

func (t TelegramFiles) Matches(link string) bool {
	return strings.HasPrefix(link, TelegramFilePrefix)
}

func (t TelegramFiles) Resolve(_ context.Context, link string) (string, error) {
	id := strings.TrimSpace(strings.TrimPrefix(link, TelegramFilePrefix))
	if id == "" {
		return "", ErrNotFound
	}
	u, err := t.Bot.GetFileDirectURL(id)
	if err != nil {
		return "", fmt.Errorf("telegram file: %w", err)
	}
	return u, nil
}
