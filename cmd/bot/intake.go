package main

import (
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/lo"

	"github.com/you/tg-dubber/internal/resolver"
)

var linkRe = regexp.MustCompile(`https?://[^\s<>"'）]+`)

// extractSources lists what a message asks to dub: an uploaded video becomes
// a tg-file reference, every link in the text or caption is taken as is.
func extractSources(m *tgbotapi.Message, limit int) []string {
	var out []string
	if id, ok := videoFileID(m); ok {
		out = append(out, resolver.TelegramFilePrefix+id)
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	for _, link := range linkRe.FindAllString(text, -1) {
		out = append(out, strings.TrimRight(link, ".,!?)"))
	}
	out = lo.Uniq(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func videoFileID(m *tgbotapi.Message) (string, bool) {
	if m.Video != nil {
		return m.Video.FileID, true
	}
	// Accept video sent as a document if the mime says so.
	if m.Document != nil && strings.HasPrefix(strings.ToLower(m.Document.MimeType), "video/") {
		return m.Document.FileID, true
	}
	return "", false
}
