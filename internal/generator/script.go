package generator

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	reScriptField = regexp.MustCompile(`"thai_script"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	reTitleField  = regexp.MustCompile(`"title"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// fallbackRunes bounds how much free text is taken as the script when the
// model ignored the JSON format.
const fallbackRunes = 200

type scriptReply struct {
	ThaiScript string `json:"thai_script"`
	Title      string `json:"title"`
}

// parseScript extracts the narration from a model reply. Code fences are
// dropped, JSON is tried first and a field regex second.
func parseScript(raw string) (Script, error) {
	text := stripFences(raw)
	if text == "" {
		return Script{}, ErrEmptyScript
	}

	var r scriptReply
	if err := json.Unmarshal([]byte(text), &r); err == nil {
		s := Script{Text: strings.TrimSpace(r.ThaiScript), Title: strings.TrimSpace(r.Title)}
		if s.Text == "" {
			return s, ErrEmptyScript
		}
		return s, nil
	}

	s := Script{
		Text:  matchField(reScriptField, text),
		Title: matchField(reTitleField, text),
	}
	if s.Text == "" && !strings.HasPrefix(text, "{") {
		rs := []rune(text)
		if len(rs) > fallbackRunes {
			rs = rs[:fallbackRunes]
		}
		s.Text = strings.TrimSpace(string(rs))
	}
	if s.Text == "" {
		return s, ErrEmptyScript
	}
	return s, nil
}

func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func matchField(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	if v, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(m[1])
}

// cleanCaption keeps the first non-empty line of a reply and drops quotes
// wrapped around it.
func cleanCaption(raw string) (string, error) {
	for _, line := range strings.Split(stripFences(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimSpace(strings.Trim(line, "\"'“”‘’"))
		if line == "" {
			break
		}
		return line, nil
	}
	return "", ErrEmptyCaption
}
