// Package generator talks to Gemini: it uploads the source video, waits for
// the Files API to finish processing it, asks for a narration script and
// turns that script into speech.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

var (
	ErrEmptyScript     = errors.New("model returned no script")
	ErrEmptySpeech     = errors.New("model returned no audio")
	ErrAnalysisTimeout = errors.New("video analysis took too long")
	ErrAnalysisFailed  = errors.New("video analysis failed")
	ErrEmptyCaption    = errors.New("model returned no caption")
)

// Handle identifies an uploaded file until it is ready.
type Handle struct {
	Name     string
	URI      string
	MIMEType string
}

// Media is an uploaded file the model can read.
type Media struct {
	URI      string
	MIMEType string
}

// Script is the model's narration and a one-line caption.
type Script struct {
	Text  string
	Title string
}

type Options struct {
	APIKey      string
	Model       string // script model
	TTSModel    string
	Voice       string
	Prompt      string // text/template, see PromptData
	Caption     string // text/template, see CaptionData
	Temperature float32
	MaxTokens   int32
}

// PromptData is what the script prompt template sees.
type PromptData struct {
	Seconds     int
	MinChars    int
	TargetChars int
}

// CaptionData is what the caption prompt template sees.
type CaptionData struct {
	Script string
}

type Gemini struct {
	client  *genai.Client
	opts    Options
	prompt  *template.Template
	caption *template.Template
}

func New(ctx context.Context, opts Options) (*Gemini, error) {
	if opts.APIKey == "" {
		return nil, errors.New("GOOGLE_API_KEY is empty")
	}
	if opts.Temperature == 0 {
		opts.Temperature = 1.0
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 4096
	}
	tpl, err := template.New("script").Parse(opts.Prompt)
	if err != nil {
		return nil, fmt.Errorf("parse script prompt: %w", err)
	}
	capTpl, err := template.New("caption").Parse(opts.Caption)
	if err != nil {
		return nil, fmt.Errorf("parse caption prompt: %w", err)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	return &Gemini{client: client, opts: opts, prompt: tpl, caption: capTpl}, nil
}

/* ---------------------- files ---------------------- */

// Upload sends the video to the Files API.
func (g *Gemini) Upload(ctx context.Context, video []byte, mimeType string) (Handle, error) {
	f, err := g.client.Files.Upload(ctx, bytes.NewReader(video), &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: "dub-source",
	})
	if err != nil {
		return Handle{}, fmt.Errorf("upload to gemini: %w", err)
	}
	if f.Name == "" {
		return Handle{}, errors.New("upload to gemini: no file name returned")
	}
	log.Debug().Str("file", f.Name).Int("bytes", len(video)).Msg("uploaded to gemini")
	return Handle{Name: f.Name, URI: f.URI, MIMEType: mimeType}, nil
}

// Poll checks a single time whether the upload has been processed. ready is
// false while the file is still processing.
func (g *Gemini) Poll(ctx context.Context, h Handle) (Media, bool, error) {
	f, err := g.client.Files.Get(ctx, h.Name, nil)
	if err != nil {
		return Media{}, false, fmt.Errorf("get gemini file: %w", err)
	}
	switch f.State {
	case genai.FileStateProcessing:
		return Media{}, false, nil
	case genai.FileStateFailed:
		msg := "unknown"
		if f.Error != nil && f.Error.Message != "" {
			msg = f.Error.Message
		}
		return Media{}, false, fmt.Errorf("%w: %s", ErrAnalysisFailed, msg)
	}
	uri := f.URI
	if uri == "" {
		uri = h.URI
	}
	return Media{URI: uri, MIMEType: h.MIMEType}, true, nil
}

/* ---------------------- script ---------------------- */

// Budget returns the target and minimum script length for a video of the
// given duration. Thai narration runs at roughly 8 to 10 characters a second.
func Budget(duration float64) (target, minChars int) {
	return int(duration * 10), int(duration * 8)
}

func (g *Gemini) renderPrompt(duration float64) (string, error) {
	target, minChars := Budget(duration)
	var b strings.Builder
	if err := g.prompt.Execute(&b, PromptData{
		Seconds:     int(duration + 0.5),
		MinChars:    minChars,
		TargetChars: target,
	}); err != nil {
		return "", fmt.Errorf("render script prompt: %w", err)
	}
	return b.String(), nil
}

// Script asks the model for a narration sized to duration seconds.
func (g *Gemini) Script(ctx context.Context, m Media, duration float64) (Script, error) {
	prompt, err := g.renderPrompt(duration)
	if err != nil {
		return Script{}, err
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(m.URI, m.MIMEType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.opts.Model, contents, &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(g.opts.Temperature),
		MaxOutputTokens: g.opts.MaxTokens,
	})
	if err != nil {
		return Script{}, fmt.Errorf("generate script: %w", err)
	}
	return parseScript(resp.Text())
}

/* ---------------------- caption ---------------------- */

// captionScriptRunes is how much of the script the caption prompt quotes.
const captionScriptRunes = 300

// Caption writes a fresh one-line post caption for an existing script.
func (g *Gemini) Caption(ctx context.Context, script string) (string, error) {
	if r := []rune(script); len(r) > captionScriptRunes {
		script = string(r[:captionScriptRunes])
	}
	var b strings.Builder
	if err := g.caption.Execute(&b, CaptionData{Script: script}); err != nil {
		return "", fmt.Errorf("render caption prompt: %w", err)
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", errors.New("caption prompt is empty")
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.opts.Model, genai.Text(b.String()), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.9),
		MaxOutputTokens: 1024,
	})
	if err != nil {
		return "", fmt.Errorf("generate caption: %w", err)
	}
	return cleanCaption(resp.Text())
}

/* ---------------------- speech ---------------------- */

// Speech returns raw PCM (s16le mono) for text.
func (g *Gemini) Speech(ctx context.Context, text string) ([]byte, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.opts.TTSModel, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.opts.Voice},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("generate speech: %w", err)
	}
	audio := inlineAudio(resp)
	if len(audio) == 0 {
		return nil, ErrEmptySpeech
	}
	return audio, nil
}

func inlineAudio(resp *genai.GenerateContentResponse) []byte {
	if resp == nil {
		return nil
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p != nil && p.InlineData != nil && len(p.InlineData.Data) > 0 {
				return p.InlineData.Data
			}
		}
	}
	return nil
}
