package pipeline

import (
	"errors"
	"fmt"

	"github.com/you/tg-dubber/internal/generator"
	"github.com/you/tg-dubber/internal/resolver"
	"github.com/you/tg-dubber/internal/transcode"
)

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrInvalidRequest = errors.New("invalid request")
	ErrScriptTooShort = errors.New("script too short")
	ErrStopped        = errors.New("worker is stopping")
	// ErrStorage marks errors raised by the artifact store.
	ErrStorage = errors.New("storage failure")
)

type Kind int

const (
	KindInternal Kind = iota
	KindDownload
	KindAnalysisTimeout
	KindScriptTooShort
	KindSpeechEmpty
	KindEngine
	KindStorage
	KindUpstream
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "download"
	case KindAnalysisTimeout:
		return "analysis_timeout"
	case KindScriptTooShort:
		return "script_too_short"
	case KindSpeechEmpty:
		return "speech_empty"
	case KindEngine:
		return "engine"
	case KindStorage:
		return "storage"
	case KindUpstream:
		return "upstream"
	case KindInterrupted:
		return "interrupted"
	}
	return "internal"
}

var headlines = map[Kind]string{
	KindInternal:        "เกิดข้อผิดพลาดภายในระบบ",
	KindDownload:        "ดาวน์โหลดวิดีโอไม่สำเร็จ",
	KindAnalysisTimeout: "Gemini ประมวลผลวิดีโอนานเกินไป",
	KindScriptTooShort:  "สร้าง script ไม่สำเร็จ",
	KindSpeechEmpty:     "ไม่ได้เสียงจาก TTS",
	KindEngine:          "FFmpeg ล้มเหลว",
	KindStorage:         "บันทึกไฟล์ไม่สำเร็จ",
	KindUpstream:        "บริการภายนอกไม่ตอบสนอง",
	KindInterrupted:     "ระบบรีสตาร์ทก่อนถึงคิวของคุณ กรุณาส่งลิงก์ใหม่อีกครั้ง",
}

// Failure is a terminal job error tagged with where and how it happened.
type Failure struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %v", f.Stage, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// UserText is the single line shown to the requester, cut to n runes.
// Internal and interrupted failures carry no detail.
func (f *Failure) UserText(n int) string {
	s := headlines[f.Kind]
	if f.Kind != KindInternal && f.Kind != KindInterrupted && f.Err != nil {
		s += ": " + f.Err.Error()
	}
	return clipRunes(s, n)
}

// classify turns a stage error into a Failure. Errors without a known cause
// take the kind typical of the stage they came from.
func classify(st Stage, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var ee *transcode.EngineError
	kind := KindInternal
	switch {
	case errors.Is(err, ErrStorage):
		kind = KindStorage
	case errors.Is(err, generator.ErrAnalysisTimeout):
		kind = KindAnalysisTimeout
	case errors.Is(err, ErrScriptTooShort), errors.Is(err, generator.ErrEmptyScript):
		kind = KindScriptTooShort
	case errors.Is(err, generator.ErrEmptySpeech):
		kind = KindSpeechEmpty
	case errors.As(err, &ee):
		kind = KindEngine
	case errors.Is(err, resolver.ErrNotVideo), errors.Is(err, resolver.ErrNotFound):
		kind = KindDownload
	default:
		switch st {
		case StageFetching:
			kind = KindDownload
		case StageAnalyzing, StageSynthesizing:
			kind = KindUpstream
		case StageMerging:
			kind = KindEngine
		case StagePublishing:
			kind = KindStorage
		}
	}
	return &Failure{Stage: st, Kind: kind, Err: err}
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

func clipRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
