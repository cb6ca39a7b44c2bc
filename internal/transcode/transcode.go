// Package transcode wraps ffmpeg, ffprobe and sox for the merge step:
// probing durations, turning synthesized PCM into a track, fitting that
// track to the video and muxing the deliverable.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// EngineError is a non-zero exit from a media tool. Stderr is already cut
// to the configured length.
type EngineError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ffmpeg %s failed: %s", e.Op, e.Stderr)
}

func (e *EngineError) Unwrap() error { return e.Err }

type Options struct {
	FFmpeg    string
	FFprobe   string
	Sox       string
	StderrMax int // runes of stderr kept on EngineError
}

// Track is a playable audio file on disk.
type Track struct {
	Path     string
	Duration float64
}

type Transcoder struct {
	opts Options
	run  Runner
}

func New(opts Options) *Transcoder {
	return NewWithRunner(opts, execRunner{})
}

func NewWithRunner(opts Options, r Runner) *Transcoder {
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	if opts.FFprobe == "" {
		opts.FFprobe = "ffprobe"
	}
	if opts.Sox == "" {
		opts.Sox = "sox"
	}
	if opts.StderrMax <= 0 {
		opts.StderrMax = 200
	}
	return &Transcoder{opts: opts, run: r}
}

/* ---------------------- probing ---------------------- */

// ProbeDuration returns the container duration in seconds.
func (t *Transcoder) ProbeDuration(ctx context.Context, path string) (float64, error) {
	out, stderr, err := t.run.Run(ctx, t.opts.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w (output: %s)", err, strings.TrimSpace(string(stderr)))
	}
	s := strings.TrimSpace(string(out))
	if s == "" || s == "N/A" {
		return 0, errors.New("empty duration")
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration '%s': %w", s, err)
	}
	return d, nil
}

// HasVideoStream reports whether the file carries at least one video stream.
func (t *Transcoder) HasVideoStream(ctx context.Context, path string) (bool, error) {
	out, stderr, err := t.run.Run(ctx, t.opts.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	if err != nil {
		return false, fmt.Errorf("ffprobe failed: %w (output: %s)", err, strings.TrimSpace(string(stderr)))
	}
	return strings.Contains(string(out), "video"), nil
}

/* ---------------------- audio ---------------------- */

// DecodeTrack writes raw signed 16-bit mono PCM into dir and converts it to
// WAV. ffmpeg is tried first and sox once as a fallback.
func (t *Transcoder) DecodeTrack(ctx context.Context, raw []byte, sampleRate int, dir string) (Track, error) {
	if len(raw) == 0 {
		return Track{}, errors.New("empty audio payload")
	}
	rawPath := filepath.Join(dir, "speech.raw")
	wavPath := filepath.Join(dir, "speech.wav")
	if err := os.WriteFile(rawPath, raw, 0o644); err != nil {
		return Track{}, err
	}
	rate := strconv.Itoa(sampleRate)

	_, stderr, err := t.run.Run(ctx, t.opts.FFmpeg,
		"-y", "-f", "s16le", "-ar", rate, "-ac", "1",
		"-i", rawPath, wavPath,
	)
	if err != nil {
		log.Warn().Err(err).Msg("ffmpeg pcm decode failed, trying sox")
		if _, _, soxErr := t.run.Run(ctx, t.opts.Sox,
			"-t", "raw", "-r", rate, "-e", "signed", "-b", "16", "-c", "1",
			rawPath, wavPath,
		); soxErr != nil {
			return Track{}, t.engineErr("decode", stderr, err)
		}
	}

	d, err := t.ProbeDuration(ctx, wavPath)
	if err != nil {
		return Track{}, fmt.Errorf("probe speech: %w", err)
	}
	return Track{Path: wavPath, Duration: d}, nil
}

// LoadTrack opens a speech file from disk. Anything ffprobe can read is used
// as is; other files are taken to be raw PCM and go through DecodeTrack.
func (t *Transcoder) LoadTrack(ctx context.Context, path string, sampleRate int, dir string) (Track, error) {
	if d, err := t.ProbeDuration(ctx, path); err == nil && d > 0 {
		return Track{Path: path, Duration: d}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Track{}, err
	}
	return t.DecodeTrack(ctx, raw, sampleRate, dir)
}

// Align fits the track to target seconds following PlanAlignment.
func (t *Transcoder) Align(ctx context.Context, tr Track, target float64, dir string) (Track, Alignment, error) {
	plan := PlanAlignment(target, tr.Duration)
	if plan.Mode == AlignKeep {
		return tr, plan, nil
	}

	out := filepath.Join(dir, "speech_aligned.wav")
	args := alignArgs(tr.Path, out, plan)
	if _, stderr, err := t.run.Run(ctx, t.opts.FFmpeg, args...); err != nil {
		return Track{}, plan, t.engineErr("align", stderr, err)
	}
	return Track{Path: out, Duration: target}, plan, nil
}

func alignArgs(in, out string, plan Alignment) []string {
	args := []string{"-y", "-i", in}
	switch plan.Mode {
	case AlignPad:
		args = append(args, "-af", "apad=pad_dur="+secs(plan.Pad))
	case AlignTrim:
		args = append(args, "-t", secs(plan.Target))
	}
	return append(args, out)
}

/* ---------------------- mux & thumbnail ---------------------- */

// Mux copies the video stream, re-encodes the track to AAC and clamps the
// output to target seconds.
func (t *Transcoder) Mux(ctx context.Context, videoPath string, tr Track, target float64, out string) error {
	if _, stderr, err := t.run.Run(ctx, t.opts.FFmpeg, muxArgs(videoPath, tr.Path, target, out)...); err != nil {
		return t.engineErr("mux", stderr, err)
	}
	return nil
}

func muxArgs(video, audio string, target float64, out string) []string {
	return []string{
		"-y",
		"-i", video,
		"-i", audio,
		"-c:v", "copy",
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-t", secs(target),
		"-movflags", "+faststart",
		out,
	}
}

// Thumbnail grabs a 270x480 WebP poster frame from the start of the video.
func (t *Transcoder) Thumbnail(ctx context.Context, videoPath, out string) ([]byte, error) {
	if _, stderr, err := t.run.Run(ctx, t.opts.FFmpeg,
		"-y", "-i", videoPath,
		"-vframes", "1", "-ss", "0.1",
		"-vf", "scale=270:480:force_original_aspect_ratio=increase,crop=270:480",
		"-q:v", "80",
		out,
	); err != nil {
		return nil, t.engineErr("thumbnail", stderr, err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty thumbnail")
	}
	return b, nil
}

func (t *Transcoder) engineErr(op string, stderr []byte, err error) error {
	return &EngineError{Op: op, Stderr: clip(strings.TrimSpace(string(stderr)), t.opts.StderrMax), Err: err}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func secs(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) }
