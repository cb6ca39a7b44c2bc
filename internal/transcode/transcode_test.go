package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	handle func(name string, args []string) ([]byte, []byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()
	if f.handle == nil {
		return nil, nil, nil
	}
	return f.handle(name, args)
}

func (f *fakeRunner) callsTo(name string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func newTestTranscoder(r Runner) *Transcoder {
	return NewWithRunner(Options{FFmpeg: "ffmpeg", FFprobe: "ffprobe", Sox: "sox", StderrMax: 200}, r)
}

func TestPlanAlignment(t *testing.T) {
	tests := []struct {
		name  string
		video float64
		audio float64
		mode  AlignMode
		pad   float64
	}{
		{"equal", 30, 30, AlignKeep, 0},
		{"within tolerance short", 30, 29.7, AlignKeep, 0},
		{"within tolerance long", 30, 30.49, AlignKeep, 0},
		{"audio shorter", 30, 27, AlignPad, 3},
		{"audio longer", 30, 32.4, AlignTrim, 0},
		{"exact tolerance pads", 10, 9.5, AlignPad, 0.5},
		{"exact tolerance trims", 10, 10.5, AlignTrim, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanAlignment(tt.video, tt.audio)
			assert.Equal(t, tt.mode, got.Mode)
			assert.InDelta(t, tt.pad, got.Pad, 1e-9)
			assert.Equal(t, tt.video, got.Target)
		})
	}
}

func TestAlign_KeepLeavesTrackUntouched(t *testing.T) {
	r := &fakeRunner{}
	tc := newTestTranscoder(r)

	in := Track{Path: "/tmp/speech.wav", Duration: 29.8}
	out, plan, err := tc.Align(context.Background(), in, 30, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, AlignKeep, plan.Mode)
	assert.Equal(t, in, out)
	assert.Empty(t, r.calls, "no engine call when drift is tolerable")
}

func TestAlign_PadAppendsSilence(t *testing.T) {
	r := &fakeRunner{}
	tc := newTestTranscoder(r)
	dir := t.TempDir()

	out, plan, err := tc.Align(context.Background(), Track{Path: "in.wav", Duration: 27}, 30, dir)
	require.NoError(t, err)
	assert.Equal(t, AlignPad, plan.Mode)
	assert.Equal(t, 30.0, out.Duration)
	assert.Equal(t, filepath.Join(dir, "speech_aligned.wav"), out.Path)

	calls := r.callsTo("ffmpeg")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-y", "-i", "in.wav", "-af", "apad=pad_dur=3.000", out.Path}, calls[0].args)
}

func TestAlign_TrimCutsAtVideoLength(t *testing.T) {
	r := &fakeRunner{}
	tc := newTestTranscoder(r)

	out, plan, err := tc.Align(context.Background(), Track{Path: "in.wav", Duration: 32.4}, 30, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, AlignTrim, plan.Mode)
	assert.Equal(t, 30.0, out.Duration)

	calls := r.callsTo("ffmpeg")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-y", "-i", "in.wav", "-t", "30.000", out.Path}, calls[0].args)
}

func TestMux_ClampsToVideoDuration(t *testing.T) {
	r := &fakeRunner{}
	tc := newTestTranscoder(r)

	err := tc.Mux(context.Background(), "video.mp4", Track{Path: "a.wav", Duration: 30}, 30, "out.mp4")
	require.NoError(t, err)

	args := r.callsTo("ffmpeg")[0].args
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-c:v copy")
	assert.Contains(t, joined, "-c:a aac")
	assert.Contains(t, joined, "-map 0:v:0 -map 1:a:0")
	assert.Contains(t, joined, "-t 30.000")
	assert.Equal(t, "out.mp4", args[len(args)-1])
}

func TestMux_EngineFailureCarriesClippedStderr(t *testing.T) {
	stderr := strings.Repeat("x", 500)
	r := &fakeRunner{handle: func(string, []string) ([]byte, []byte, error) {
		return nil, []byte(stderr), errors.New("exit status 1")
	}}
	tc := newTestTranscoder(r)

	err := tc.Mux(context.Background(), "video.mp4", Track{Path: "a.wav"}, 30, "out.mp4")
	require.Error(t, err)

	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "mux", ee.Op)
	assert.Len(t, ee.Stderr, 200)
	assert.Contains(t, err.Error(), "ffmpeg mux failed")
}

func TestProbeDuration(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		want    float64
		wantErr string
	}{
		{"valid", "30.033\n", 30.033, ""},
		{"empty", "\n", 0, "empty duration"},
		{"na", "N/A", 0, "empty duration"},
		{"garbage", "abc", 0, "failed to parse duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{handle: func(string, []string) ([]byte, []byte, error) {
				return []byte(tt.stdout), nil, nil
			}}
			d, err := newTestTranscoder(r).ProbeDuration(context.Background(), "x.mp4")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, d, 1e-9)
		})
	}
}

func TestHasVideoStream(t *testing.T) {
	r := &fakeRunner{handle: func(string, []string) ([]byte, []byte, error) {
		return []byte("video\n"), nil, nil
	}}
	ok, err := newTestTranscoder(r).HasVideoStream(context.Background(), "x.mp4")
	require.NoError(t, err)
	assert.True(t, ok)

	r.handle = func(string, []string) ([]byte, []byte, error) { return nil, nil, nil }
	ok, err = newTestTranscoder(r).HasVideoStream(context.Background(), "page.html")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodeTrack_FallsBackToSox(t *testing.T) {
	r := &fakeRunner{handle: func(name string, _ []string) ([]byte, []byte, error) {
		switch name {
		case "ffmpeg":
			return nil, []byte("Invalid data found"), errors.New("exit status 1")
		case "ffprobe":
			return []byte("12.5"), nil, nil
		}
		return nil, nil, nil
	}}
	tc := newTestTranscoder(r)
	dir := t.TempDir()

	tr, err := tc.DecodeTrack(context.Background(), []byte{1, 2, 3, 4}, 24000, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "speech.wav"), tr.Path)
	assert.InDelta(t, 12.5, tr.Duration, 1e-9)

	sox := r.callsTo("sox")
	require.Len(t, sox, 1)
	assert.Contains(t, strings.Join(sox[0].args, " "), "-r 24000 -e signed -b 16 -c 1")

	raw, err := os.ReadFile(filepath.Join(dir, "speech.raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, raw)
}

func TestDecodeTrack_BothToolsFail(t *testing.T) {
	r := &fakeRunner{handle: func(name string, _ []string) ([]byte, []byte, error) {
		return nil, []byte(name + " broke"), errors.New("exit status 1")
	}}
	_, err := newTestTranscoder(r).DecodeTrack(context.Background(), []byte{0, 0}, 24000, t.TempDir())

	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "decode", ee.Op)
	assert.Equal(t, "ffmpeg broke", ee.Stderr)
}

func TestDecodeTrack_EmptyPayload(t *testing.T) {
	_, err := newTestTranscoder(&fakeRunner{}).DecodeTrack(context.Background(), nil, 24000, t.TempDir())
	require.Error(t, err)
}

func TestThumbnail(t *testing.T) {
	r := &fakeRunner{handle: func(_ string, args []string) ([]byte, []byte, error) {
		return nil, nil, os.WriteFile(args[len(args)-1], []byte("RIFFwebp"), 0o644)
	}}
	out := filepath.Join(t.TempDir(), "thumb.webp")

	b, err := newTestTranscoder(r).Thumbnail(context.Background(), "merged.mp4", out)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFwebp"), b)
}

func TestLoadTrack_ContainerIsUsedAsIs(t *testing.T) {
	r := &fakeRunner{handle: func(name string, _ []string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return []byte("9.2"), nil, nil
		}
		return nil, nil, nil
	}}
	tr, err := newTestTranscoder(r).LoadTrack(context.Background(), "voice.mp3", 24000, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Track{Path: "voice.mp3", Duration: 9.2}, tr)
	assert.Empty(t, r.callsTo("ffmpeg"), "a readable file is not decoded as pcm")
}

func TestLoadTrack_RawPCMIsDecoded(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "speech.pcm")
	require.NoError(t, os.WriteFile(in, []byte{1, 2, 3, 4}, 0o644))

	ffprobeCalls := 0
	r := &fakeRunner{handle: func(name string, args []string) ([]byte, []byte, error) {
		if name != "ffprobe" {
			return nil, nil, nil
		}
		ffprobeCalls++
		if args[len(args)-1] == in {
			return nil, []byte("Invalid data found when processing input"), errors.New("exit status 1")
		}
		return []byte("3.0"), nil, nil
	}}
	tr, err := newTestTranscoder(r).LoadTrack(context.Background(), in, 24000, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "speech.wav"), tr.Path)
	assert.InDelta(t, 3.0, tr.Duration, 1e-9)
	assert.Equal(t, 2, ffprobeCalls)

	ff := r.callsTo("ffmpeg")
	require.Len(t, ff, 1)
	assert.Contains(t, strings.Join(ff[0].args, " "), "-f s16le -ar 24000 -ac 1")
}
