package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/you/tg-dubber/internal/generator"
	"github.com/you/tg-dubber/internal/store"
	"github.com/you/tg-dubber/internal/transcode"
)

var mergeOut string

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the gallery index from stored records",
	Args:  cobra.NoArgs,
	RunE:  runReindex,
}

var probeCmd = &cobra.Command{
	Use:   "probe <video>",
	Short: "Show duration and script budget for a local video",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <video> <speech>",
	Short: "Align a speech file to a video and mux them locally",
	Long: `Run the merge stage on local files, without Gemini or the bucket.

The speech may be any audio file ffprobe recognises (WAV, MP3, M4A...).
Files it cannot read are treated as raw 16-bit mono PCM at
AUDIO_SAMPLE_RATE, which is what the TTS model returns.

Examples:
  dubctl merge clip.mp4 speech.pcm -o dubbed.mp4`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().StringVarP(&mergeOut, "out", "o", "dubbed.mp4", "output file")
}

func newTranscoder() *transcode.Transcoder {
	return transcode.New(transcode.Options{
		FFmpeg:    cfg.FFmpegPath,
		FFprobe:   cfg.FFprobePath,
		Sox:       cfg.SoxPath,
		StderrMax: cfg.EngineStderrMax,
	})
}

func newArchive(ctx context.Context) (*store.Archive, error) {
	bucket, err := store.NewBucket(ctx, store.BucketConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
	})
	if err != nil {
		return nil, err
	}
	return store.NewArchive(bucket, cfg.PublicBaseURL), nil
}

func runReindex(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.StorageTimeout*5)
	defer cancel()

	archive, err := newArchive(ctx)
	if err != nil {
		return err
	}
	n, err := archive.RebuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	fmt.Printf("gallery index rebuilt with %d videos\n", n)
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.EngineTimeout)
	defer cancel()

	tc := newTranscoder()
	ok, err := tc.HasVideoStream(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s has no video stream", args[0])
	}
	d, err := tc.ProbeDuration(ctx, args[0])
	if err != nil {
		return err
	}
	target, minChars := generator.Budget(d)
	fmt.Printf("duration: %.3fs\nscript budget: %d-%d characters\n", d, minChars, target)
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.EngineTimeout)
	defer cancel()

	video, speechPath := args[0], args[1]
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return err
	}
	dir, err := os.MkdirTemp(cfg.WorkDir, "dubctl-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	tc := newTranscoder()
	d, err := tc.ProbeDuration(ctx, video)
	if err != nil {
		return err
	}
	tr, err := tc.LoadTrack(ctx, speechPath, cfg.AudioSampleRate, dir)
	if err != nil {
		return err
	}
	aligned, plan, err := tc.Align(ctx, tr, d, dir)
	if err != nil {
		return err
	}
	out, err := filepath.Abs(mergeOut)
	if err != nil {
		return err
	}
	if err := tc.Mux(ctx, video, aligned, d, out); err != nil {
		return err
	}
	fmt.Printf("video %.3fs, speech %.3fs, %s", d, tr.Duration, plan.Mode)
	if plan.Mode == transcode.AlignPad {
		fmt.Printf(" +%.3fs", plan.Pad)
	}
	fmt.Printf("\nwrote %s\n", out)
	return nil
}
