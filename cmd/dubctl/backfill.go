package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/you/tg-dubber/internal/backfill"
	"github.com/you/tg-dubber/internal/config"
	"github.com/you/tg-dubber/internal/generator"
)

var thumbsCmd = &cobra.Command{
	Use:   "thumbs",
	Short: "Render missing thumbnails for published videos",
	Long: `Download every published video that has no thumbnail, render one
with ffmpeg, upload it and rebuild the gallery index.

Records that already have a thumbnail are left alone.`,
	Args: cobra.NoArgs,
	RunE: runBackfill(backfill.KindThumbs),
}

var titlesCmd = &cobra.Command{
	Use:   "titles",
	Short: "Regenerate gallery captions from stored scripts",
	Long: `Ask Gemini for a fresh caption for every record that kept its script,
pausing CAPTION_DELAY between calls, then rebuild the gallery index.

The caption prompt is caption_prompt from PROFILE_FILE.`,
	Args: cobra.NoArgs,
	RunE: runBackfill(backfill.KindTitles),
}

func runBackfill(k backfill.Kind) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
			return err
		}

		archive, err := newArchive(ctx)
		if err != nil {
			return err
		}
		var captions backfill.Captioner
		if k == backfill.KindTitles {
			prof, err := config.LoadProfile(cfg.ProfileFile)
			if err != nil {
				return err
			}
			gem, err := generator.New(ctx, generator.Options{
				APIKey:  cfg.GoogleAPIKey,
				Model:   cfg.GeminiModel,
				Prompt:  prof.ScriptPrompt,
				Caption: prof.CaptionPrompt,
			})
			if err != nil {
				return err
			}
			captions = gem
		}

		r := backfill.New(archive, newTranscoder(), captions, backfill.Options{
			WorkDir:      cfg.WorkDir,
			CaptionDelay: cfg.CaptionDelay,
			ItemTimeout:  cfg.EngineTimeout,
		})
		run := r.Thumbs
		if k == backfill.KindTitles {
			run = r.Titles
		}
		p, err := run(ctx)
		fmt.Printf("%s: %d fixed, %d failed, %d skipped, index has %d videos\n", k, p.Done, p.Errors, p.Skipped, p.Indexed)
		return err
	}
}
