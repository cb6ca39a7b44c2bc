package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/you/tg-dubber/internal/generator"
	"github.com/you/tg-dubber/internal/logx"
	"github.com/you/tg-dubber/internal/notify"
	"github.com/you/tg-dubber/internal/resolver"
	"github.com/you/tg-dubber/internal/store"
)

// run is the working state of one job execution.
type run struct {
	job      *Job
	msgID    int
	progress *Progress
	dir      string

	videoID     string
	video       []byte
	videoPath   string
	contentType string
	duration    float64

	media  generator.Media
	script generator.Script
	speech []byte

	outPath     string
	outDuration float64
	thumb       []byte

	written   []string // object keys to remove if the job fails
	publicURL string
	thumbURL  string
}

func (o *Orchestrator) runJob(parent context.Context, job *Job) {
	// A job that has started is never cancelled.
	ctx := logx.WithJob(context.WithoutCancel(parent), job.ID, job.ChatID)
	l := logx.FromCtx(ctx)
	start := time.Now()
	l.Info().Str("source", job.SourceURL).Dur("waited", start.Sub(job.SubmittedAt)).Msg("job started")
	o.track(ctx, func(t Tracker) error { return t.Started(ctx, job.ID) })

	r := &run{job: job, msgID: job.StatusMessageID, progress: NewProgress()}
	if f := o.execute(ctx, r); f != nil {
		o.fail(ctx, r, f)
		l.Error().
			Str("stage", f.Stage.String()).
			Str("kind", f.Kind.String()).
			Err(f.Err).
			Dur("took", time.Since(start)).
			Msg("job failed")
		return
	}
	o.succeed(ctx, r)
	l.Info().Str("video", r.videoID).Dur("took", time.Since(start)).Msg("job done")
}

// execute runs every stage. The animation is stopped and the workspace
// removed before it returns, whatever the outcome.
func (o *Orchestrator) execute(ctx context.Context, r *run) (f *Failure) {
	l := logx.FromCtx(ctx)

	if r.msgID == 0 {
		if id, err := o.deps.Notifier.Send(r.job.ChatID, o.opts.Profile.Idle); err == nil {
			r.msgID = id
		} else {
			l.Warn().Err(err).Msg("could not open a status message")
		}
	}

	dir, err := os.MkdirTemp(o.opts.WorkDir, "dub-"+r.job.ID+"-")
	if err != nil {
		return &Failure{Stage: StageFetching, Kind: KindInternal, Err: fmt.Errorf("workspace: %w", err)}
	}
	r.dir = dir
	defer os.RemoveAll(dir)

	anim := o.animator.Start(ctx, r.job.ChatID, r.msgID, r.progress)
	defer anim.Stop()

	defer func() {
		if rec := recover(); rec != nil {
			st, _ := r.progress.Current()
			l.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("job panicked")
			f = &Failure{Stage: st, Kind: KindInternal, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	for _, st := range Stages {
		if err := r.progress.Begin(st); err != nil {
			return &Failure{Stage: st, Kind: KindInternal, Err: err}
		}
		o.track(ctx, func(t Tracker) error { return t.Stage(ctx, r.job.ID, st.String()) })

		began := time.Now()
		if err := o.runStage(ctx, r, st); err != nil {
			return classify(st, err)
		}
		if err := r.progress.Complete(st); err != nil {
			return &Failure{Stage: st, Kind: KindInternal, Err: err}
		}
		l.Info().Str("stage", st.String()).Dur("took", time.Since(began)).Msg("stage done")
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, st Stage) error {
	switch st {
	case StageFetching:
		return o.fetch(ctx, r)
	case StageAnalyzing:
		return o.analyze(ctx, r)
	case StageSynthesizing:
		return o.synthesize(ctx, r)
	case StageMerging:
		return o.merge(ctx, r)
	case StagePublishing:
		return o.publish(ctx, r)
	}
	return fmt.Errorf("no handler for %s", st)
}

/* ---------------------- stages ---------------------- */

func (o *Orchestrator) fetch(ctx context.Context, r *run) error {
	src := r.job.SourceURL
	if o.deps.Resolver != nil && o.deps.Resolver.Matches(src) {
		cctx, cancel := withTimeout(ctx, o.opts.ResolveTimeout)
		direct, err := o.deps.Resolver.Resolve(cctx, src)
		cancel()
		if err != nil {
			return fmt.Errorf("resolve link: %w", err)
		}
		src = direct
	}

	cctx, cancel := withTimeout(ctx, o.opts.DownloadTimeout)
	body, ct, err := o.deps.Downloader.Download(cctx, src)
	cancel()
	if err != nil {
		return err
	}

	r.videoPath = filepath.Join(r.dir, "video.mp4")
	if err := os.WriteFile(r.videoPath, body, 0o644); err != nil {
		return &Failure{Stage: StageFetching, Kind: KindInternal, Err: err}
	}

	ectx, cancel := withTimeout(ctx, o.opts.EngineTimeout)
	ok, err := o.deps.Transcoder.HasVideoStream(ectx, r.videoPath)
	cancel()
	if err != nil {
		return fmt.Errorf("%w (%v)", resolver.ErrNotVideo, err)
	}
	if !ok {
		return resolver.ErrNotVideo
	}

	if !strings.HasPrefix(ct, "video/") {
		ct = "video/mp4"
	}
	r.video, r.contentType = body, ct
	r.videoID = store.NewVideoID()

	key := store.OriginalKey(r.videoID)
	sctx, cancel := withTimeout(ctx, o.opts.StorageTimeout)
	err = o.deps.Archive.Put(sctx, key, body, ct)
	cancel()
	if err != nil {
		return storageErr(err)
	}
	r.written = append(r.written, key)

	ectx, cancel = withTimeout(ctx, o.opts.EngineTimeout)
	d, err := o.deps.Transcoder.ProbeDuration(ectx, r.videoPath)
	cancel()
	if err != nil {
		return fmt.Errorf("probe video: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("probe video: duration %.3f", d)
	}
	r.duration = d

	l := logx.FromCtx(ctx)
	l.Info().Str("video", r.videoID).Int("bytes", len(body)).Float64("duration", d).Msg("source fetched")
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, r *run) error {
	l := logx.FromCtx(ctx)

	gctx, cancel := withTimeout(ctx, o.opts.GenerateTimeout)
	h, err := o.deps.Generator.Upload(gctx, r.video, r.contentType)
	cancel()
	if err != nil {
		return err
	}

	ready := false
	for i := 0; i < o.opts.PollAttempts; i++ {
		pctx, cancel := withTimeout(ctx, o.opts.GenerateTimeout)
		m, ok, err := o.deps.Generator.Poll(pctx, h)
		cancel()
		if err != nil {
			return err
		}
		if ok {
			r.media, ready = m, true
			break
		}
		if i < o.opts.PollAttempts-1 {
			if err := sleep(ctx, o.opts.PollInterval); err != nil {
				return err
			}
		}
	}
	if !ready {
		return fmt.Errorf("%w: still processing after %d checks", generator.ErrAnalysisTimeout, o.opts.PollAttempts)
	}

	gctx, cancel = withTimeout(ctx, o.opts.GenerateTimeout)
	s, err := o.deps.Generator.Script(gctx, r.media, r.duration)
	cancel()
	if err != nil {
		return err
	}
	n := utf8.RuneCountInString(s.Text)
	if n < o.opts.MinScriptChars {
		return fmt.Errorf("%w: %d characters, need at least %d", ErrScriptTooShort, n, o.opts.MinScriptChars)
	}
	if _, minChars := generator.Budget(r.duration); n < minChars {
		l.Warn().Int("chars", n).Int("budget_min", minChars).Msg("script shorter than budget, audio will be padded")
	}
	r.script = s
	return nil
}

func (o *Orchestrator) synthesize(ctx context.Context, r *run) error {
	gctx, cancel := withTimeout(ctx, o.opts.GenerateTimeout)
	audio, err := o.deps.Generator.Speech(gctx, r.script.Text)
	cancel()
	if err != nil {
		return err
	}
	if len(audio) == 0 {
		return generator.ErrEmptySpeech
	}
	r.speech = audio
	return nil
}

func (o *Orchestrator) merge(ctx context.Context, r *run) error {
	l := logx.FromCtx(ctx)
	tc := o.deps.Transcoder

	ectx, cancel := withTimeout(ctx, o.opts.EngineTimeout)
	defer cancel()

	tr, err := tc.DecodeTrack(ectx, r.speech, o.opts.SampleRate, r.dir)
	if err != nil {
		return err
	}
	aligned, plan, err := tc.Align(ectx, tr, r.duration, r.dir)
	if err != nil {
		return err
	}
	l.Info().
		Str("mode", plan.Mode.String()).
		Float64("video", r.duration).
		Float64("audio", tr.Duration).
		Float64("pad", plan.Pad).
		Msg("speech aligned")

	out := filepath.Join(r.dir, "output.mp4")
	if err := tc.Mux(ectx, r.videoPath, aligned, r.duration, out); err != nil {
		return err
	}
	r.outPath = out

	if d, err := tc.ProbeDuration(ectx, out); err == nil && d > 0 {
		r.outDuration = d
	} else {
		l.Warn().Err(err).Msg("could not probe merged output, using source duration")
		r.outDuration = r.duration
	}

	thumb, err := tc.Thumbnail(ectx, out, filepath.Join(r.dir, "thumb.webp"))
	if err != nil {
		l.Warn().Err(err).Msg("thumbnail skipped")
	} else {
		r.thumb = thumb
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, r *run) error {
	l := logx.FromCtx(ctx)
	a := o.deps.Archive

	data, err := os.ReadFile(r.outPath)
	if err != nil {
		return &Failure{Stage: StagePublishing, Kind: KindInternal, Err: err}
	}

	sctx, cancel := withTimeout(ctx, o.opts.StorageTimeout)
	defer cancel()

	videoKey := store.VideoKey(r.videoID)
	if err := a.Put(sctx, videoKey, data, "video/mp4"); err != nil {
		return storageErr(err)
	}
	r.written = append(r.written, videoKey)
	r.publicURL = a.PublicURL(videoKey)

	if len(r.thumb) > 0 {
		thumbKey := store.ThumbKey(r.videoID)
		if err := a.Put(sctx, thumbKey, r.thumb, "image/webp"); err != nil {
			l.Warn().Err(err).Msg("thumbnail upload failed, publishing without it")
		} else {
			r.written = append(r.written, thumbKey)
			r.thumbURL = a.PublicURL(thumbKey)
		}
	}

	rec := store.VideoRecord{
		ID:           r.videoID,
		JobID:        r.job.ID,
		Title:        r.script.Title,
		Script:       r.script.Text,
		Duration:     r.outDuration,
		OriginalURL:  r.job.SourceURL,
		CreatedAt:    time.Now().UTC(),
		PublicURL:    r.publicURL,
		ThumbnailURL: r.thumbURL,
	}
	if err := a.PutRecord(sctx, rec); err != nil {
		return storageErr(err)
	}

	if n, err := a.RebuildIndex(sctx); err != nil {
		l.Warn().Err(err).Msg("gallery index rebuild failed")
	} else {
		l.Debug().Int("videos", n).Msg("gallery index rebuilt")
	}
	return nil
}

/* ---------------------- outcome ---------------------- */

func (o *Orchestrator) fail(ctx context.Context, r *run, f *Failure) {
	l := logx.FromCtx(ctx)

	for _, key := range r.written {
		sctx, cancel := withTimeout(ctx, o.opts.StorageTimeout)
		if err := o.deps.Archive.Remove(sctx, key); err != nil {
			l.Warn().Err(err).Str("key", key).Msg("cleanup of failed job left an object behind")
		}
		cancel()
	}

	text := o.opts.Profile.Failed + "\n\n" + f.UserText(o.opts.FailureTextMax)
	o.deliverText(ctx, r, text)
	o.track(ctx, func(t Tracker) error { return t.Failed(ctx, r.job.ID, f.Error()) })
}

func (o *Orchestrator) succeed(ctx context.Context, r *run) {
	l := logx.FromCtx(ctx)

	var buttons []notify.Button
	if o.opts.GalleryURL != "" {
		buttons = append(buttons, notify.Button{Text: o.opts.Profile.GalleryLabel, URL: o.opts.GalleryURL})
	}
	if err := o.deps.Notifier.SendMedia(r.job.ChatID, r.publicURL, r.script.Title, buttons); err != nil {
		l.Warn().Err(err).Msg("video delivery failed, posting link instead")
		text := Render(r.progress.Snapshot(), o.opts.Profile, 0) + "\n\n🎬 " + r.publicURL
		o.deliverText(ctx, r, text)
	} else if r.msgID != 0 {
		if err := o.deps.Notifier.Delete(r.job.ChatID, r.msgID); err != nil {
			l.Debug().Err(err).Msg("status message not deleted")
		}
	}
	o.track(ctx, func(t Tracker) error { return t.Finished(ctx, r.job.ID, r.publicURL) })
}

// deliverText puts text in the status message, or a new message when there
// is none or it can no longer be edited.
func (o *Orchestrator) deliverText(ctx context.Context, r *run, text string) {
	l := logx.FromCtx(ctx)
	n := o.deps.Notifier
	if r.msgID != 0 {
		err := n.Edit(r.job.ChatID, r.msgID, text)
		if err == nil {
			return
		}
		l.Warn().Err(err).Msg("status edit failed, sending a new message")
	}
	if _, err := n.Send(r.job.ChatID, text); err != nil {
		l.Error().Err(err).Msg("could not notify requester")
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

