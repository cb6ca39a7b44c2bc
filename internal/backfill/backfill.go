// Package backfill repairs published gallery records after the fact: it
// renders thumbnails that were skipped when a job published and rewrites
// captions from the stored scripts. Each kind runs at most once at a time
// and reports its progress while it runs.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/you/tg-dubber/internal/store"
)

type Kind string

const (
	KindThumbs Kind = "thumbs"
	KindTitles Kind = "titles"
)

var (
	ErrRunning     = errors.New("backfill already running")
	ErrUnknownKind = errors.New("unknown backfill kind")
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindThumbs, KindTitles:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type Archive interface {
	Records(ctx context.Context) ([]store.VideoRecord, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PutRecord(ctx context.Context, rec store.VideoRecord) error
	RebuildIndex(ctx context.Context) (int, error)
	PublicURL(key string) string
}

type Thumbnailer interface {
	Thumbnail(ctx context.Context, videoPath, out string) ([]byte, error)
}

type Captioner interface {
	Caption(ctx context.Context, script string) (string, error)
}

type Options struct {
	WorkDir      string
	CaptionDelay time.Duration // pause between caption calls
	ItemTimeout  time.Duration // per record
}

// Progress is the state of the latest run of one kind.
type Progress struct {
	Running bool   `json:"running"`
	Total   int    `json:"total"`
	Done    int    `json:"done"`
	Skipped int    `json:"skipped"`
	Errors  int    `json:"errors"`
	Last    string `json:"last,omitempty"`
	Indexed int    `json:"indexed"`
}

type Runner struct {
	archive  Archive
	thumbs   Thumbnailer
	captions Captioner // optional; titles are refused without it
	opts     Options

	mu     sync.Mutex
	status map[Kind]Progress
}

func New(a Archive, th Thumbnailer, c Captioner, opts Options) *Runner {
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 3 * time.Minute
	}
	return &Runner{archive: a, thumbs: th, captions: c, opts: opts, status: map[Kind]Progress{}}
}

// Status returns the progress of the running or latest run of k.
func (r *Runner) Status(k Kind) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[k]
}

// Thumbs renders a thumbnail for every record that has a video but no
// thumbnail, then rebuilds the gallery index.
func (r *Runner) Thumbs(ctx context.Context) (Progress, error) {
	if err := r.reserve(KindThumbs); err != nil {
		return r.Status(KindThumbs), err
	}
	return r.work(ctx, KindThumbs)
}

// Titles asks for a new caption for every record with a script, then
// rebuilds the gallery index.
func (r *Runner) Titles(ctx context.Context) (Progress, error) {
	if err := r.reserve(KindTitles); err != nil {
		return r.Status(KindTitles), err
	}
	return r.work(ctx, KindTitles)
}

// Start runs k in the background. The run outlives ctx's cancellation but
// keeps its values. It fails with ErrRunning when k is already running.
func (r *Runner) Start(ctx context.Context, k Kind) error {
	if _, err := ParseKind(string(k)); err != nil {
		return err
	}
	if err := r.reserve(k); err != nil {
		return err
	}
	go func() {
		if _, err := r.work(context.WithoutCancel(ctx), k); err != nil {
			log.Error().Err(err).Str("kind", string(k)).Msg("backfill failed")
		}
	}()
	return nil
}

func (r *Runner) reserve(k Kind) error {
	if k == KindTitles && r.captions == nil {
		return errors.New("titles backfill needs a caption model")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status[k].Running {
		return ErrRunning
	}
	r.status[k] = Progress{Running: true}
	return nil
}

func (r *Runner) update(k Kind, fn func(*Progress)) Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.status[k]
	fn(&p)
	r.status[k] = p
	return p
}

/* ---------------------- run ---------------------- */

func (r *Runner) work(ctx context.Context, k Kind) (p Progress, err error) {
	defer func() {
		p = r.update(k, func(p *Progress) { p.Running = false })
	}()

	recs, err := r.archive.Records(ctx)
	if err != nil {
		return p, fmt.Errorf("list records: %w", err)
	}
	pick, fix := r.needsThumb, r.thumb
	if k == KindTitles {
		pick, fix = hasScript, r.title
	}
	todo := lo.Filter(recs, func(rec store.VideoRecord, _ int) bool { return pick(rec) })
	r.update(k, func(p *Progress) {
		p.Total = len(todo)
		p.Skipped = len(recs) - len(todo)
	})
	log.Info().Str("kind", string(k)).Int("records", len(todo)).Int("skipped", len(recs)-len(todo)).Msg("backfill started")

	for i, rec := range todo {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if err := r.fixOne(ctx, rec, fix); err != nil {
			log.Warn().Err(err).Str("kind", string(k)).Str("video", rec.ID).Msg("backfill item failed")
			r.update(k, func(p *Progress) { p.Errors++ })
		} else {
			r.update(k, func(p *Progress) {
				p.Done++
				p.Last = rec.ID
			})
		}
		if k == KindTitles && i < len(todo)-1 {
			if err := sleep(ctx, r.opts.CaptionDelay); err != nil {
				return p, err
			}
		}
	}

	n, err := r.archive.RebuildIndex(ctx)
	if err != nil {
		return p, fmt.Errorf("rebuild index: %w", err)
	}
	r.update(k, func(p *Progress) { p.Indexed = n })
	st := r.Status(k)
	log.Info().Str("kind", string(k)).Int("done", st.Done).Int("errors", st.Errors).Msg("backfill finished")
	return p, nil
}

func (r *Runner) fixOne(ctx context.Context, rec store.VideoRecord, fix func(context.Context, *store.VideoRecord) error) error {
	ictx, cancel := context.WithTimeout(ctx, r.opts.ItemTimeout)
	defer cancel()
	if err := fix(ictx, &rec); err != nil {
		return err
	}
	return r.archive.PutRecord(ictx, rec)
}

/* ---------------------- thumbnails ---------------------- */

func (r *Runner) needsThumb(rec store.VideoRecord) bool {
	return rec.ThumbnailURL == "" && rec.PublicURL != ""
}

func (r *Runner) thumb(ctx context.Context, rec *store.VideoRecord) error {
	video, err := r.archive.Get(ctx, store.VideoKey(rec.ID))
	if err != nil {
		return fmt.Errorf("read video: %w", err)
	}
	dir, err := os.MkdirTemp(r.opts.WorkDir, "thumb-"+rec.ID+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(in, video, 0o644); err != nil {
		return err
	}
	img, err := r.thumbs.Thumbnail(ctx, in, filepath.Join(dir, "thumb.webp"))
	if err != nil {
		return err
	}
	key := store.ThumbKey(rec.ID)
	if err := r.archive.Put(ctx, key, img, "image/webp"); err != nil {
		return err
	}
	rec.ThumbnailURL = r.archive.PublicURL(key)
	return nil
}

/* ---------------------- titles ---------------------- */

func hasScript(rec store.VideoRecord) bool { return rec.Script != "" }

func (r *Runner) title(ctx context.Context, rec *store.VideoRecord) error {
	t, err := r.captions.Caption(ctx, rec.Script)
	if err != nil {
		return err
	}
	rec.Title = t
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
