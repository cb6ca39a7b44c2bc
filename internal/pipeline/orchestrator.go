// Package pipeline runs dubbing jobs one at a time: it admits submissions to
// a FIFO queue, drives each job through its stages and keeps the
// requester's status message animated until the job ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/you/tg-dubber/internal/config"
	"github.com/you/tg-dubber/internal/generator"
	"github.com/you/tg-dubber/internal/logx"
	"github.com/you/tg-dubber/internal/notify"
	"github.com/you/tg-dubber/internal/store"
	"github.com/you/tg-dubber/internal/transcode"
)

/* ---------------------- collaborators ---------------------- */

type SourceResolver interface {
	Matches(link string) bool
	Resolve(ctx context.Context, link string) (string, error)
}

type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

type Generator interface {
	Upload(ctx context.Context, video []byte, mimeType string) (generator.Handle, error)
	Poll(ctx context.Context, h generator.Handle) (generator.Media, bool, error)
	Script(ctx context.Context, m generator.Media, duration float64) (generator.Script, error)
	Speech(ctx context.Context, text string) ([]byte, error)
}

type Transcoder interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	HasVideoStream(ctx context.Context, path string) (bool, error)
	DecodeTrack(ctx context.Context, raw []byte, sampleRate int, dir string) (transcode.Track, error)
	Align(ctx context.Context, tr transcode.Track, target float64, dir string) (transcode.Track, transcode.Alignment, error)
	Mux(ctx context.Context, videoPath string, tr transcode.Track, target float64, out string) error
	Thumbnail(ctx context.Context, videoPath, out string) ([]byte, error)
}

type Archive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Remove(ctx context.Context, key string) error
	PutRecord(ctx context.Context, rec store.VideoRecord) error
	RebuildIndex(ctx context.Context) (int, error)
	PublicURL(key string) string
}

type Notifier interface {
	Editor
	Send(chatID int64, text string) (int, error)
	Delete(chatID int64, messageID int) error
	SendMedia(chatID int64, mediaURL, caption string, buttons []notify.Button) error
}

// Quota gives back what a requester spent on a job that never ran.
type Quota interface {
	Refund(ctx context.Context, user int64) error
}

// Tracker records job lifecycle. Errors are logged and ignored.
type Tracker interface {
	Queued(ctx context.Context, id, sourceURL string, chatID int64) error
	Started(ctx context.Context, id string) error
	Stage(ctx context.Context, id, stage string) error
	Finished(ctx context.Context, id, publicURL string) error
	Failed(ctx context.Context, id, reason string) error
}

type Deps struct {
	Resolver   SourceResolver // optional
	Downloader Downloader
	Generator  Generator
	Transcoder Transcoder
	Archive    Archive
	Notifier   Notifier
	Tracker    Tracker // optional
	Quota      Quota   // optional
}

type Options struct {
	Profile           config.Profile
	WorkDir           string
	AnimationInterval time.Duration
	PollAttempts      int
	PollInterval      time.Duration
	MinScriptChars    int
	SampleRate        int
	FailureTextMax    int
	MaxQueue          int // 0 = unbounded
	GalleryURL        string

	ResolveTimeout  time.Duration
	DownloadTimeout time.Duration
	GenerateTimeout time.Duration
	EngineTimeout   time.Duration
	StorageTimeout  time.Duration
}

// OptionsFromConfig maps the environment config onto orchestrator options.
func OptionsFromConfig(c config.Config, prof config.Profile) Options {
	return Options{
		Profile:           prof,
		WorkDir:           c.WorkDir,
		AnimationInterval: c.AnimationInterval,
		PollAttempts:      c.PollAttempts,
		PollInterval:      c.PollInterval,
		MinScriptChars:    c.MinScriptChars,
		SampleRate:        c.AudioSampleRate,
		FailureTextMax:    c.FailureTextMax,
		MaxQueue:          c.MaxQueue,
		GalleryURL:        c.GalleryURL,
		ResolveTimeout:    c.ResolveTimeout,
		DownloadTimeout:   c.DownloadTimeout,
		GenerateTimeout:   c.GenerateTimeout,
		EngineTimeout:     c.EngineTimeout,
		StorageTimeout:    c.StorageTimeout,
	}
}

/* ---------------------- orchestrator ---------------------- */

var ErrAlreadyRunning = errors.New("orchestrator worker already running")

type Orchestrator struct {
	deps     Deps
	opts     Options
	animator *Animator

	mu      sync.Mutex
	pending []*Job
	current string
	closed  bool
	wake    chan struct{}

	started atomic.Bool
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 30
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MinScriptChars <= 0 {
		opts.MinScriptChars = 10
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.FailureTextMax <= 0 {
		opts.FailureTextMax = 150
	}
	if opts.Profile.Stages == nil {
		opts.Profile = config.DefaultProfile()
	}
	for name := range opts.Profile.Stages {
		if _, err := ParseStage(name); err != nil {
			log.Warn().Str("stage", name).Msg("profile names a stage the pipeline does not have")
		}
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		animator: NewAnimator(deps.Notifier, opts.Profile, opts.AnimationInterval),
		wake:     make(chan struct{}, 1),
	}
}

// Submit admits a job without waiting for it to run. When other jobs are
// ahead the requester's status message is switched to the queued notice.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Admission, error) {
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	if req.SourceURL == "" || req.ChatID == 0 {
		return Admission{}, fmt.Errorf("%w: videoUrl and chatId are required", ErrInvalidRequest)
	}

	job := &Job{
		ID:              newJobID(),
		SourceURL:       req.SourceURL,
		ChatID:          req.ChatID,
		StatusMessageID: req.StatusMessageID,
		UserID:          req.UserID,
		SubmittedAt:     time.Now(),
	}

	// The ledger entry goes first so the worker's updates can never be
	// overwritten by it.
	o.track(ctx, func(t Tracker) error { return t.Queued(ctx, job.ID, job.SourceURL, job.ChatID) })

	o.mu.Lock()
	var refused error
	switch {
	case o.closed:
		refused = ErrStopped
	case o.opts.MaxQueue > 0 && len(o.pending) >= o.opts.MaxQueue:
		refused = ErrQueueFull
	}
	if refused != nil {
		o.mu.Unlock()
		o.track(ctx, func(t Tracker) error { return t.Failed(ctx, job.ID, refused.Error()) })
		return Admission{}, refused
	}
	o.pending = append(o.pending, job)
	pos := len(o.pending)
	if o.current != "" {
		pos++
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	adm := Admission{JobID: job.ID, Position: pos, Ahead: pos - 1, Queued: pos > 1}
	log.Info().
		Str("job", job.ID).
		Int64("chat", job.ChatID).
		Int("position", pos).
		Msg("job admitted")

	if adm.Queued && job.StatusMessageID != 0 {
		go o.noticeQueued(job, pos)
	}
	return adm, nil
}

func (o *Orchestrator) noticeQueued(job *Job, pos int) {
	o.mu.Lock()
	waiting := lo.Contains(o.pending, job)
	o.mu.Unlock()
	if !waiting {
		return
	}
	text := fmt.Sprintf(o.opts.Profile.Queued, pos)
	if err := o.deps.Notifier.Edit(job.ChatID, job.StatusMessageID, text); err != nil {
		log.Debug().Err(err).Str("job", job.ID).Msg("queued notice not delivered")
	}
}

// Status reports queue depth and whether a job is running.
func (o *Orchestrator) Status() Health {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Health{QueueDepth: len(o.pending), Running: o.current != "", CurrentJob: o.current}
}

// Run is the single worker loop. It returns once ctx is cancelled and the
// running job, if any, has finished. Jobs still queued then fail with one
// message each, and later submissions are refused with ErrStopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.started.Store(false)

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrStopped
	}

	for {
		job, ok := o.next(ctx)
		if !ok {
			o.abandon(ctx)
			return ctx.Err()
		}
		o.runJob(ctx, job)

		o.mu.Lock()
		o.current = ""
		o.mu.Unlock()
	}
}

// abandon closes admission and fails every job still queued. Each requester
// gets one message and their quota back.
func (o *Orchestrator) abandon(parent context.Context) {
	o.mu.Lock()
	o.closed = true
	left := o.pending
	o.pending = nil
	o.mu.Unlock()
	if len(left) == 0 {
		return
	}

	log.Warn().Int("jobs", len(left)).Msg("worker stopping with jobs still queued")
	for _, job := range left {
		ctx := logx.WithJob(context.WithoutCancel(parent), job.ID, job.ChatID)
		f := &Failure{Stage: StageFetching, Kind: KindInterrupted, Err: ErrStopped}
		o.fail(ctx, &run{job: job, msgID: job.StatusMessageID}, f)
		if o.deps.Quota != nil && job.UserID != 0 {
			if err := o.deps.Quota.Refund(ctx, job.UserID); err != nil {
				l := logx.FromCtx(ctx)
				l.Warn().Err(err).Int64("user", job.UserID).Msg("quota refund failed")
			}
		}
	}
}

// next pops the oldest job and marks it current in one step.
func (o *Orchestrator) next(ctx context.Context) (*Job, bool) {
	for {
		o.mu.Lock()
		if ctx.Err() != nil {
			o.mu.Unlock()
			return nil, false
		}
		if len(o.pending) > 0 {
			job := o.pending[0]
			o.pending[0] = nil
			o.pending = o.pending[1:]
			o.current = job.ID
			o.mu.Unlock()
			return job, true
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-o.wake:
		}
	}
}

func (o *Orchestrator) track(ctx context.Context, fn func(Tracker) error) {
	if o.deps.Tracker == nil {
		return
	}
	if err := fn(o.deps.Tracker); err != nil {
		l := logx.FromCtx(ctx)
		l.Debug().Err(err).Msg("ledger write failed")
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
