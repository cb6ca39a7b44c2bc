package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/tg-dubber/internal/generator"
	"github.com/you/tg-dubber/internal/store"
	"github.com/you/tg-dubber/internal/transcode"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

func submit(t *testing.T, o *Orchestrator, url string, msgID int) Admission {
	t.Helper()
	adm, err := o.Submit(context.Background(), Request{SourceURL: url, ChatID: 42, StatusMessageID: msgID})
	require.NoError(t, err)
	return adm
}

func waitDone(t *testing.T, tr *fakeTracker, id string) trackEvent {
	t.Helper()
	var ev trackEvent
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = tr.terminal(id)
		return ok
	}, waitFor, tick, "job %s never finished", id)
	return ev
}

func TestSubmit_Validation(t *testing.T) {
	o := newHarness(t).build()

	_, err := o.Submit(context.Background(), Request{SourceURL: "  ", ChatID: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = o.Submit(context.Background(), Request{SourceURL: "https://v.test/a.mp4"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSubmit_QueueFull(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxQueue = 1
	o := h.build()

	first := submit(t, o, "https://v.test/a.mp4", 0)
	assert.Equal(t, 1, first.Position)

	_, err := o.Submit(context.Background(), Request{SourceURL: "https://v.test/b.mp4", ChatID: 42})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, o.Status().QueueDepth)
}

func TestRun_SingleInstance(t *testing.T) {
	o := newHarness(t).build()
	start(t, o)
	require.Eventually(t, o.started.Load, waitFor, tick)

	assert.ErrorIs(t, o.Run(context.Background()), ErrAlreadyRunning)
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	o := newHarness(t).build()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_CancelFailsQueuedJobs(t *testing.T) {
	h := newHarness(t)
	h.gen.gate = make(chan struct{})
	o := h.build()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- o.Run(ctx) }()

	a := submit(t, o, "https://v.test/a.mp4", 10)
	require.Eventually(t, func() bool { return o.Status().CurrentJob == a.JobID }, waitFor, tick)

	b, err := o.Submit(context.Background(), Request{
		SourceURL:       "https://v.test/b.mp4",
		ChatID:          42,
		StatusMessageID: 20,
		UserID:          9,
	})
	require.NoError(t, err)
	queued := fmt.Sprintf(h.opts.Profile.Queued, 2)
	require.Eventually(t, func() bool { return lo.Contains(h.notifier.editsFor(20), queued) }, waitFor, tick)

	cancel()
	close(h.gen.gate)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}

	// the running job completes, the queued one is failed once
	evA, ok := h.tracker.terminal(a.JobID)
	require.True(t, ok)
	assert.Equal(t, "finished", evA.Kind)
	evB, ok := h.tracker.terminal(b.JobID)
	require.True(t, ok, "queued job has no terminal ledger entry")
	assert.Equal(t, "failed", evB.Kind)
	assert.Contains(t, evB.Arg, "interrupted")
	assert.Equal(t, -1, h.tracker.indexOf("started", b.JobID))

	failed := h.notifier.messagesWithPrefix(h.opts.Profile.Failed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], headlines[KindInterrupted])
	edits := h.notifier.editsFor(20)
	assert.Equal(t, failed[0], edits[len(edits)-1])
	assert.Equal(t, []int64{9}, h.quota.users())

	_, err = o.Submit(context.Background(), Request{SourceURL: "https://v.test/c.mp4", ChatID: 42})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, o.Run(context.Background()), ErrStopped)
}

func TestSubmit_ConcurrentPositions(t *testing.T) {
	const n = 8
	submitAll := func(o *Orchestrator) []Admission {
		adms := make([]Admission, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				adm, err := o.Submit(context.Background(), Request{SourceURL: fmt.Sprintf("https://v.test/%d.mp4", i), ChatID: 42})
				assert.NoError(t, err)
				adms[i] = adm
			}(i)
		}
		wg.Wait()
		return adms
	}
	positions := func(adms []Admission) []int {
		p := lo.Map(adms, func(a Admission, _ int) int { return a.Position })
		sort.Ints(p)
		return p
	}

	t.Run("idle worker", func(t *testing.T) {
		o := newHarness(t).build()
		assert.Equal(t, lo.RangeFrom(1, n), positions(submitAll(o)))
	})

	t.Run("busy worker", func(t *testing.T) {
		h := newHarness(t)
		h.gen.gate = make(chan struct{})
		o := h.build()
		start(t, o)

		first := submit(t, o, "https://v.test/first.mp4", 0)
		require.Eventually(t, func() bool { return o.Status().CurrentJob == first.JobID }, waitFor, tick)

		adms := submitAll(o)
		assert.Equal(t, lo.RangeFrom(2, n), positions(adms))
		assert.Equal(t, n, o.Status().QueueDepth)

		close(h.gen.gate)
		waitDone(t, h.tracker, first.JobID)
		for _, adm := range adms {
			waitDone(t, h.tracker, adm.JobID)
		}

		sort.Slice(adms, func(i, j int) bool { return adms[i].Position < adms[j].Position })
		want := append([]string{first.JobID}, lo.Map(adms, func(a Admission, _ int) string { return a.JobID })...)
		var started []string
		for _, e := range h.tracker.all() {
			if e.Kind == "started" {
				started = append(started, e.ID)
			}
		}
		assert.Equal(t, want, started)
		assert.EqualValues(t, 1, h.gen.maxSeen.Load())
	})
}

func TestPipeline_Success(t *testing.T) {
	h := newHarness(t)
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://xhs.test/item/1", 77)
	assert.Equal(t, 1, adm.Position)
	assert.False(t, adm.Queued)

	ev := waitDone(t, h.tracker, adm.JobID)
	require.Equal(t, "finished", ev.Kind)
	assert.EqualValues(t, 1, h.resolver.calls.Load())

	objs, recs := h.archive.snapshot()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, adm.JobID, rec.JobID)
	assert.Equal(t, "ของดี 🔥", rec.Title)
	assert.Equal(t, 20.0, rec.Duration)
	assert.Equal(t, "https://xhs.test/item/1", rec.OriginalURL)
	assert.Equal(t, "https://cdn.test/"+store.VideoKey(rec.ID), rec.PublicURL)
	assert.Equal(t, "https://cdn.test/"+store.ThumbKey(rec.ID), rec.ThumbnailURL)
	assert.Equal(t, ev.Arg, rec.PublicURL)

	assert.Contains(t, objs, store.OriginalKey(rec.ID))
	assert.Contains(t, objs, store.VideoKey(rec.ID))
	assert.Contains(t, objs, store.ThumbKey(rec.ID))

	h.notifier.mu.Lock()
	media := append([]mediaMsg(nil), h.notifier.media...)
	deleted := append([]int(nil), h.notifier.deleted...)
	h.notifier.mu.Unlock()
	require.Len(t, media, 1)
	assert.Equal(t, rec.PublicURL, media[0].URL)
	assert.Equal(t, "ของดี 🔥", media[0].Caption)
	require.Len(t, media[0].Buttons, 1)
	assert.Equal(t, "https://gallery.test", media[0].Buttons[0].URL)
	assert.Equal(t, []int{77}, deleted)
	assert.Empty(t, h.notifier.messagesWithPrefix("❌"))

	// stages were recorded in order
	var stages []string
	for _, e := range h.tracker.all() {
		if e.Kind == "stage" && e.ID == adm.JobID {
			stages = append(stages, e.Arg)
		}
	}
	assert.Equal(t, []string{"fetching", "analyzing", "synthesizing", "merging", "publishing"}, stages)
}

func TestPipeline_OpensStatusMessageWhenMissing(t *testing.T) {
	h := newHarness(t)
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 0)
	waitDone(t, h.tracker, adm.JobID)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.NotEmpty(t, h.notifier.sent)
	assert.Equal(t, h.opts.Profile.Idle, h.notifier.sent[0].Text)
	assert.Equal(t, []int{h.notifier.sent[0].MsgID}, h.notifier.deleted)
}

func TestPipeline_QueuedJobWaitsItsTurn(t *testing.T) {
	h := newHarness(t)
	h.gen.gate = make(chan struct{})
	o := h.build()
	start(t, o)

	a := submit(t, o, "https://v.test/a.mp4", 10)
	assert.Equal(t, 1, a.Position)
	require.Eventually(t, func() bool { return o.Status().CurrentJob == a.JobID }, waitFor, tick)

	b := submit(t, o, "https://v.test/b.mp4", 20)
	assert.Equal(t, 2, b.Position)
	assert.Equal(t, 1, b.Ahead)
	assert.True(t, b.Queued)

	want := fmt.Sprintf(h.opts.Profile.Queued, 2)
	require.Eventually(t, func() bool {
		for _, txt := range h.notifier.editsFor(20) {
			if txt == want {
				return true
			}
		}
		return false
	}, waitFor, tick)

	st := o.Status()
	assert.Equal(t, 1, st.QueueDepth)
	assert.True(t, st.Running)

	close(h.gen.gate)
	waitDone(t, h.tracker, a.JobID)
	waitDone(t, h.tracker, b.JobID)

	assert.Less(t, h.tracker.indexOf("finished", a.JobID), h.tracker.indexOf("started", b.JobID))
	assert.EqualValues(t, 1, h.gen.maxSeen.Load())
}

func TestPipeline_FIFO(t *testing.T) {
	h := newHarness(t)
	o := h.build()

	var ids []string
	for i := 0; i < 4; i++ {
		adm := submit(t, o, fmt.Sprintf("https://v.test/%d.mp4", i), 0)
		assert.Equal(t, i+1, adm.Position)
		ids = append(ids, adm.JobID)
	}
	start(t, o)
	for _, id := range ids {
		waitDone(t, h.tracker, id)
	}

	var started []string
	for _, e := range h.tracker.all() {
		if e.Kind == "started" {
			started = append(started, e.ID)
		}
	}
	assert.Equal(t, ids, started)
}

func TestPipeline_ScriptTooShort(t *testing.T) {
	h := newHarness(t)
	h.gen.script = generator.Script{Title: "x", Text: "12345678"}
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	require.Equal(t, "failed", ev.Kind)
	assert.Contains(t, ev.Arg, "script_too_short")

	objs, recs := h.archive.snapshot()
	assert.Empty(t, recs)
	assert.Empty(t, objs, "original copy is removed on failure")

	fails := h.notifier.messagesWithPrefix(h.opts.Profile.Failed)
	require.Len(t, fails, 1)
	assert.Contains(t, fails[0], headlines[KindScriptTooShort])
	assert.Empty(t, h.notifier.media)
}

func TestPipeline_EngineFailure(t *testing.T) {
	h := newHarness(t)
	h.tc.muxErr = &transcode.EngineError{Op: "mux", Stderr: strings.Repeat("e", 200), Err: errors.New("exit status 1")}
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	require.Equal(t, "failed", ev.Kind)
	assert.Contains(t, ev.Arg, "merging: engine")

	objs, recs := h.archive.snapshot()
	assert.Empty(t, recs)
	assert.Empty(t, objs)

	fails := h.notifier.messagesWithPrefix(h.opts.Profile.Failed)
	require.Len(t, fails, 1)
	reason := strings.TrimPrefix(fails[0], h.opts.Profile.Failed+"\n\n")
	assert.Equal(t, 150, utf8.RuneCountInString(reason))
	assert.True(t, strings.HasPrefix(reason, headlines[KindEngine]+": ffmpeg mux failed: eee"))
}

func TestPipeline_AnalysisTimeout(t *testing.T) {
	h := newHarness(t)
	h.gen.readyAfter = -1
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	require.Equal(t, "failed", ev.Kind)
	assert.Contains(t, ev.Arg, "analyzing: analysis_timeout")
	assert.Equal(t, 3, h.gen.polls)
}

func TestPipeline_PollsUntilReady(t *testing.T) {
	h := newHarness(t)
	h.gen.readyAfter = 2
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	assert.Equal(t, "finished", ev.Kind)
	assert.Equal(t, 3, h.gen.polls)
}

func TestPipeline_EmptySpeech(t *testing.T) {
	h := newHarness(t)
	h.gen.speech = nil
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	assert.Contains(t, ev.Arg, "synthesizing: speech_empty")
}

func TestPipeline_NotAVideo(t *testing.T) {
	h := newHarness(t)
	h.tc.hasVideo = false
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	assert.Contains(t, ev.Arg, "fetching: download")

	objs, _ := h.archive.snapshot()
	assert.Empty(t, objs)
}

func TestPipeline_ThumbnailFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.tc.thumbErr = &transcode.EngineError{Op: "thumbnail", Err: errors.New("exit status 1")}
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	require.Equal(t, "finished", ev.Kind)

	_, recs := h.archive.snapshot()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].ThumbnailURL)
}

func TestPipeline_ThumbnailUploadFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.archive.failPut["_thumb.webp"] = errors.New("bucket said no")
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	require.Equal(t, "finished", ev.Kind)

	_, recs := h.archive.snapshot()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].ThumbnailURL)
}

func TestPipeline_ReindexFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.archive.rebuildErr = errors.New("listing failed")
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	assert.Equal(t, "finished", ev.Kind)
}

func TestPipeline_RecordFailureRemovesDeliverable(t *testing.T) {
	h := newHarness(t)
	h.archive.recordErr = errors.New("put failed")
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	require.Equal(t, "failed", ev.Kind)
	assert.Contains(t, ev.Arg, "publishing: storage")

	objs, _ := h.archive.snapshot()
	assert.Empty(t, objs)
}

func TestPipeline_MediaFailureFallsBackToLink(t *testing.T) {
	h := newHarness(t)
	h.notifier.mediaErr = errors.New("wrong file identifier")
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	ev := waitDone(t, h.tracker, adm.JobID)
	require.Equal(t, "finished", ev.Kind)

	edits := h.notifier.editsFor(5)
	require.NotEmpty(t, edits)
	last := edits[len(edits)-1]
	assert.Contains(t, last, ev.Arg)
	assert.Empty(t, h.notifier.deleted)
}

func TestPipeline_NoAnimationAfterOutcome(t *testing.T) {
	h := newHarness(t)
	h.gen.script = generator.Script{Text: "short"}
	o := h.build()
	start(t, o)

	adm := submit(t, o, "https://v.test/a.mp4", 5)
	waitDone(t, h.tracker, adm.JobID)

	edits := h.notifier.editsFor(5)
	require.NotEmpty(t, edits)
	assert.True(t, strings.HasPrefix(edits[len(edits)-1], h.opts.Profile.Failed))

	time.Sleep(10 * h.opts.AnimationInterval)
	assert.Equal(t, len(edits), len(h.notifier.editsFor(5)))
}
