package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you/tg-dubber/internal/config"
	"github.com/you/tg-dubber/internal/generator"
	"github.com/you/tg-dubber/internal/notify"
	"github.com/you/tg-dubber/internal/store"
	"github.com/you/tg-dubber/internal/transcode"
)

/* ---------------------- notifier ---------------------- */

type chatMsg struct {
	ChatID int64
	MsgID  int
	Text   string
}

type mediaMsg struct {
	ChatID  int64
	URL     string
	Caption string
	Buttons []notify.Button
}

type fakeNotifier struct {
	mu       sync.Mutex
	nextID   int
	sent     []chatMsg
	edits    []chatMsg
	deleted  []int
	media    []mediaMsg
	mediaErr error
	editErr  error
}

func (n *fakeNotifier) Send(chatID int64, text string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.sent = append(n.sent, chatMsg{chatID, 1000 + n.nextID, text})
	return 1000 + n.nextID, nil
}

func (n *fakeNotifier) Edit(chatID int64, msgID int, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.editErr != nil {
		return n.editErr
	}
	n.edits = append(n.edits, chatMsg{chatID, msgID, text})
	return nil
}

func (n *fakeNotifier) Delete(_ int64, msgID int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, msgID)
	return nil
}

func (n *fakeNotifier) SendMedia(chatID int64, url, caption string, buttons []notify.Button) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.mediaErr != nil {
		return n.mediaErr
	}
	n.media = append(n.media, mediaMsg{chatID, url, caption, buttons})
	return nil
}

func (n *fakeNotifier) editsFor(msgID int) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.edits {
		if e.MsgID == msgID {
			out = append(out, e.Text)
		}
	}
	return out
}

// messagesWithPrefix returns edits and sends whose text starts with p.
func (n *fakeNotifier) messagesWithPrefix(p string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range append(append([]chatMsg(nil), n.edits...), n.sent...) {
		if strings.HasPrefix(m.Text, p) {
			out = append(out, m.Text)
		}
	}
	return out
}

/* ---------------------- generator ---------------------- */

type fakeGenerator struct {
	mu         sync.Mutex
	script     generator.Script
	scriptErr  error
	speech     []byte
	speechErr  error
	readyAfter int // polls before the file is active; <0 never
	polls      int

	gate     chan struct{} // Upload blocks on it when set
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (g *fakeGenerator) Upload(ctx context.Context, _ []byte, _ string) (generator.Handle, error) {
	n := g.inflight.Add(1)
	defer g.inflight.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return generator.Handle{}, ctx.Err()
		}
	}
	return generator.Handle{Name: "files/abc", URI: "gs://abc", MIMEType: "video/mp4"}, nil
}

func (g *fakeGenerator) Poll(_ context.Context, h generator.Handle) (generator.Media, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	if g.readyAfter < 0 || g.polls <= g.readyAfter {
		return generator.Media{}, false, nil
	}
	return generator.Media{URI: h.URI, MIMEType: h.MIMEType}, true, nil
}

func (g *fakeGenerator) Script(context.Context, generator.Media, float64) (generator.Script, error) {
	return g.script, g.scriptErr
}

func (g *fakeGenerator) Speech(context.Context, string) ([]byte, error) {
	return g.speech, g.speechErr
}

/* ---------------------- transcoder ---------------------- */

type fakeTranscoder struct {
	videoDur float64
	audioDur float64
	hasVideo bool
	muxErr   error
	thumbErr error
}

func (f *fakeTranscoder) ProbeDuration(context.Context, string) (float64, error) {
	return f.videoDur, nil
}

func (f *fakeTranscoder) HasVideoStream(context.Context, string) (bool, error) {
	return f.hasVideo, nil
}

func (f *fakeTranscoder) DecodeTrack(_ context.Context, _ []byte, _ int, dir string) (transcode.Track, error) {
	return transcode.Track{Path: filepath.Join(dir, "speech.wav"), Duration: f.audioDur}, nil
}

func (f *fakeTranscoder) Align(_ context.Context, tr transcode.Track, target float64, dir string) (transcode.Track, transcode.Alignment, error) {
	plan := transcode.PlanAlignment(target, tr.Duration)
	return transcode.Track{Path: filepath.Join(dir, "aligned.wav"), Duration: target}, plan, nil
}

func (f *fakeTranscoder) Mux(_ context.Context, _ string, _ transcode.Track, _ float64, out string) error {
	if f.muxErr != nil {
		return f.muxErr
	}
	return os.WriteFile(out, []byte("dubbed"), 0o644)
}

func (f *fakeTranscoder) Thumbnail(context.Context, string, string) ([]byte, error) {
	if f.thumbErr != nil {
		return nil, f.thumbErr
	}
	return []byte("webp"), nil
}

/* ---------------------- archive ---------------------- */

type fakeArchive struct {
	mu         sync.Mutex
	objects    map[string][]byte
	records    map[string]store.VideoRecord
	failPut    map[string]error // keyed by key fragment
	recordErr  error
	rebuildErr error
	removed    []string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		objects: map[string][]byte{},
		records: map[string]store.VideoRecord{},
		failPut: map[string]error{},
	}
}

func (a *fakeArchive) Put(_ context.Context, key string, data []byte, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for frag, err := range a.failPut {
		if strings.Contains(key, frag) {
			return err
		}
	}
	a.objects[key] = data
	return nil
}

func (a *fakeArchive) Remove(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, key)
	a.removed = append(a.removed, key)
	return nil
}

func (a *fakeArchive) PutRecord(_ context.Context, rec store.VideoRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recordErr != nil {
		return a.recordErr
	}
	a.records[rec.ID] = rec
	return nil
}

func (a *fakeArchive) RebuildIndex(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records), a.rebuildErr
}

func (a *fakeArchive) PublicURL(key string) string { return "https://cdn.test/" + key }

func (a *fakeArchive) snapshot() (map[string][]byte, []store.VideoRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	objs := make(map[string][]byte, len(a.objects))
	for k, v := range a.objects {
		objs[k] = v
	}
	recs := make([]store.VideoRecord, 0, len(a.records))
	for _, r := range a.records {
		recs = append(recs, r)
	}
	return objs, recs
}

/* ---------------------- fetch ---------------------- */

type fakeDownloader struct{ err error }

func (d fakeDownloader) Download(context.Context, string) ([]byte, string, error) {
	if d.err != nil {
		return nil, "", d.err
	}
	return []byte("\x00\x00\x00\x18ftypmp42"), "application/octet-stream", nil
}

type fakeResolver struct {
	prefix string
	calls  atomic.Int32
}

func (r *fakeResolver) Matches(link string) bool { return strings.HasPrefix(link, r.prefix) }

func (r *fakeResolver) Resolve(_ context.Context, link string) (string, error) {
	r.calls.Add(1)
	return "https://direct.test/" + strings.TrimPrefix(link, r.prefix), nil
}

/* ---------------------- tracker ---------------------- */

type trackEvent struct {
	Kind string
	ID   string
	Arg  string
}

type fakeTracker struct {
	mu     sync.Mutex
	events []trackEvent
}

func (t *fakeTracker) add(kind, id, arg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, trackEvent{kind, id, arg})
	return nil
}

func (t *fakeTracker) Queued(_ context.Context, id, src string, _ int64) error {
	return t.add("queued", id, src)
}
func (t *fakeTracker) Started(_ context.Context, id string) error { return t.add("started", id, "") }
func (t *fakeTracker) Stage(_ context.Context, id, st string) error {
	return t.add("stage", id, st)
}
func (t *fakeTracker) Finished(_ context.Context, id, url string) error {
	return t.add("finished", id, url)
}
func (t *fakeTracker) Failed(_ context.Context, id, reason string) error {
	return t.add("failed", id, reason)
}

func (t *fakeTracker) all() []trackEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]trackEvent(nil), t.events...)
}

// terminal returns the finished or failed event of a job.
func (t *fakeTracker) terminal(id string) (trackEvent, bool) {
	for _, e := range t.all() {
		if e.ID == id && (e.Kind == "finished" || e.Kind == "failed") {
			return e, true
		}
	}
	return trackEvent{}, false
}

func (t *fakeTracker) indexOf(kind, id string) int {
	for i, e := range t.all() {
		if e.Kind == kind && e.ID == id {
			return i
		}
	}
	return -1
}

type fakeQuota struct {
	mu       sync.Mutex
	refunded []int64
}

func (q *fakeQuota) Refund(_ context.Context, user int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refunded = append(q.refunded, user)
	return nil
}

func (q *fakeQuota) users() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.refunded...)
}

/* ---------------------- harness ---------------------- */

type harness struct {
	notifier *fakeNotifier
	gen      *fakeGenerator
	tc       *fakeTranscoder
	archive  *fakeArchive
	tracker  *fakeTracker
	quota    *fakeQuota
	resolver *fakeResolver
	dl       fakeDownloader
	opts     Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		notifier: &fakeNotifier{},
		gen: &fakeGenerator{
			script: generator.Script{Title: "ของดี 🔥", Text: strings.Repeat("ก", 180)},
			speech: []byte("pcm"),
		},
		tc:       &fakeTranscoder{videoDur: 20, audioDur: 18, hasVideo: true},
		archive:  newFakeArchive(),
		tracker:  &fakeTracker{},
		quota:    &fakeQuota{},
		resolver: &fakeResolver{prefix: "https://xhs.test/"},
		opts: Options{
			Profile:           config.DefaultProfile(),
			WorkDir:           t.TempDir(),
			AnimationInterval: 5 * time.Millisecond,
			PollAttempts:      3,
			PollInterval:      time.Millisecond,
			MinScriptChars:    10,
			FailureTextMax:    150,
			GalleryURL:        "https://gallery.test",
		},
	}
}

func (h *harness) build() *Orchestrator {
	return New(Deps{
		Resolver:   h.resolver,
		Downloader: h.dl,
		Generator:  h.gen,
		Transcoder: h.tc,
		Archive:    h.archive,
		Notifier:   h.notifier,
		Tracker:    h.tracker,
		Quota:      h.quota,
	}, h.opts)
}

// start runs the worker until the test ends.
func start(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}
