package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/you/tg-dubber/internal/config"
)

// Progress is the per-job stage state read by the animation. The completed
// list only grows and a stage is never current and completed at once.
type Progress struct {
	mu        sync.Mutex
	completed []Stage
	current   Stage
	active    bool
}

// Snapshot is a copy of Progress safe to use without locking.
type Snapshot struct {
	Completed []Stage
	Current   Stage
	Active    bool
}

func NewProgress() *Progress { return &Progress{} }

// Begin marks st as current. st must be the stage after the last completed
// one and nothing may be in progress.
func (p *Progress) Begin(st Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return fmt.Errorf("begin %s: %s still in progress", st, p.current)
	}
	if next := Stage(len(p.completed)); st != next {
		return fmt.Errorf("begin %s: expected %s", st, next)
	}
	p.current, p.active = st, true
	return nil
}

// Complete moves the current stage to the completed list.
func (p *Progress) Complete(st Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || p.current != st {
		return fmt.Errorf("complete %s: not in progress", st)
	}
	p.completed = append(p.completed, st)
	p.active = false
	return nil
}

// Current returns the stage in progress, if any.
func (p *Progress) Current() (Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.active
}

func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Completed: append([]Stage(nil), p.completed...),
		Current:   p.current,
		Active:    p.active,
	}
}

// loaderFrames cycle after the active stage label.
var loaderFrames = []string{"", ".", "..", "..."}

// Render draws a snapshot as the status message text.
func Render(s Snapshot, prof config.Profile, frame int) string {
	lines := make([]string, 0, len(s.Completed)+1)
	for _, st := range s.Completed {
		t := prof.Stages[st.String()]
		lines = append(lines, fmt.Sprintf("%s %s ✅", t.Icon, t.Done))
	}
	if s.Active {
		t := prof.Stages[s.Current.String()]
		if frame < 0 {
			frame = 0
		}
		lines = append(lines, fmt.Sprintf("%s %s%s", t.Icon, t.Active, loaderFrames[frame%len(loaderFrames)]))
	}
	if len(lines) == 0 {
		return prof.Idle
	}
	return strings.Join(lines, "\n")
}
