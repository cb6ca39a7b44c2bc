package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/you/tg-dubber/internal/config"
	"github.com/you/tg-dubber/internal/logx"
)

// Editor rewrites one chat message.
type Editor interface {
	Edit(chatID int64, messageID int, text string) error
}

// Animator keeps a status message in sync with a job's Progress.
type Animator struct {
	editor   Editor
	profile  config.Profile
	interval time.Duration
}

func NewAnimator(e Editor, prof config.Profile, interval time.Duration) *Animator {
	if interval <= 0 {
		interval = 600 * time.Millisecond
	}
	return &Animator{editor: e, profile: prof, interval: interval}
}

// Animation is a running render loop. Stop ends it.
type Animation struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start renders p into the message right away and then once per interval.
// Push errors are logged and otherwise ignored.
func (a *Animator) Start(ctx context.Context, chatID int64, messageID int, p *Progress) *Animation {
	actx, cancel := context.WithCancel(ctx)
	an := &Animation{cancel: cancel, done: make(chan struct{})}
	if messageID == 0 {
		close(an.done)
		return an
	}
	go a.loop(actx, an.done, chatID, messageID, p)
	return an
}

// Stop cancels the loop and waits for it to exit. No edit is pushed after
// Stop returns. Safe to call more than once.
func (an *Animation) Stop() {
	an.once.Do(an.cancel)
	<-an.done
}

func (a *Animator) loop(ctx context.Context, done chan<- struct{}, chatID int64, messageID int, p *Progress) {
	defer close(done)
	l := logx.FromCtx(ctx)

	t := time.NewTicker(a.interval)
	defer t.Stop()

	frame := 0
	last := ""
	push := func() {
		if ctx.Err() != nil {
			return
		}
		text := Render(p.Snapshot(), a.profile, frame)
		frame++
		if text == last {
			return
		}
		if err := a.editor.Edit(chatID, messageID, text); err != nil {
			l.Debug().Err(err).Msg("status animation push failed")
			return
		}
		last = text
	}

	push()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			push()
		}
	}
}
