// Package control implements the cooperative pause/cancel primitives shared
// by the scheduler, the article downloaders and the NNTP connections.
package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type contextKey int

const pausableContextKey contextKey = iota

// PauseContext wraps a context.Context and allows pausing/resuming the
// operations that poll it, without tearing down the underlying context tree.
// The scheduler holds one per run; ArticleDownloader.Run polls CheckPause
// between steps of its main loop.
type PauseContext struct {
	parent  context.Context
	paused  bool
	pauseCh chan struct{}
	mu      sync.RWMutex

	// Secondary pause sources. Each is settable independently of the manual
	// Pause/Resume pair and of the others; IsPaused reports the union.
	// Workers only ever read these, so they are plain atomics rather than
	// being folded into the mutex-guarded manual flag.
	pause2       atomic.Bool // scheduler-internal pause (pause-download-2)
	quotaReached atomic.Bool
	tempPause    atomic.Bool
}

// NewPauseContext creates a new pausable context that stores itself in the
// context chain so it can be recovered by FromContext further down the call
// stack.
func NewPauseContext(parent context.Context) *PauseContext {
	pc := &PauseContext{
		parent:  parent,
		pauseCh: make(chan struct{}, 1),
	}
	pc.parent = context.WithValue(parent, pausableContextKey, pc)
	return pc
}

func (pc *PauseContext) Deadline() (deadline time.Time, ok bool) { return pc.parent.Deadline() }
func (pc *PauseContext) Done() <-chan struct{}                  { return pc.parent.Done() }
func (pc *PauseContext) Err() error                             { return pc.parent.Err() }
func (pc *PauseContext) Value(key any) any                      { return pc.parent.Value(key) }

// Pause pauses the context. Operations must call CheckPause to respect this.
func (pc *PauseContext) Pause() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if !pc.paused {
		pc.paused = true
		select {
		case <-pc.pauseCh:
		default:
		}
	}
}

// Resume resumes the context, releasing anything blocked in CheckPause.
func (pc *PauseContext) Resume() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.paused {
		pc.paused = false
		select {
		case pc.pauseCh <- struct{}{}:
		default:
		}
	}
}

// CheckPause blocks while the context is paused, until resumed or the
// parent context is cancelled.
func (pc *PauseContext) CheckPause() error {
	pc.mu.RLock()
	paused := pc.paused
	pc.mu.RUnlock()

	if !paused {
		return nil
	}

	select {
	case <-pc.pauseCh:
		return nil
	case <-pc.parent.Done():
		return pc.parent.Err()
	}
}

// IsPaused reports whether any pause source is currently active: the manual
// pause, the secondary pause, a reached download quota, or a temporary pause.
func (pc *PauseContext) IsPaused() bool {
	if pc.pause2.Load() || pc.quotaReached.Load() || pc.tempPause.Load() {
		return true
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.paused
}

// IsManuallyPaused reports only the Pause/Resume-controlled flag, ignoring
// quota and temporary pauses.
func (pc *PauseContext) IsManuallyPaused() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.paused
}

// SetPause2 sets or clears the secondary pause flag.
func (pc *PauseContext) SetPause2(v bool) { pc.pause2.Store(v) }

// SetQuotaReached marks the download quota as reached (or cleared at the
// next accounting period). While set, workers without force priority wait.
func (pc *PauseContext) SetQuotaReached(v bool) { pc.quotaReached.Store(v) }

// QuotaReached reports whether the download quota flag is set.
func (pc *PauseContext) QuotaReached() bool { return pc.quotaReached.Load() }

// SetTempPause sets or clears the temporary pause used around disk-heavy
// operations (post-processing handoff, queue compaction).
func (pc *PauseContext) SetTempPause(v bool) { pc.tempPause.Store(v) }

// FromContext retrieves the pause context from any context in the chain,
// even if it has since been wrapped by context.WithCancel/WithTimeout/etc.
func FromContext(ctx context.Context) (*PauseContext, bool) {
	if pc, ok := ctx.(*PauseContext); ok {
		return pc, true
	}
	if pc, ok := ctx.Value(pausableContextKey).(*PauseContext); ok {
		return pc, true
	}
	return nil, false
}

// CheckPause is a convenience wrapper that checks whether any context in the
// chain is a PauseContext and, if so, blocks on its pause state.
func CheckPause(ctx context.Context) error {
	if pc, ok := FromContext(ctx); ok {
		return pc.CheckPause()
	}
	return nil
}
