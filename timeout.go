// SPDX-License-Identifier: GPL-3.0-or-later

package udphandle

import (
	"log/slog"
	"net"
	"time"
	"weak"
)

// timeoutKind identifies one of the inactivity timeouts.
type timeoutKind int

const (
	timeoutCombined = timeoutKind(iota)
	timeoutRead
	timeoutWrite
	numTimeoutKinds
)

// String returns "timeout", "rtimeout", or "wtimeout".
func (k timeoutKind) String() string {
	switch k {
	case timeoutRead:
		return "rtimeout"
	case timeoutWrite:
		return "wtimeout"
	default:
		return "timeout"
	}
}

// inactivityTimer expires when no activity happened for duration.
//
// Activity only moves the activity time forward. The loop timer fires at
// the tentative deadline and reschedules itself when activity happened
// meanwhile, so there is at most one loop timer per kind.
type inactivityTimer struct {
	activity time.Time
	callback func(h *Handle)
	cancel   func()
	duration time.Duration
	kind     timeoutKind
}

func newInactivityTimer(
	kind timeoutKind, duration time.Duration, callback func(h *Handle), now time.Time) *inactivityTimer {
	return &inactivityTimer{
		activity: now,
		callback: callback,
		duration: duration,
		kind:     kind,
	}
}

func (t *inactivityTimer) stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// checkTimeout fires t if it expired and otherwise ensures a loop timer is
// pending for its next tentative deadline.
func (h *Handle) checkTimeout(t *inactivityTimer) error {
	if h.destroyed || t.duration <= 0 {
		t.stop()
		return nil
	}

	now := h.timeNow()
	after := t.activity.Add(t.duration).Sub(now)
	if after <= 0 {
		t.activity = now
		h.logger.Info(
			"timeoutExpired",
			slog.Duration("duration", t.duration),
			slog.Int("fd", h.fd),
			slog.String("kind", t.kind.String()),
			slog.Time("t", now),
		)
		h.metrics.timeout(t.kind.String())

		if t.callback != nil {
			t.callback(h)
		} else if err := h.fail(false, &TimeoutError{Kind: t.kind.String()}); err != nil {
			return err
		}
		if h.destroyed || t.duration <= 0 {
			return nil
		}
		after = t.duration
	}

	// the callback may have rearmed the timer already
	if t.cancel == nil {
		wh := weak.Make(h)
		t.cancel = h.loop.AfterFunc(after, func() error {
			h := wh.Value()
			if h == nil || h.destroyed {
				return nil
			}
			t.cancel = nil
			return h.checkTimeout(t)
		})
	}
	return nil
}

// setTimeout replaces the duration of t and reevaluates it immediately.
func (h *Handle) setTimeout(t *inactivityTimer, duration time.Duration) error {
	if duration < 0 {
		return ErrInvalidTimeout
	}
	if h.destroyed {
		return net.ErrClosed
	}
	t.duration = duration
	t.stop()
	return h.checkTimeout(t)
}

// resetTimeout records activity for t.
func (h *Handle) resetTimeout(t *inactivityTimer) {
	if h.destroyed {
		return
	}
	t.activity = h.timeNow()
}

// Timeout returns the read or write inactivity timeout.
func (h *Handle) Timeout() time.Duration {
	return h.timeouts[timeoutCombined].duration
}

// RTimeout returns the read inactivity timeout.
func (h *Handle) RTimeout() time.Duration {
	return h.timeouts[timeoutRead].duration
}

// WTimeout returns the write inactivity timeout.
func (h *Handle) WTimeout() time.Duration {
	return h.timeouts[timeoutWrite].duration
}

// SetTimeout sets the read or write inactivity timeout. Zero disables it.
//
// The elapsed time since the last activity counts toward the new duration,
// so the timeout may expire before SetTimeout returns.
func (h *Handle) SetTimeout(d time.Duration) error {
	return h.setTimeout(h.timeouts[timeoutCombined], d)
}

// SetRTimeout is like [*Handle.SetTimeout] for the read inactivity timeout.
func (h *Handle) SetRTimeout(d time.Duration) error {
	return h.setTimeout(h.timeouts[timeoutRead], d)
}

// SetWTimeout is like [*Handle.SetTimeout] for the write inactivity timeout.
func (h *Handle) SetWTimeout(d time.Duration) error {
	return h.setTimeout(h.timeouts[timeoutWrite], d)
}

// TimeoutReset restarts the read or write inactivity timeout from now.
func (h *Handle) TimeoutReset() {
	h.resetTimeout(h.timeouts[timeoutCombined])
}

// RTimeoutReset restarts the read inactivity timeout from now.
func (h *Handle) RTimeoutReset() {
	h.resetTimeout(h.timeouts[timeoutRead])
}

// WTimeoutReset restarts the write inactivity timeout from now.
func (h *Handle) WTimeoutReset() {
	h.resetTimeout(h.timeouts[timeoutWrite])
}
