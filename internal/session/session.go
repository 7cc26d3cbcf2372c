// Package session drives the posture guard: it owns the camera, the poll
// ticker, calibration and the overlay, and publishes a View after every
// transition.
//
// All state lives on a single event loop. Commands from the UI, ticks, and
// completions of analysis requests are events on one channel, so no two
// transitions ever interleave. Results that arrive after the camera they
// were captured from has been released are discarded.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by commands issued after Run has exited.
var ErrStopped = errors.New("session stopped")

// Session is the concurrency-safe handle around a Machine.
type Session struct {
	m       *Machine
	events  chan event
	stopped chan struct{}
}

// New creates a session. Call Run to start the loop.
func New(cfg Config, deps Deps) *Session {
	s := &Session{
		events:  make(chan event, 64),
		stopped: make(chan struct{}),
	}
	m := newMachine(cfg, deps)
	m.post = s.post
	m.spawn = func(work func() event) {
		go func() { s.post(work()) }()
	}
	m.after = func(d time.Duration, f func() event) {
		time.AfterFunc(d, func() { s.post(f()) })
	}
	s.m = m
	return s
}

// post delivers ev to the loop, dropping it once the loop has exited.
func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.stopped:
	}
}

// Run processes events until ctx is cancelled. The camera is released on
// exit.
func (s *Session) Run(ctx context.Context) error {
	s.m.baseCtx = ctx
	defer close(s.stopped)
	defer s.m.shutdown()

	log.Info("Session loop started")
	for {
		tc := s.m.tickC()
		select {
		case <-ctx.Done():
			log.Info("Session loop stopping")
			return nil
		case ev := <-s.events:
			s.m.handle(ev)
		case <-tc:
			s.m.handle(tick{timerID: s.m.timerID})
		}
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func(*Machine, context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case s.events <- command{ctx: ctx, fn: fn, reply: reply}:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToggleCamera turns the camera on or off.
func (s *Session) ToggleCamera(ctx context.Context) error {
	return s.do(ctx, (*Machine).ToggleCamera)
}

// StartOrCalibrate starts measuring, or calibrates while measuring.
func (s *Session) StartOrCalibrate(ctx context.Context) error {
	return s.do(ctx, (*Machine).StartOrCalibrate)
}

// TogglePrivacy turns privacy mode on or off.
func (s *Session) TogglePrivacy(ctx context.Context) error {
	return s.do(ctx, (*Machine).TogglePrivacy)
}

// ToggleSkeleton turns the skeleton overlay on or off.
func (s *Session) ToggleSkeleton(ctx context.Context) error {
	return s.do(ctx, (*Machine).ToggleSkeleton)
}

// Resize re-fits the overlay to the camera resolution.
func (s *Session) Resize(ctx context.Context) error {
	return s.do(ctx, (*Machine).Resize)
}

// View returns the last published view.
func (s *Session) View() View { return s.m.View() }

// Preview returns the inputs of the live preview.
func (s *Session) Preview() Preview { return s.m.Preview() }
