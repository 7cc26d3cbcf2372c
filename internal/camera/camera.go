// Package camera acquires a live capture stream and turns its latest frame
// into JPEG stills for analysis.
package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"github.com/dj-oyu/posture-guard/internal/logger"
	"github.com/dj-oyu/posture-guard/pkg/types"
)

var (
	// ErrNoFrame is returned when the stream has not produced a usable frame.
	ErrNoFrame = errors.New("camera: no frame available")
	// ErrClosed is returned by operations on a released session.
	ErrClosed = errors.New("camera: session closed")
)

var log = logger.For("Camera")

// Device acquires a capture stream. Open blocks until the first frame
// arrives, the device fails, or ctx is done.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is a running capture. Latest returns the newest complete frame.
// Updates is signalled (coalesced) whenever a new frame is stored, and Done
// is closed when the stream ends on its own.
type Stream interface {
	Latest() (types.Frame, bool)
	Updates() <-chan struct{}
	Done() <-chan struct{}
	Close() error
}

// NewDevice returns the device selected by cfg.Source.
func NewDevice(cfg types.CameraConfig) (Device, error) {
	switch cfg.Source {
	case "", "ffmpeg":
		return &FFmpegDevice{Config: cfg}, nil
	case "snapshot":
		return &SnapshotDevice{Config: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}
}

// Session is an acquired camera: the running stream plus its native
// resolution. It is created by Open and released by Close.
type Session struct {
	stream   Stream
	quality  int
	onResize func(types.Resolution)

	mu     sync.Mutex
	res    types.Resolution
	closed bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Open acquires dev and starts watching it for resolution changes. onResize
// (optional) is called from a background goroutine when the native size of
// the stream changes after the first frame.
func Open(ctx context.Context, dev Device, quality int, onResize func(types.Resolution)) (*Session, error) {
	stream, err := dev.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open camera: %w", err)
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}

	s := &Session{
		stream:   stream,
		quality:  quality,
		onResize: onResize,
		stop:     make(chan struct{}),
	}
	if f, ok := stream.Latest(); ok {
		s.res = types.Resolution{Width: f.Width, Height: f.Height}
	}
	log.Info("Camera resolution: %d x %d", s.res.Width, s.res.Height)

	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *Session) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.stream.Done():
			log.Warn("Capture stream ended")
			return
		case <-s.stream.Updates():
			if f, ok := s.stream.Latest(); ok {
				s.observe(f)
			}
		}
	}
}

func (s *Session) observe(f types.Frame) {
	if f.Width <= 0 || f.Height <= 0 {
		return
	}
	next := types.Resolution{Width: f.Width, Height: f.Height}

	s.mu.Lock()
	changed := next != s.res
	s.res = next
	cb := s.onResize
	s.mu.Unlock()

	if changed {
		log.Info("Camera resolution changed: %d x %d", next.Width, next.Height)
		if cb != nil {
			cb(next)
		}
	}
}

// Resolution returns the native pixel size, or the zero value if unknown.
func (s *Session) Resolution() types.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

// Active reports whether the session is open and its stream still running.
func (s *Session) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-s.stream.Done():
		return false
	default:
		return true
	}
}

// Latest returns the newest raw frame for previews.
func (s *Session) Latest() (types.Frame, bool) {
	if !s.Active() {
		return types.Frame{}, false
	}
	return s.stream.Latest()
}

// CaptureStill re-encodes the latest frame at native resolution as a JPEG
// with the session quality.
func (s *Session) CaptureStill(ctx context.Context) ([]byte, error) {
	if !s.Active() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, ok := s.stream.Latest()
	if !ok || f.Width <= 0 || f.Height <= 0 {
		return nil, ErrNoFrame
	}
	s.observe(f)
	return EncodeStill(f.Data, s.quality)
}

// Close stops the stream and releases the device. It is safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	err := s.stream.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("close camera: %w", err)
	}
	log.Info("Camera released")
	return nil
}

// EncodeStill decodes a JPEG frame and encodes it again at quality.
func EncodeStill(data []byte, quality int) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrNoFrame
	}
	var buf bytes.Buffer
	buf.Grow(len(data))
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode still: %w", err)
	}
	return buf.Bytes(), nil
}

// frameSlot holds the newest frame of a stream.
type frameSlot struct {
	mu      sync.RWMutex
	frame   types.Frame
	ok      bool
	seq     uint64
	updates chan struct{}
}

func newFrameSlot() *frameSlot {
	return &frameSlot{updates: make(chan struct{}, 1)}
}

// store records a complete JPEG. Frames whose header cannot be parsed are
// dropped.
func (s *frameSlot) store(data []byte) error {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("frame header: %w", err)
	}

	s.mu.Lock()
	s.seq++
	s.frame = types.Frame{
		Data:      data,
		Timestamp: time.Now(),
		Seq:       s.seq,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}
	s.ok = true
	s.mu.Unlock()

	select {
	case s.updates <- struct{}{}:
	default:
	}
	return nil
}

func (s *frameSlot) Latest() (types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.ok
}

func (s *frameSlot) Updates() <-chan struct{} {
	return s.updates
}

// waitFirst blocks until the slot holds a frame, done closes, or ctx ends.
func (s *frameSlot) waitFirst(ctx context.Context, done <-chan struct{}) error {
	if _, ok := s.Latest(); ok {
		return nil
	}
	select {
	case <-s.updates:
		// Put the signal back for the session watcher.
		select {
		case s.updates <- struct{}{}:
		default:
		}
		return nil
	case <-done:
		return errors.New("capture stopped before the first frame")
	case <-ctx.Done():
		return fmt.Errorf("waiting for first frame: %w", ctx.Err())
	}
}
