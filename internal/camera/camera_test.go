package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/posture-guard/pkg/types"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type fakeStream struct {
	*frameSlot
	done   chan struct{}
	closed atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{frameSlot: newFrameSlot(), done: make(chan struct{})}
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDevice struct {
	stream *fakeStream
	err    error
}

func (d *fakeDevice) Open(ctx context.Context) (Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

func TestSplitJPEG(t *testing.T) {
	a := testJPEG(t, 8, 8)
	b := testJPEG(t, 16, 4)

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x01, 0x02}) // garbage before the first image
	stream.Write(a)
	stream.Write(b)
	stream.Write([]byte{0xFF, 0xD8, 0x00}) // truncated trailing image

	scanner := bufio.NewScanner(&stream)
	scanner.Buffer(make([]byte, 0, 64), maxFrameBytes)
	scanner.Split(SplitJPEG)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if !bytes.Equal(frames[0], a) || !bytes.Equal(frames[1], b) {
		t.Fatal("frames do not match the written images")
	}
}

func TestFFmpegArgs(t *testing.T) {
	d := &FFmpegDevice{Config: types.CameraConfig{
		Device:      "Integrated Camera",
		InputFormat: "dshow",
		Width:       1280,
		Height:      720,
		FPS:         15,
	}}
	args := d.Args()
	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	for _, want := range []string{"-f dshow", "-video_size 1280x720", "-framerate 15", "-i video=Integrated Camera", "-f image2pipe", "-vcodec mjpeg"} {
		if !bytes.Contains([]byte(joined), []byte(want)) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != "-" {
		t.Errorf("last arg = %q, want stdout", args[len(args)-1])
	}
}

func TestSessionCaptureStill(t *testing.T) {
	fs := newFakeStream()
	if err := fs.store(testJPEG(t, 32, 24)); err != nil {
		t.Fatalf("store: %v", err)
	}

	s, err := Open(context.Background(), &fakeDevice{stream: fs}, 80, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if got := s.Resolution(); got != (types.Resolution{Width: 32, Height: 24}) {
		t.Fatalf("Resolution = %+v", got)
	}
	if !s.Active() {
		t.Fatal("session should be active")
	}

	still, err := s.CaptureStill(context.Background())
	if err != nil {
		t.Fatalf("CaptureStill: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(still))
	if err != nil {
		t.Fatalf("still is not a jpeg: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 24 {
		t.Fatalf("still size %dx%d, want native 32x24", cfg.Width, cfg.Height)
	}
}

func TestSessionNoFrame(t *testing.T) {
	s, err := Open(context.Background(), &fakeDevice{stream: newFakeStream()}, 80, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.CaptureStill(context.Background()); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("CaptureStill err = %v, want ErrNoFrame", err)
	}
}

func TestSessionClose(t *testing.T) {
	fs := newFakeStream()
	s, err := Open(context.Background(), &fakeDevice{stream: fs}, 80, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !fs.closed.Load() {
		t.Fatal("stream was not closed")
	}
	if s.Active() {
		t.Fatal("closed session reports active")
	}
	if _, err := s.CaptureStill(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("CaptureStill after close err = %v", err)
	}
}

func TestSessionResizeCallback(t *testing.T) {
	fs := newFakeStream()
	if err := fs.store(testJPEG(t, 16, 16)); err != nil {
		t.Fatalf("store: %v", err)
	}
	// Drain the initial signal so the watcher only sees the change.
	<-fs.updates

	resized := make(chan types.Resolution, 4)
	s, err := Open(context.Background(), &fakeDevice{stream: fs}, 80, func(r types.Resolution) {
		resized <- r
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := fs.store(testJPEG(t, 40, 20)); err != nil {
		t.Fatalf("store: %v", err)
	}

	select {
	case r := <-resized:
		if r.Width != 40 || r.Height != 20 {
			t.Fatalf("resize = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resize callback not called")
	}
}

func TestOpenError(t *testing.T) {
	boom := errors.New("permission denied")
	if _, err := Open(context.Background(), &fakeDevice{err: boom}, 80, nil); !errors.Is(err, boom) {
		t.Fatalf("Open err = %v, want wrapped %v", err, boom)
	}
}

func TestSnapshotDevice(t *testing.T) {
	img := testJPEG(t, 20, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(img)
	}))
	defer srv.Close()

	d := &SnapshotDevice{Config: types.CameraConfig{SnapshotURL: srv.URL, FPS: 20}, Client: srv.Client()}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := d.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, ok := stream.Latest()
	if !ok || f.Width != 20 || f.Height != 10 {
		t.Fatalf("Latest = %+v, %v", f, ok)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestSnapshotDeviceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := &SnapshotDevice{Config: types.CameraConfig{SnapshotURL: srv.URL, FPS: 50}, Client: srv.Client()}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := d.Open(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Open err = %v, want deadline exceeded", err)
	}
}
