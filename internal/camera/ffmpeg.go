package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/posture-guard/pkg/types"
)

const (
	maxFrameBytes = 16 << 20
	stopTimeout   = 2 * time.Second
)

// FFmpegDevice captures from a local camera by running ffmpeg and reading
// an MJPEG stream from its stdout.
type FFmpegDevice struct {
	Config types.CameraConfig
	Binary string // defaults to "ffmpeg" on PATH
}

// Args returns the ffmpeg command line for the configured device.
func (d *FFmpegDevice) Args() []string {
	cfg := d.Config
	format := cfg.InputFormat
	if format == "" {
		format = "v4l2"
	}
	input := cfg.Device
	if format == "dshow" && input != "" && !strings.HasPrefix(input, "video=") {
		input = "video=" + input
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-f", format}
	if cfg.Width > 0 && cfg.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
	}
	if cfg.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(cfg.FPS))
	}
	args = append(args,
		"-i", input,
		"-an",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"-",
	)
	return args
}

// Open starts ffmpeg and waits for the first decoded frame.
func (d *FFmpegDevice) Open(ctx context.Context) (Stream, error) {
	name := d.Binary
	if name == "" {
		name = "ffmpeg"
	}
	bin, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	args := d.Args()
	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	log.Info("Starting %s %v", bin, args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	s := &ffmpegStream{
		frameSlot: newFrameSlot(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readFrames(stdout)
	go s.logStderr(stderr)
	go s.waitProcess()

	if err := s.waitFirst(ctx, s.done); err != nil {
		_ = s.Close()
		if last := s.lastError(); last != "" {
			return nil, fmt.Errorf("%w: %s", err, last)
		}
		return nil, err
	}
	return s, nil
}

type ffmpegStream struct {
	*frameSlot

	cmd  *exec.Cmd
	done chan struct{}
	wg   sync.WaitGroup

	errMu   sync.Mutex
	lastErr string

	closeOnce sync.Once
}

func (s *ffmpegStream) Done() <-chan struct{} {
	return s.done
}

func (s *ffmpegStream) readFrames(r io.Reader) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 512*1024), maxFrameBytes)
	scanner.Split(SplitJPEG)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		if err := s.store(frame); err != nil {
			log.Debug("Dropping frame: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("Frame reader stopped: %v", err)
	}
}

func (s *ffmpegStream) logStderr(r io.Reader) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.errMu.Lock()
		s.lastErr = line
		s.errMu.Unlock()
		log.Debug("ffmpeg: %s", line)
	}
}

func (s *ffmpegStream) lastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *ffmpegStream) waitProcess() {
	// Pipes must be drained before Wait closes them.
	s.wg.Wait()
	err := s.cmd.Wait()
	if err != nil {
		log.Debug("ffmpeg exited: %v", err)
	}
	close(s.done)
}

// Close kills ffmpeg and waits for its goroutines.
func (s *ffmpegStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			if kerr := s.cmd.Process.Kill(); kerr != nil {
				select {
				case <-s.done:
				default:
					err = fmt.Errorf("kill ffmpeg: %w", kerr)
				}
			}
		}
		select {
		case <-s.done:
		case <-time.After(stopTimeout):
			err = fmt.Errorf("ffmpeg did not exit within %v", stopTimeout)
		}
	})
	return err
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJPEG is a bufio.SplitFunc that yields complete JPEG images from a
// concatenated MJPEG byte stream. Bytes before a start-of-image marker are
// discarded.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin the next marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if start > 0 {
			return start, nil, nil
		}
		return 0, nil, nil
	}

	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}
