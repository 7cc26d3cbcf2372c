package web

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"sync"
	"time"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/posture-guard/internal/session"
)

// PreviewSource supplies what the live preview composes.
type PreviewSource interface {
	Preview() session.Preview
}

const (
	placeholderWidth  = 640
	placeholderHeight = 480
)

var (
	hudText       = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	hudBackground = color.RGBA{A: 180}
	privacyFill   = color.RGBA{R: 24, G: 24, B: 32, A: 255}
	offFill       = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// PreviewBroadcaster composes the camera frame, the overlay and a status
// line into JPEGs and fans them out to MJPEG clients. Composition is
// skipped while nobody is watching.
type PreviewBroadcaster struct {
	source   PreviewSource
	interval time.Duration
	maxWidth int
	quality  int

	mu        sync.Mutex
	clients   map[int]chan []byte
	nextID    int
	stop      chan struct{}
	stopped   bool
	onViewers func(delta int)
}

// NewPreviewBroadcaster creates a broadcaster. Frames wider than maxWidth
// are scaled down; maxWidth <= 0 keeps the native size.
func NewPreviewBroadcaster(source PreviewSource, interval time.Duration, maxWidth, quality int) *PreviewBroadcaster {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &PreviewBroadcaster{
		source:   source,
		interval: interval,
		maxWidth: maxWidth,
		quality:  quality,
		clients:  make(map[int]chan []byte),
		stop:     make(chan struct{}),
	}
}

// OnViewers registers a callback invoked with +1 or -1 whenever a client
// joins or leaves.
func (pb *PreviewBroadcaster) OnViewers(f func(delta int)) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.onViewers = f
}

// Subscribe adds a new client and returns a channel for receiving frames.
func (pb *PreviewBroadcaster) Subscribe() (int, <-chan []byte) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	id := pb.nextID
	pb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	pb.clients[id] = ch

	log.Debug("Preview client #%d subscribed (total clients: %d)", id, len(pb.clients))
	if pb.onViewers != nil {
		pb.onViewers(1)
	}
	return id, ch
}

// Unsubscribe removes a client.
func (pb *PreviewBroadcaster) Unsubscribe(id int) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	if ch, ok := pb.clients[id]; ok {
		close(ch)
		delete(pb.clients, id)
		log.Debug("Preview client #%d unsubscribed (remaining clients: %d)", id, len(pb.clients))
		if len(pb.clients) == 0 {
			log.Info("No preview clients remaining - composition will be skipped")
		}
		if pb.onViewers != nil {
			pb.onViewers(-1)
		}
	}
}

// Start begins the composition loop.
func (pb *PreviewBroadcaster) Start() {
	go pb.run()
}

// Stop halts the broadcaster.
func (pb *PreviewBroadcaster) Stop() {
	pb.mu.Lock()
	if !pb.stopped {
		close(pb.stop)
		pb.stopped = true
	}
	pb.mu.Unlock()
}

func (pb *PreviewBroadcaster) run() {
	ticker := time.NewTicker(pb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pb.stop:
			return
		case <-ticker.C:
		}

		pb.mu.Lock()
		clientCount := len(pb.clients)
		pb.mu.Unlock()
		if clientCount == 0 {
			continue
		}

		data, err := pb.Compose()
		if err != nil {
			log.Warn("Preview composition failed: %v", err)
			continue
		}
		pb.broadcast(data)
	}
}

func (pb *PreviewBroadcaster) broadcast(data []byte) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	for _, ch := range pb.clients {
		select {
		case ch <- data:
		default:
			// Client too slow, skip this frame for this client
		}
	}
}

// Compose renders one preview JPEG from the current session state.
func (pb *PreviewBroadcaster) Compose() ([]byte, error) {
	p := pb.source.Preview()
	v := p.View

	var canvas *image.RGBA
	switch {
	case !v.CameraOn:
		canvas = filled(placeholderWidth, placeholderHeight, offFill)
	case v.PrivacyOn:
		w, h := placeholderWidth, placeholderHeight
		if v.Width > 0 && v.Height > 0 {
			w, h = v.Width, v.Height
		}
		canvas = filled(w, h, privacyFill)
	case p.HasFrame:
		img, err := jpeg.Decode(bytes.NewReader(p.Frame.Data))
		if err != nil {
			return nil, err
		}
		canvas = image.NewRGBA(img.Bounds().Sub(img.Bounds().Min))
		draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)
		if p.Overlay != nil {
			xdraw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), p.Overlay, p.Overlay.Bounds(), draw.Over, nil)
		}
	default:
		canvas = filled(placeholderWidth, placeholderHeight, offFill)
	}

	out := pb.scale(canvas)
	drawHUD(out, v)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: pb.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (pb *PreviewBroadcaster) scale(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	if pb.maxWidth <= 0 || b.Dx() <= pb.maxWidth {
		return src
	}
	h := b.Dy() * pb.maxWidth / b.Dx()
	dst := image.NewRGBA(image.Rect(0, 0, pb.maxWidth, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func filled(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

// drawHUD writes the posture label and score on a dark band at the top.
func drawHUD(img *image.RGBA, v session.View) {
	face := basicfont.Face7x13
	line := v.Posture + "  " + v.Score
	if v.PrivacyOn && v.CameraOn {
		line += "  [privacy]"
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(hudText),
		Face: face,
	}
	width := d.MeasureString(line).Ceil()
	band := image.Rect(6, 6, 6+width+8, 6+face.Height+6)
	draw.Draw(img, band, image.NewUniform(hudBackground), image.Point{}, draw.Over)

	d.Dot = fixed.P(band.Min.X+4, band.Min.Y+3+face.Ascent)
	d.DrawString(line)
}
