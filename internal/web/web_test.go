package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/posture-guard/internal/history"
	"github.com/dj-oyu/posture-guard/internal/session"
	"github.com/dj-oyu/posture-guard/pkg/types"
)

type fakeController struct {
	mu      sync.Mutex
	view    session.View
	preview session.Preview
	calls   []string
	err     error
}

func (c *fakeController) op(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return c.err
}

func (c *fakeController) ToggleCamera(ctx context.Context) error     { return c.op("camera") }
func (c *fakeController) StartOrCalibrate(ctx context.Context) error { return c.op("measure") }
func (c *fakeController) TogglePrivacy(ctx context.Context) error    { return c.op("privacy") }
func (c *fakeController) ToggleSkeleton(ctx context.Context) error   { return c.op("skeleton") }
func (c *fakeController) Resize(ctx context.Context) error           { return c.op("resize") }
func (c *fakeController) View() session.View                         { return c.view }

func (c *fakeController) Preview() session.Preview {
	p := c.preview
	p.View = c.view
	return p
}

type fakeHistory struct {
	entries []history.Entry
}

func (h *fakeHistory) List(ctx context.Context, since time.Time) ([]history.Entry, error) {
	return h.entries, nil
}

type fakeSignaler struct {
	offers int
}

func (s *fakeSignaler) HandleOffer(ctx context.Context, offer []byte) ([]byte, error) {
	s.offers++
	return []byte(`{"type":"answer","sdp":"v=0"}`), nil
}

func newTestServer(t *testing.T, ctl *fakeController, opts Options) (*Server, *Hub) {
	t.Helper()
	hub := NewHub()
	srv := NewServer(DefaultConfig(), ctl, hub, opts)
	t.Cleanup(srv.Close)
	return srv, hub
}

func TestStatus(t *testing.T) {
	ctl := &fakeController{view: session.View{Posture: "GOOD", Score: "Torso:5  Neck:12  Tilt:1"}}
	srv, _ := newTestServer(t, ctl, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var v session.View
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Posture != "GOOD" || v.Score != "Torso:5  Neck:12  Tilt:1" {
		t.Fatalf("view = %+v", v)
	}
}

func TestCommands(t *testing.T) {
	ctl := &fakeController{}
	srv, _ := newTestServer(t, ctl, Options{})
	h := srv.Handler()

	for _, path := range []string{"/api/camera/toggle", "/api/measure", "/api/privacy/toggle", "/api/skeleton/toggle", "/api/resize"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}
	want := []string{"camera", "measure", "privacy", "skeleton", "resize"}
	for i, name := range want {
		if ctl.calls[i] != name {
			t.Fatalf("calls = %v, want %v", ctl.calls, want)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/camera/toggle", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET toggle status = %d", rec.Code)
	}
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{session.ErrCameraOff, http.StatusConflict},
		{session.ErrStopped, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		ctl := &fakeController{err: tt.err}
		srv, _ := newTestServer(t, ctl, Options{})
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/measure", nil))
		if rec.Code != tt.code {
			t.Fatalf("%v: status = %d, want %d", tt.err, rec.Code, tt.code)
		}
		if !strings.Contains(rec.Body.String(), tt.err.Error()) {
			t.Fatalf("body = %s", rec.Body.String())
		}
	}
}

func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
}

func TestStatusStreamJSON(t *testing.T) {
	ctl := &fakeController{}
	srv, hub := newTestServer(t, ctl, Options{})
	hub.Render(session.View{Posture: "BAD", CameraOn: true})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Content-Format"); got != "application/json" {
		t.Fatalf("X-Content-Format = %q", got)
	}

	br := bufio.NewReader(resp.Body)
	var ev struct {
		Type string       `json:"type"`
		Data session.View `json:"data"`
	}
	if err := json.Unmarshal([]byte(readEvent(t, br)), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != "view" || ev.Data.Posture != "BAD" {
		t.Fatalf("event = %+v", ev)
	}

	hub.Alert("camera failed")
	if data := readEvent(t, br); !strings.Contains(data, `"type":"alert"`) || !strings.Contains(data, "camera failed") {
		t.Fatalf("alert event = %s", data)
	}
}

func TestStatusStreamProtobuf(t *testing.T) {
	ctl := &fakeController{}
	srv, hub := newTestServer(t, ctl, Options{})
	hub.Render(session.View{Posture: "GOOD", IntervalMS: 200})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	req.Header.Set("Accept", "application/protobuf")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	raw, err := base64.StdEncoding.DecodeString(readEvent(t, bufio.NewReader(resp.Body)))
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatalf("protobuf: %v", err)
	}
	fields := st.AsMap()
	if fields["type"] != "view" {
		t.Fatalf("type = %v", fields["type"])
	}
	data := fields["data"].(map[string]any)
	if data["posture"] != "GOOD" || data["interval_ms"] != float64(200) {
		t.Fatalf("data = %v", data)
	}
}

func TestHubDropsForSlowClients(t *testing.T) {
	hub := NewHub()
	var sunk int
	hub.AddSink(func([]byte) { sunk++ })
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)

	for i := 0; i < 20; i++ {
		hub.Render(session.View{IntervalMS: int64(i)})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("queued %d events, want %d", len(ch), cap(ch))
	}
	if sunk != 20 {
		t.Fatalf("sink received %d events", sunk)
	}
	if hub.Clients() != 1 {
		t.Fatalf("Clients = %d", hub.Clients())
	}
}

func TestHistoryPaging(t *testing.T) {
	now := time.Now()
	base := now.Add(-time.Hour)
	src := &fakeHistory{entries: []history.Entry{
		{SessionID: "s", Posture: "good", CreatedAt: base},
		{SessionID: "s", Posture: "bad", CreatedAt: base.Add(3 * time.Second)},
		{SessionID: "s", Posture: "good", CreatedAt: base.Add(10 * time.Minute)},
	}}
	srv, _ := newTestServer(t, &fakeController{}, Options{History: src})
	srv.now = func() time.Time { return now }
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	var page struct {
		Page    int             `json:"page"`
		Pages   int             `json:"pages"`
		HasNext bool            `json:"has_next"`
		Entries []history.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Page != 1 || page.Pages != 2 || !page.HasNext || len(page.Entries) != 2 {
		t.Fatalf("page 1 = %+v", page)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?page=2", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.HasNext || len(page.Entries) != 1 {
		t.Fatalf("page 2 = %+v", page)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history?page=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid page status = %d", rec.Code)
	}
}

func TestOptionalEndpointsDisabled(t *testing.T) {
	srv, _ := newTestServer(t, &fakeController{}, Options{})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("history status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestWebRTCOffer(t *testing.T) {
	sig := &fakeSignaler{}
	srv, _ := newTestServer(t, &fakeController{}, Options{WebRTC: sig})
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webrtc/offer", strings.NewReader(`{"sdp":"x"}`)))
	if rec.Code != http.StatusBadRequest || sig.offers != 0 {
		t.Fatalf("invalid offer status = %d offers = %d", rec.Code, sig.offers)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/webrtc/offer", strings.NewReader(`{"type":"offer","sdp":"v=0"}`)))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"answer"`) {
		t.Fatalf("offer status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv, hub := newTestServer(t, &fakeController{view: session.View{CameraOn: true}}, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"camera_on":true`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "last_alert") {
		t.Fatalf("health reported an alert before any: %s", rec.Body.String())
	}

	hub.Alert("camera busy")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(rec.Body.String(), `"last_alert":"camera busy"`) {
		t.Fatalf("health = %s", rec.Body.String())
	}
}

func solidJPEG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func decodeJPEG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return img
}

func TestComposeCameraOff(t *testing.T) {
	pb := NewPreviewBroadcaster(&fakeController{}, time.Second, 0, 80)
	data, err := pb.Compose()
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if b := decodeJPEG(t, data).Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Fatalf("bounds = %v", b)
	}
}

func TestComposePrivacyHidesFrame(t *testing.T) {
	ctl := &fakeController{
		view: session.View{CameraOn: true, PrivacyOn: true, Width: 320, Height: 240},
		preview: session.Preview{
			Frame:    types.Frame{Data: solidJPEG(t, 320, 240, color.RGBA{R: 255, A: 255}), Width: 320, Height: 240},
			HasFrame: true,
		},
	}
	pb := NewPreviewBroadcaster(ctl, time.Second, 0, 90)
	data, err := pb.Compose()
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	img := decodeJPEG(t, data)
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Fatalf("bounds = %v", b)
	}
	r, _, _, _ := img.At(160, 200).RGBA()
	if r>>8 > 100 {
		t.Fatalf("camera frame visible under privacy (r=%d)", r>>8)
	}
}

func TestComposeOverlayAndScale(t *testing.T) {
	overlay := image.NewRGBA(image.Rect(0, 0, 1280, 720))
	draw.Draw(overlay, image.Rect(540, 260, 740, 460), image.NewUniform(color.RGBA{G: 255, A: 255}), image.Point{}, draw.Src)

	ctl := &fakeController{
		view: session.View{CameraOn: true, Width: 1280, Height: 720},
		preview: session.Preview{
			Frame:    types.Frame{Data: solidJPEG(t, 1280, 720, color.RGBA{R: 200, G: 0, B: 0, A: 255}), Width: 1280, Height: 720},
			HasFrame: true,
			Overlay:  overlay,
		},
	}
	pb := NewPreviewBroadcaster(ctl, time.Second, 640, 90)
	data, err := pb.Compose()
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	img := decodeJPEG(t, data)
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 360 {
		t.Fatalf("bounds = %v", b)
	}
	r, g, _, _ := img.At(320, 180).RGBA()
	if g>>8 < 180 || r>>8 > 80 {
		t.Fatalf("overlay not composited at center: r=%d g=%d", r>>8, g>>8)
	}
	r, g, _, _ = img.At(600, 340).RGBA()
	if r>>8 < 150 || g>>8 > 60 {
		t.Fatalf("camera frame missing at corner: r=%d g=%d", r>>8, g>>8)
	}
}

func TestStreamSendsFirstFrame(t *testing.T) {
	srv, _ := newTestServer(t, &fakeController{}, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "--frame" {
		t.Fatalf("first line = %q err = %v", line, err)
	}
}
