package analysis

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/posture-guard/internal/metrics"
	"github.com/dj-oyu/posture-guard/pkg/types"
)

type fakeSource struct {
	active bool
	image  []byte
	err    error
	calls  atomic.Int32
}

func (s *fakeSource) Active() bool { return s.active }

func (s *fakeSource) CaptureStill(ctx context.Context) ([]byte, error) {
	s.calls.Add(1)
	return s.image, s.err
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *metrics.Metrics, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	m := metrics.New()
	c := NewClient(Config{BaseURL: srv.URL + "/", Timeout: 2 * time.Second, Cookie: "session=abc"}, m)
	return c, m, &hits
}

func TestAnalyzeSendsMultipartStill(t *testing.T) {
	c, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyze" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Cookie"); got != "session=abc" {
			t.Errorf("cookie = %q", got)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "frame.jpg" || string(data) != "jpeg-bytes" {
			t.Errorf("file %q = %q", header.Filename, data)
		}
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part content type = %q", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"posture":"good","posture_type":"upright","metrics":{"torso_angle":5.7,"neck_angle":12.1,"shoulder_tilt":1.9},
			"landmarks":[{"x":0.1,"y":0.2,"z":0,"visibility":0.9,"presence":0.9}],"connections":[[0,1]],"world_landmarks":[{"x":1}]}`)
	})

	res := c.Analyze(context.Background(), &fakeSource{active: true, image: []byte("jpeg-bytes")})
	if res.Posture != types.VerdictGood {
		t.Fatalf("Posture = %q", res.Posture)
	}
	if res.PostureType != "upright" {
		t.Fatalf("PostureType = %q", res.PostureType)
	}
	if res.Metrics == nil || res.Metrics.NeckAngle != 12.1 {
		t.Fatalf("Metrics = %+v", res.Metrics)
	}
	if len(res.Landmarks) != 1 || len(res.Connections) != 1 || res.Connections[0] != (types.Connection{0, 1}) {
		t.Fatalf("landmarks/connections = %+v / %+v", res.Landmarks, res.Connections)
	}
}

func TestAnalyzeInactiveSourceMakesNoRequest(t *testing.T) {
	c, _, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"posture":"good"}`)
	})

	for _, src := range []FrameSource{nil, &fakeSource{active: false}} {
		res := c.Analyze(context.Background(), src)
		if res.Posture != types.VerdictUnknown {
			t.Fatalf("Posture = %q, want unknown", res.Posture)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("server hit %d times, want 0", hits.Load())
	}
}

func TestAnalyzeDegrades(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "login", http.StatusUnauthorized)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"posture":`)
		}},
		{"odd verdict", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"posture":"slouching"}`)
		}},
		{"explicit unknown", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"posture":"unknown"}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestClient(t, tt.handler)
			res := c.Analyze(context.Background(), &fakeSource{active: true, image: []byte("x")})
			if res.Posture != types.VerdictUnknown {
				t.Fatalf("Posture = %q, want unknown", res.Posture)
			}
		})
	}
}

func TestAnalyzeCaptureFailure(t *testing.T) {
	c, m, hits := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"posture":"good"}`)
	})
	res := c.Analyze(context.Background(), &fakeSource{active: true, err: errors.New("no frame")})
	if res.Posture != types.VerdictUnknown {
		t.Fatalf("Posture = %q", res.Posture)
	}
	if hits.Load() != 0 {
		t.Fatal("request made after capture failure")
	}
	if m.CaptureErrors.Load() != 1 {
		t.Fatalf("CaptureErrors = %d", m.CaptureErrors.Load())
	}
}

func TestAnalyzeTransportError(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 500 * time.Millisecond}, nil)
	res := c.Analyze(context.Background(), &fakeSource{active: true, image: []byte("x")})
	if res.Posture != types.VerdictUnknown {
		t.Fatalf("Posture = %q", res.Posture)
	}
}

func TestCalibrate(t *testing.T) {
	c, m, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calibrate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"status":"calibrated","baseline":{"torso":3.5}}`)
	})
	res := c.Calibrate(context.Background(), &fakeSource{active: true, image: []byte("x")})
	if !res.OK() || res.Baseline["torso"] != 3.5 {
		t.Fatalf("Calibrate = %+v", res)
	}
	if m.CalibrateErrors.Load() != 0 {
		t.Fatalf("CalibrateErrors = %d", m.CalibrateErrors.Load())
	}
}

func TestCalibrateFailure(t *testing.T) {
	c, m, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"no pose"}`)
	})
	res := c.Calibrate(context.Background(), &fakeSource{active: true, image: []byte("x")})
	if res.OK() {
		t.Fatalf("Calibrate = %+v, want failure", res)
	}
	if m.CalibrateErrors.Load() != 1 {
		t.Fatalf("CalibrateErrors = %d", m.CalibrateErrors.Load())
	}
}
