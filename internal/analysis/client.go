// Package analysis talks to the remote posture analysis service.
//
// Every failure (camera, transport, status, decoding) is absorbed into a
// degraded result: Analyze returns an unknown verdict and Calibrate returns
// a result whose OK reports false. Callers never see an error.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dj-oyu/posture-guard/internal/logger"
	"github.com/dj-oyu/posture-guard/internal/metrics"
	"github.com/dj-oyu/posture-guard/pkg/types"
)

const (
	// FieldName is the multipart field that carries the still.
	FieldName = "image"
	// FileName is the filename attached to the still.
	FileName = "frame.jpg"

	maxResponseBytes = 8 << 20
)

var (
	log = logger.For("Analysis")

	errInactive = errors.New("camera not active")
)

// FrameSource produces the still submitted for analysis.
type FrameSource interface {
	Active() bool
	CaptureStill(ctx context.Context) ([]byte, error)
}

// Config locates the analysis service.
type Config struct {
	BaseURL       string
	AnalyzePath   string
	CalibratePath string
	Cookie        string // optional "name=value" session cookie
	Timeout       time.Duration
}

// Client posts stills to the analyze and calibrate endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tracer     trace.Tracer
	metrics    *metrics.Metrics
}

// NewClient creates a client. m may be nil.
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.AnalyzePath == "" {
		cfg.AnalyzePath = "/analyze"
	}
	if cfg.CalibratePath == "" {
		cfg.CalibratePath = "/calibrate"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tracer:     otel.Tracer("github.com/dj-oyu/posture-guard/internal/analysis"),
		metrics:    m,
	}
}

// analyzeResponse is the wire shape of the analyze endpoint. world_landmarks
// is accepted and ignored.
type analyzeResponse struct {
	Posture        string             `json:"posture"`
	PostureType    string             `json:"posture_type"`
	Metrics        *types.Metrics     `json:"metrics"`
	Landmarks      []types.Landmark   `json:"landmarks"`
	Connections    []types.Connection `json:"connections"`
	WorldLandmarks json.RawMessage    `json:"world_landmarks"`
}

func (r analyzeResponse) result() types.AnalysisResult {
	return types.AnalysisResult{
		Posture:     types.ParseVerdict(r.Posture),
		PostureType: r.PostureType,
		Metrics:     r.Metrics,
		Landmarks:   r.Landmarks,
		Connections: r.Connections,
	}
}

// Analyze captures a still from src and submits it to the analyze endpoint.
// If src is nil or inactive no request is made.
func (c *Client) Analyze(ctx context.Context, src FrameSource) types.AnalysisResult {
	image, err := capture(ctx, src)
	if err != nil {
		if !errors.Is(err, errInactive) {
			log.Debug("Capture failed: %v", err)
			c.count(func(m *metrics.Metrics) { m.CaptureErrors.Add(1) })
		}
		return types.Unknown()
	}
	c.count(func(m *metrics.Metrics) { m.FramesCapture.Add(1) })
	return c.Submit(ctx, c.cfg.AnalyzePath, image)
}

// Submit posts image to endpoint and decodes an analysis result. Failure
// yields the unknown verdict.
func (c *Client) Submit(ctx context.Context, endpoint string, image []byte) types.AnalysisResult {
	c.count(func(m *metrics.Metrics) { m.AnalyzeRequests.Add(1) })

	var resp analyzeResponse
	if err := c.post(ctx, endpoint, image, &resp); err != nil {
		log.Warn("Analyze failed: %v", err)
		c.count(func(m *metrics.Metrics) { m.AnalyzeErrors.Add(1) })
		return types.Unknown()
	}
	return resp.result()
}

// Calibrate captures a still and asks the service to store it as the good
// posture baseline.
func (c *Client) Calibrate(ctx context.Context, src FrameSource) types.CalibrationResult {
	c.count(func(m *metrics.Metrics) { m.CalibrateRequests.Add(1) })

	image, err := capture(ctx, src)
	if err != nil {
		c.count(func(m *metrics.Metrics) { m.CalibrateErrors.Add(1) })
		return types.CalibrationResult{Error: err.Error()}
	}
	c.count(func(m *metrics.Metrics) { m.FramesCapture.Add(1) })

	var resp types.CalibrationResult
	if err := c.post(ctx, c.cfg.CalibratePath, image, &resp); err != nil {
		log.Warn("Calibrate failed: %v", err)
		c.count(func(m *metrics.Metrics) { m.CalibrateErrors.Add(1) })
		return types.CalibrationResult{Error: err.Error()}
	}
	if !resp.OK() {
		c.count(func(m *metrics.Metrics) { m.CalibrateErrors.Add(1) })
	}
	return resp
}

func capture(ctx context.Context, src FrameSource) ([]byte, error) {
	if src == nil || !src.Active() {
		return nil, errInactive
	}
	image, err := src.CaptureStill(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture still: %w", err)
	}
	return image, nil
}

func (c *Client) post(ctx context.Context, endpoint string, image []byte, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "posture.submit", trace.WithSpanKind(trace.SpanKindClient))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("posture.endpoint", endpoint),
		attribute.Int("posture.image_bytes", len(image)),
	)

	body, contentType, err := encodeForm(image)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.cfg.Cookie != "" {
		req.Header.Set("Cookie", c.cfg.Cookie)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func encodeForm(image []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FieldName, FileName))
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write form part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func (c *Client) count(f func(*metrics.Metrics)) {
	if c.metrics != nil {
		f(c.metrics)
	}
}
