package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/text/language"

	"github.com/dj-oyu/posture-guard/internal/i18n"
	"github.com/dj-oyu/posture-guard/pkg/types"
)

// Config defines the runtime configuration for the posture guard agent.
type Config struct {
	// Control panel
	Addr        string `env:"POSTURE_ADDR"`
	MetricsAddr string `env:"POSTURE_METRICS_ADDR"`

	// Analysis service
	ServerURL      string        `env:"POSTURE_SERVER_URL"`
	AnalyzePath    string        `env:"POSTURE_ANALYZE_PATH"`
	CalibratePath  string        `env:"POSTURE_CALIBRATE_PATH"`
	RequestTimeout time.Duration `env:"POSTURE_REQUEST_TIMEOUT"`
	ServerCookie   string        `env:"POSTURE_SERVER_COOKIE"`

	// Camera
	CameraSource   string        `env:"POSTURE_CAMERA_SOURCE"`
	CameraDevice   string        `env:"POSTURE_CAMERA_DEVICE"`
	InputFormat    string        `env:"POSTURE_CAMERA_INPUT_FORMAT"`
	SnapshotURL    string        `env:"POSTURE_SNAPSHOT_URL"`
	CameraWidth    int           `env:"POSTURE_CAMERA_WIDTH"`
	CameraHeight   int           `env:"POSTURE_CAMERA_HEIGHT"`
	CameraFPS      int           `env:"POSTURE_CAMERA_FPS"`
	JPEGQuality    int           `env:"POSTURE_JPEG_QUALITY"`
	AcquireTimeout time.Duration `env:"POSTURE_ACQUIRE_TIMEOUT"`

	// Polling
	SlowInterval     time.Duration `env:"POSTURE_SLOW_INTERVAL"`
	FastInterval     time.Duration `env:"POSTURE_FAST_INTERVAL"`
	SizingRetryDelay time.Duration `env:"POSTURE_SIZING_RETRY_DELAY"`

	// Notifications
	Notifications string        `env:"POSTURE_NOTIFICATIONS"` // auto or off
	NotifyMinGap  time.Duration `env:"POSTURE_NOTIFY_MIN_GAP"`
	NotifyTitle   string        `env:"POSTURE_NOTIFY_TITLE"`

	// UI
	Language        string        `env:"POSTURE_LANGUAGE"`
	PreviewInterval time.Duration `env:"POSTURE_PREVIEW_INTERVAL"`

	// History
	HistoryPath string `env:"POSTURE_HISTORY_PATH"`

	// WebRTC status channel
	STUNServers []string `env:"POSTURE_STUN_SERVERS" envSeparator:","`
	MaxPeers    int      `env:"POSTURE_MAX_PEERS"`

	// Observability
	LogLevel     string `env:"POSTURE_LOG_LEVEL"`
	LogColor     bool   `env:"POSTURE_LOG_COLOR"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME"`
}

// Default returns the configuration the agent runs with when nothing is overridden.
func Default() Config {
	return Config{
		Addr:             "127.0.0.1:8090",
		ServerURL:        "http://localhost:8000",
		AnalyzePath:      "/analyze",
		CalibratePath:    "/calibrate",
		RequestTimeout:   10 * time.Second,
		CameraSource:     "ffmpeg",
		CameraDevice:     "/dev/video0",
		InputFormat:      "v4l2",
		CameraWidth:      1280,
		CameraHeight:     720,
		CameraFPS:        15,
		JPEGQuality:      80,
		AcquireTimeout:   10 * time.Second,
		SlowInterval:     1000 * time.Millisecond,
		FastInterval:     200 * time.Millisecond,
		SizingRetryDelay: 50 * time.Millisecond,
		Notifications:    "auto",
		NotifyMinGap:     10 * time.Second,
		NotifyTitle:      "Posture Guard AI",
		Language:         "en",
		PreviewInterval:  100 * time.Millisecond,
		HistoryPath:      "posture-history.db",
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		MaxPeers:         4,
		LogLevel:         "info",
		LogColor:         true,
		ServiceName:      "posture-guard",
	}
}

// ParseEnv overlays environment variables onto target. Unset variables keep
// the values already present.
func ParseEnv(target *Config) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// BindFlags registers command line flags on fs. Current field values become
// the flag defaults, so call it after ParseEnv.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "http", c.Addr, "Control panel listen address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Dedicated Prometheus listen address (empty: serve on control panel)")

	fs.StringVar(&c.ServerURL, "server", c.ServerURL, "Analysis service base URL")
	fs.StringVar(&c.AnalyzePath, "analyze-path", c.AnalyzePath, "Analyze endpoint path")
	fs.StringVar(&c.CalibratePath, "calibrate-path", c.CalibratePath, "Calibrate endpoint path")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Analysis request timeout")
	fs.StringVar(&c.ServerCookie, "server-cookie", c.ServerCookie, "Session cookie sent to the analysis service (name=value)")

	fs.StringVar(&c.CameraSource, "camera-source", c.CameraSource, "Camera source (ffmpeg, snapshot)")
	fs.StringVar(&c.CameraDevice, "camera", c.CameraDevice, "Capture device for the ffmpeg source")
	fs.StringVar(&c.InputFormat, "input-format", c.InputFormat, "ffmpeg input format (v4l2, avfoundation, dshow)")
	fs.StringVar(&c.SnapshotURL, "snapshot-url", c.SnapshotURL, "Still image URL for the snapshot source")
	fs.IntVar(&c.CameraWidth, "width", c.CameraWidth, "Ideal capture width")
	fs.IntVar(&c.CameraHeight, "height", c.CameraHeight, "Ideal capture height")
	fs.IntVar(&c.CameraFPS, "fps", c.CameraFPS, "Capture rate")
	fs.IntVar(&c.JPEGQuality, "jpeg-quality", c.JPEGQuality, "JPEG quality of stills sent for analysis")
	fs.DurationVar(&c.AcquireTimeout, "acquire-timeout", c.AcquireTimeout, "Camera acquisition timeout")

	fs.DurationVar(&c.SlowInterval, "slow-interval", c.SlowInterval, "Poll interval with the skeleton overlay off")
	fs.DurationVar(&c.FastInterval, "fast-interval", c.FastInterval, "Poll interval with the skeleton overlay on")
	fs.DurationVar(&c.SizingRetryDelay, "sizing-retry", c.SizingRetryDelay, "Delay before retrying an unsized overlay draw")

	fs.StringVar(&c.Notifications, "notifications", c.Notifications, "Desktop notification policy (auto, off)")
	fs.DurationVar(&c.NotifyMinGap, "notify-gap", c.NotifyMinGap, "Minimum gap between notifications")
	fs.StringVar(&c.NotifyTitle, "notify-title", c.NotifyTitle, "Notification title")

	fs.StringVar(&c.Language, "lang", c.Language, "UI language (en, ja)")
	fs.DurationVar(&c.PreviewInterval, "preview-interval", c.PreviewInterval, "MJPEG preview frame interval")
	fs.StringVar(&c.HistoryPath, "history", c.HistoryPath, "SQLite verdict history path (empty: disabled)")

	fs.Func("stun", "Comma separated STUN servers for the status data channel", func(s string) error {
		c.STUNServers = splitList(s)
		return nil
	})
	fs.IntVar(&c.MaxPeers, "max-peers", c.MaxPeers, "Maximum WebRTC status peers")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", c.OTLPEndpoint, "OTLP/HTTP trace endpoint (empty: tracing disabled)")
	fs.StringVar(&c.ServiceName, "service-name", c.ServiceName, "Service name reported in traces")
}

// Load builds a Config from defaults, then the environment, then args.
func Load(name string, args []string) (Config, error) {
	cfg := Default()
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values the agent cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid server url %q", c.ServerURL))
	}
	switch c.CameraSource {
	case "ffmpeg":
		if c.CameraDevice == "" {
			errs = append(errs, errors.New("camera device is required for the ffmpeg source"))
		}
	case "snapshot":
		if c.SnapshotURL == "" {
			errs = append(errs, errors.New("snapshot url is required for the snapshot source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown camera source %q", c.CameraSource))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality %d out of range 1-100", c.JPEGQuality))
	}
	if c.SlowInterval <= 0 || c.FastInterval <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}
	if c.SizingRetryDelay < 0 {
		errs = append(errs, errors.New("sizing retry delay must not be negative"))
	}
	switch c.Notifications {
	case "auto", "off":
	default:
		errs = append(errs, fmt.Errorf("unknown notification policy %q", c.Notifications))
	}
	if c.MaxPeers < 0 {
		errs = append(errs, errors.New("max peers must not be negative"))
	}
	if c.Language != "" && !supportedLanguage(c.Language) {
		errs = append(errs, fmt.Errorf("unsupported language %q", c.Language))
	}
	return errors.Join(errs...)
}

// supportedLanguage matches on the base language, so "ja-JP" counts as "ja".
func supportedLanguage(value string) bool {
	tag, err := language.Parse(value)
	if err != nil {
		return false
	}
	base, _ := tag.Base()
	for _, s := range i18n.Supported() {
		if b, _ := s.Base(); b == base {
			return true
		}
	}
	return false
}

// Camera returns the capture settings.
func (c Config) Camera() types.CameraConfig {
	return types.CameraConfig{
		Source:      c.CameraSource,
		Device:      c.CameraDevice,
		InputFormat: c.InputFormat,
		SnapshotURL: c.SnapshotURL,
		Width:       c.CameraWidth,
		Height:      c.CameraHeight,
		FPS:         c.CameraFPS,
		Quality:     c.JPEGQuality,
		Timeout:     c.AcquireTimeout,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
