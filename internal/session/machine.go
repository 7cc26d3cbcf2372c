package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/message"

	"github.com/dj-oyu/posture-guard/internal/analysis"
	"github.com/dj-oyu/posture-guard/internal/history"
	"github.com/dj-oyu/posture-guard/internal/i18n"
	"github.com/dj-oyu/posture-guard/internal/logger"
	"github.com/dj-oyu/posture-guard/internal/metrics"
	"github.com/dj-oyu/posture-guard/internal/notify"
	"github.com/dj-oyu/posture-guard/internal/overlay"
	"github.com/dj-oyu/posture-guard/pkg/types"
)

var log = logger.For("Session")

// ErrCameraOff is returned by StartOrCalibrate while no camera is acquired.
var ErrCameraOff = errors.New("camera is off")

// Camera is an acquired capture session.
type Camera interface {
	analysis.FrameSource
	Resolution() types.Resolution
	Latest() (types.Frame, bool)
	Close() error
}

// Opener acquires a camera. onResize must be safe to call from any goroutine.
type Opener func(ctx context.Context, onResize func(types.Resolution)) (Camera, error)

// Analyzer submits stills to the analysis service. It never fails; failures
// come back as degraded results.
type Analyzer interface {
	Analyze(ctx context.Context, src analysis.FrameSource) types.AnalysisResult
	Calibrate(ctx context.Context, src analysis.FrameSource) types.CalibrationResult
}

// Notifier raises posture alerts.
type Notifier interface {
	RequestPermission(ctx context.Context) notify.Permission
	NotifyIfBad(verdict types.Verdict, body string) bool
}

// Display receives every published view. Render must not block.
type Display interface {
	Render(v View)
	Alert(msg string)
}

// Recorder journals results. Record must not block.
type Recorder interface {
	Record(e history.Entry) bool
}

// Surface is the overlay layer owned by the machine.
type Surface interface {
	overlay.Surface
	Snapshot() *image.RGBA
	Release()
}

// Ticker delivers poll ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Config holds the timing knobs of the machine.
type Config struct {
	SlowInterval     time.Duration
	FastInterval     time.Duration
	SizingRetryDelay time.Duration
	AcquireTimeout   time.Duration
}

// DefaultConfig returns the standard polling cadence.
func DefaultConfig() Config {
	return Config{
		SlowInterval:     1000 * time.Millisecond,
		FastInterval:     200 * time.Millisecond,
		SizingRetryDelay: 50 * time.Millisecond,
		AcquireTimeout:   10 * time.Second,
	}
}

// Deps are the collaborators of the machine. Open and Analyzer are
// required; the rest are optional.
type Deps struct {
	Open       Opener
	Analyzer   Analyzer
	Notifier   Notifier
	Display    Display
	Recorder   Recorder
	Renderer   *overlay.Renderer
	NewSurface func(dims func() (w, h int)) Surface
	Metrics    *metrics.Metrics
	Printer    *message.Printer
}

// Events handled by the loop.
type (
	event interface{}

	tick struct{ timerID uint64 }

	tickDone struct {
		id      uint64
		gen     uint64
		res     types.AnalysisResult
		elapsed time.Duration
	}

	calibrateDone struct {
		gen uint64
		res types.CalibrationResult
	}

	retryDraw struct {
		id  uint64
		gen uint64
		res types.AnalysisResult
	}

	resized struct {
		gen uint64
		res types.Resolution
	}

	command struct {
		ctx   context.Context
		fn    func(*Machine, context.Context) error
		reply chan error
	}
)

// previewState is what the preview reads outside the loop.
type previewState struct {
	view    View
	cam     Camera
	surface Surface
}

// Machine holds all session state. Every method runs on the loop
// goroutine; nothing here is safe for concurrent use except View and
// Preview.
type Machine struct {
	cfg  Config
	deps Deps
	p    *message.Printer

	// Seams replaced by tests.
	post      func(event)
	spawn     func(func() event)
	after     func(time.Duration, func() event)
	newTicker func(time.Duration) Ticker
	now       func() time.Time

	baseCtx context.Context

	// Camera
	cam       Camera
	camGen    uint64
	camCtx    context.Context
	camCancel context.CancelFunc
	sessionID string

	// Polling
	streaming bool
	interval  time.Duration
	ticker    Ticker
	timerID   uint64

	// In-flight work
	inFlight    bool
	tickSeq     uint64
	handledSeq  uint64
	calibrating bool

	privacyOn  bool
	skeletonOn bool

	surface Surface
	view    View

	published atomic.Pointer[previewState]
}

func newMachine(cfg Config, deps Deps) *Machine {
	def := DefaultConfig()
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = def.SlowInterval
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = def.FastInterval
	}
	if cfg.SizingRetryDelay < 0 {
		cfg.SizingRetryDelay = def.SizingRetryDelay
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if deps.Renderer == nil {
		deps.Renderer = overlay.NewRenderer()
	}
	if deps.NewSurface == nil {
		deps.NewSurface = func(dims func() (int, int)) Surface { return overlay.NewCanvas(dims) }
	}
	p := deps.Printer
	if p == nil {
		p = i18n.Printer("en")
	}

	m := &Machine{
		cfg:       cfg,
		deps:      deps,
		p:         p,
		newTicker: newTimeTicker,
		now:       time.Now,
		baseCtx:   context.Background(),
		privacyOn: true,
	}
	m.resetView()
	m.publish()
	return m
}

func (m *Machine) resetView() {
	m.view = View{
		PrivacyOn:      m.privacyOn,
		SkeletonOn:     m.skeletonOn,
		Posture:        m.p.Sprintf(i18n.PostureOff),
		PostureClass:   "posture",
		Score:          "-",
		Message:        m.p.Sprintf(i18n.MessageCameraOff),
		Status:         m.p.Sprintf(i18n.StatusIdle),
		CameraButton:   m.p.Sprintf(i18n.ButtonCameraOn),
		StartButton:    m.p.Sprintf(i18n.ButtonStart),
		PrivacyButton:  m.privacyCaption(),
		SkeletonButton: m.skeletonCaption(),
		Notifications:  notify.PermissionDefault.String(),
	}
}

func (m *Machine) privacyCaption() string {
	if m.privacyOn {
		return m.p.Sprintf(i18n.ButtonPrivacyOn)
	}
	return m.p.Sprintf(i18n.ButtonPrivacyOff)
}

func (m *Machine) skeletonCaption() string {
	if m.skeletonOn {
		return m.p.Sprintf(i18n.ButtonSkeletonOn)
	}
	return m.p.Sprintf(i18n.ButtonSkeletonOff)
}

// handle dispatches one event.
func (m *Machine) handle(ev event) {
	switch e := ev.(type) {
	case tick:
		m.handleTick(e)
	case tickDone:
		m.handleTickDone(e)
	case calibrateDone:
		m.handleCalibrateDone(e)
	case retryDraw:
		m.handleRetryDraw(e)
	case resized:
		m.handleResized(e)
	case command:
		e.reply <- e.fn(m, e.ctx)
	default:
		log.Warn("Unknown event %T", ev)
	}
}

// ToggleCamera acquires the camera when it is off and releases it when it
// is on. Releasing ends any measurement.
func (m *Machine) ToggleCamera(ctx context.Context) error {
	if m.cam != nil {
		m.cameraOff()
		m.publish()
		return nil
	}
	return m.cameraOn(ctx)
}

func (m *Machine) cameraOn(ctx context.Context) error {
	actx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	gen := m.camGen + 1
	cam, err := m.deps.Open(actx, func(r types.Resolution) {
		go m.post(resized{gen: gen, res: r})
	})
	if err != nil {
		log.Error("Could not open the camera: %v", err)
		msg := m.p.Sprintf(i18n.StatusCameraFailed)
		m.view.Status = msg
		m.publish()
		if m.deps.Display != nil {
			m.deps.Display.Alert(msg)
		}
		return fmt.Errorf("acquire camera: %w", err)
	}

	m.camGen = gen
	m.cam = cam
	m.camCtx, m.camCancel = context.WithCancel(m.baseCtx)
	m.sessionID = uuid.NewString()

	if m.deps.Notifier != nil {
		m.view.Notifications = m.deps.Notifier.RequestPermission(ctx).String()
	}

	res := cam.Resolution()
	m.view.CameraOn = true
	m.view.Posture = m.p.Sprintf(i18n.PostureOn)
	m.view.PostureClass = "posture"
	m.view.PostureType = ""
	m.view.Message = m.p.Sprintf(i18n.MessageCameraOn)
	m.view.Score = "-"
	m.view.Status = m.p.Sprintf(i18n.StatusReady)
	m.view.StartVisible = true
	m.view.CameraButton = m.p.Sprintf(i18n.ButtonCameraOff)
	m.view.Width, m.view.Height = res.Width, res.Height
	m.view.SessionID = m.sessionID
	if m.skeletonOn && !m.streaming {
		m.view.Status = m.p.Sprintf(i18n.StatusSkeletonNeedsStart)
	}

	m.ensureSurface()
	m.surface.Fit()

	log.Info("Camera on (%dx%d, session %s)", res.Width, res.Height, m.sessionID)
	m.publish()
	return nil
}

func (m *Machine) cameraOff() {
	if m.streaming {
		m.stopTicker()
		m.streaming = false
	}
	if m.camCancel != nil {
		m.camCancel()
		m.camCancel = nil
	}
	m.inFlight = false
	m.calibrating = false
	m.camGen++

	if err := m.cam.Close(); err != nil {
		log.Warn("Camera release failed: %v", err)
	}
	m.cam = nil
	m.camCtx = nil

	if m.surface != nil {
		overlay.Erase(m.surface)
		m.surface.Release()
		m.surface = nil
	}

	m.view.CameraOn = false
	m.view.Streaming = false
	m.view.Calibrating = false
	m.view.IntervalMS = 0
	m.view.Posture = m.p.Sprintf(i18n.PostureOff)
	m.view.PostureClass = "posture"
	m.view.PostureType = ""
	m.view.Message = m.p.Sprintf(i18n.MessageCameraOff)
	m.view.Score = "-"
	m.view.Status = m.p.Sprintf(i18n.StatusIdle)
	m.view.StartVisible = false
	m.view.StartButton = m.p.Sprintf(i18n.ButtonStart)
	m.view.CameraButton = m.p.Sprintf(i18n.ButtonCameraOn)
	m.view.Width, m.view.Height = 0, 0
	m.view.SessionID = ""

	log.Info("Camera off")
}

// StartOrCalibrate starts measuring, or while measuring sends one
// calibration request. A calibration already in flight makes it a no-op.
func (m *Machine) StartOrCalibrate(ctx context.Context) error {
	if m.cam == nil {
		return ErrCameraOff
	}

	if !m.streaming {
		m.streaming = true
		m.interval = m.cfg.SlowInterval
		if m.skeletonOn {
			m.interval = m.cfg.FastInterval
		}
		m.startTicker()

		m.view.Streaming = true
		m.view.IntervalMS = m.interval.Milliseconds()
		m.view.StartButton = m.p.Sprintf(i18n.ButtonCalibrate)
		m.view.Status = m.p.Sprintf(i18n.StatusMeasuring, m.interval.Milliseconds())
		log.Info("Measuring every %v", m.interval)
		m.publish()
		return nil
	}

	if m.calibrating {
		log.Debug("Calibration already in flight")
		return nil
	}
	m.calibrating = true
	m.view.Calibrating = true
	m.view.Message = m.p.Sprintf(i18n.CalibratePending)
	m.publish()

	gen, cam, cctx := m.camGen, m.cam, m.camCtx
	an := m.deps.Analyzer
	m.spawn(func() event {
		return calibrateDone{gen: gen, res: an.Calibrate(cctx, cam)}
	})
	return nil
}

func (m *Machine) handleCalibrateDone(e calibrateDone) {
	if e.gen != m.camGen {
		m.count(func(mt *metrics.Metrics) { mt.TicksStale.Add(1) })
		return
	}
	m.calibrating = false
	m.view.Calibrating = false

	if e.res.OK() {
		m.view.Message = m.p.Sprintf(i18n.CalibrateOK)
		if e.res.Baseline != nil {
			m.view.Baseline = e.res.Baseline
		}
		log.Info("Calibrated")
	} else {
		m.view.Message = m.p.Sprintf(i18n.CalibrateFailed)
		log.Warn("Calibration failed (status %q %s)", e.res.Status, e.res.Error)
	}
	m.record(history.Entry{Kind: history.KindCalibration, Posture: e.res.Status})
	m.publish()
}

// TogglePrivacy flips privacy mode. Turning it on clears the overlay at
// once; turning it off re-primes the surface when a draw could follow.
func (m *Machine) TogglePrivacy(ctx context.Context) error {
	m.privacyOn = !m.privacyOn
	if m.privacyOn {
		m.clearSurface()
	} else if m.cam != nil && m.skeletonOn && m.streaming {
		m.ensureSurface()
		m.surface.Fit()
	}
	m.view.PrivacyOn = m.privacyOn
	m.view.PrivacyButton = m.privacyCaption()
	m.publish()
	return nil
}

// ToggleSkeleton flips the skeleton overlay. A running ticker keeps its
// interval; the fast cadence is only chosen when measuring starts.
func (m *Machine) ToggleSkeleton(ctx context.Context) error {
	m.skeletonOn = !m.skeletonOn
	m.view.SkeletonOn = m.skeletonOn
	m.view.SkeletonButton = m.skeletonCaption()
	if m.cam != nil && !m.streaming {
		if m.skeletonOn {
			m.view.Status = m.p.Sprintf(i18n.StatusSkeletonNeedsStart)
		} else {
			m.view.Status = m.p.Sprintf(i18n.StatusReady)
		}
	}
	m.publish()
	return nil
}

func (m *Machine) startTicker() {
	m.stopTicker()
	m.timerID++
	m.ticker = m.newTicker(m.interval)
}

func (m *Machine) stopTicker() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
}

// tickC is the channel of the live ticker, or nil.
func (m *Machine) tickC() <-chan time.Time {
	if m.ticker == nil {
		return nil
	}
	return m.ticker.C()
}

func (m *Machine) handleTick(e tick) {
	if e.timerID != m.timerID || !m.streaming || m.cam == nil {
		return
	}
	m.count(func(mt *metrics.Metrics) { mt.TicksFired.Add(1) })

	if m.inFlight {
		m.count(func(mt *metrics.Metrics) { mt.TicksSkipped.Add(1) })
		return
	}
	m.inFlight = true
	m.tickSeq++

	id, gen, cam, cctx := m.tickSeq, m.camGen, m.cam, m.camCtx
	an, now := m.deps.Analyzer, m.now
	m.spawn(func() event {
		start := now()
		res := an.Analyze(cctx, cam)
		return tickDone{id: id, gen: gen, res: res, elapsed: now().Sub(start)}
	})
}

func (m *Machine) handleTickDone(e tickDone) {
	if e.gen != m.camGen {
		m.count(func(mt *metrics.Metrics) { mt.TicksStale.Add(1) })
		return
	}
	m.inFlight = false
	m.handledSeq = e.id

	if mt := m.deps.Metrics; mt != nil {
		mt.ObserveAnalyze(e.elapsed)
		mt.ObserveVerdict(string(e.res.Posture))
	}

	m.applyResult(e.res)
	m.drawOrClear(e.id, e.gen, e.res, true)
	m.publish()
}

func (m *Machine) applyResult(res types.AnalysisResult) {
	if res.Posture == types.VerdictUnknown {
		m.view.Posture = m.p.Sprintf(i18n.PostureUnknown)
		m.view.PostureClass = "posture"
		m.view.PostureType = ""
		m.view.Message = m.p.Sprintf(i18n.MessageUnknown)
		return
	}

	m.view.Posture = postureLabel(res.Posture)
	m.view.PostureClass = postureClass(res.Posture)
	m.view.PostureType = res.PostureType

	if res.Posture == types.VerdictGood {
		m.view.Message = m.p.Sprintf(i18n.MessageGood)
	} else {
		m.view.Message = m.p.Sprintf(i18n.MessageBad)
		if m.deps.Notifier != nil {
			m.deps.Notifier.NotifyIfBad(res.Posture, m.p.Sprintf(i18n.NotifyBad))
		}
	}

	entry := history.Entry{
		Kind:        history.KindAnalysis,
		Posture:     string(res.Posture),
		PostureType: res.PostureType,
	}
	if res.Metrics != nil {
		m.view.Score = FormatScore(*res.Metrics)
		torso, neck, tilt := res.Metrics.TorsoAngle, res.Metrics.NeckAngle, res.Metrics.ShoulderTilt
		entry.TorsoAngle, entry.NeckAngle, entry.ShoulderTilt = &torso, &neck, &tilt
	}
	m.record(entry)
}

// drawOrClear renders the skeleton when privacy is off, the overlay is
// enabled and there are landmarks; otherwise it clears. An unsized surface
// gets one deferred retry when retry is set.
func (m *Machine) drawOrClear(id, gen uint64, res types.AnalysisResult, retry bool) {
	if m.privacyOn || !m.skeletonOn || !res.HasLandmarks() {
		if m.surface != nil {
			m.clearSurface()
		}
		log.Debug("Skip draw: privacy=%v skeleton=%v landmarks=%d", m.privacyOn, m.skeletonOn, len(res.Landmarks))
		return
	}

	m.ensureSurface()
	if !m.surface.Fit() {
		if retry {
			m.count(func(mt *metrics.Metrics) { mt.SizingRetries.Add(1) })
			m.after(m.cfg.SizingRetryDelay, func() event {
				return retryDraw{id: id, gen: gen, res: res}
			})
		} else {
			log.Debug("Overlay still unsized, dropping draw")
		}
		return
	}

	stats := m.deps.Renderer.Render(m.surface, res.Landmarks, res.Connections, res.Posture)
	m.count(func(mt *metrics.Metrics) { mt.OverlaysDrawn.Add(1) })
	log.Debug("Drew %d lines, %d markers", stats.Lines, stats.Markers)
}

func (m *Machine) handleRetryDraw(e retryDraw) {
	if e.gen != m.camGen || e.id != m.handledSeq {
		return
	}
	if m.privacyOn || !m.skeletonOn {
		return
	}
	m.drawOrClear(e.id, e.gen, e.res, false)
	m.publish()
}

func (m *Machine) handleResized(e resized) {
	if e.gen != m.camGen || m.cam == nil {
		return
	}
	m.view.Width, m.view.Height = e.res.Width, e.res.Height
	if m.surface != nil {
		m.surface.Fit()
	}
	m.publish()
}

// Resize re-fits the overlay to the camera's current resolution.
func (m *Machine) Resize(ctx context.Context) error {
	if m.cam == nil {
		return nil
	}
	m.handleResized(resized{gen: m.camGen, res: m.cam.Resolution()})
	return nil
}

func (m *Machine) ensureSurface() {
	if m.surface != nil {
		return
	}
	m.surface = m.deps.NewSurface(func() (int, int) {
		if m.cam == nil {
			return 0, 0
		}
		r := m.cam.Resolution()
		return r.Width, r.Height
	})
}

func (m *Machine) clearSurface() {
	if m.surface == nil {
		return
	}
	overlay.Erase(m.surface)
	m.count(func(mt *metrics.Metrics) { mt.OverlaysCleared.Add(1) })
}

func (m *Machine) record(e history.Entry) {
	if m.deps.Recorder == nil || m.sessionID == "" {
		return
	}
	e.SessionID = m.sessionID
	e.CreatedAt = m.now()
	m.deps.Recorder.Record(e)
}

func (m *Machine) count(f func(*metrics.Metrics)) {
	if m.deps.Metrics != nil {
		f(m.deps.Metrics)
	}
}

// publish snapshots the view for readers and pushes it to the display.
func (m *Machine) publish() {
	m.view.UpdatedAt = m.now()
	v := m.view.clone()
	m.published.Store(&previewState{view: v, cam: m.cam, surface: m.surface})

	if mt := m.deps.Metrics; mt != nil {
		metrics.SetFlag(&mt.CameraOn, v.CameraOn)
		metrics.SetFlag(&mt.Streaming, v.Streaming)
		metrics.SetFlag(&mt.PrivacyOn, v.PrivacyOn)
		metrics.SetFlag(&mt.SkeletonOn, v.SkeletonOn)
		mt.IntervalMs.Store(uint64(v.IntervalMS))
	}
	if m.deps.Display != nil {
		m.deps.Display.Render(v)
	}
}

// View returns the last published view. Safe from any goroutine.
func (m *Machine) View() View {
	return m.published.Load().view.clone()
}

// Preview is what the live preview composes: the newest camera frame and
// the presented overlay, with the view they belong to.
type Preview struct {
	View     View
	Frame    types.Frame
	HasFrame bool
	Overlay  *image.RGBA
}

// Preview returns the current preview inputs. Safe from any goroutine.
func (m *Machine) Preview() Preview {
	st := m.published.Load()
	p := Preview{View: st.view.clone()}
	if st.cam != nil {
		p.Frame, p.HasFrame = st.cam.Latest()
	}
	if st.surface != nil && !st.view.PrivacyOn {
		p.Overlay = st.surface.Snapshot()
	}
	return p
}

// shutdown releases the camera when the loop exits.
func (m *Machine) shutdown() {
	if m.cam != nil {
		m.cameraOff()
		m.publish()
	}
}
