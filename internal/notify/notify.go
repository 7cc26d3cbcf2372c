// Package notify raises rate limited desktop notifications when posture
// turns bad.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/posture-guard/internal/logger"
	"github.com/dj-oyu/posture-guard/internal/metrics"
	"github.com/dj-oyu/posture-guard/pkg/types"
)

var log = logger.For("Notify")

// DefaultMinGap is the minimum time between two notifications.
const DefaultMinGap = 10 * time.Second

// Permission mirrors the three states of a notification grant.
type Permission int

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// Policy values accepted by Config.Policy.
const (
	PolicyAuto = "auto"
	PolicyOff  = "off"
)

// Dispatcher delivers a notification to the user.
type Dispatcher interface {
	// Available reports whether the dispatcher can reach the user at all.
	Available(ctx context.Context) bool
	Send(title, body string) error
}

// Config controls the notifier.
type Config struct {
	Title  string
	MinGap time.Duration
	Policy string
	Now    func() time.Time
}

// Notifier gates notifications behind a permission and a minimum gap.
type Notifier struct {
	dispatcher Dispatcher
	title      string
	minGap     time.Duration
	policy     string
	now        func() time.Time
	metrics    *metrics.Metrics

	mu         sync.Mutex
	permission Permission
	lastSent   time.Time
	sent       bool
}

// New creates a notifier. m may be nil.
func New(d Dispatcher, cfg Config, m *metrics.Metrics) *Notifier {
	if cfg.MinGap <= 0 {
		cfg.MinGap = DefaultMinGap
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyAuto
	}
	if cfg.Title == "" {
		cfg.Title = "Posture Guard AI"
	}
	return &Notifier{
		dispatcher: d,
		title:      cfg.Title,
		minGap:     cfg.MinGap,
		policy:     cfg.Policy,
		now:        cfg.Now,
		metrics:    m,
	}
}

// Permission returns the current grant.
func (n *Notifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

// RequestPermission resolves a Default grant. A decided grant is kept.
func (n *Notifier) RequestPermission(ctx context.Context) Permission {
	n.mu.Lock()
	if n.permission != PermissionDefault {
		p := n.permission
		n.mu.Unlock()
		return p
	}
	n.mu.Unlock()

	p := PermissionDenied
	if n.policy != PolicyOff && n.dispatcher != nil && n.dispatcher.Available(ctx) {
		p = PermissionGranted
	}

	n.mu.Lock()
	if n.permission == PermissionDefault {
		n.permission = p
	}
	p = n.permission
	n.mu.Unlock()

	log.Info("Notification permission: %s", p)
	return p
}

// NotifyIfBad sends body when verdict is bad, permission is granted, and
// the minimum gap since the last notification has passed. It reports
// whether a notification was dispatched. It never fails.
func (n *Notifier) NotifyIfBad(verdict types.Verdict, body string) bool {
	if verdict != types.VerdictBad {
		return false
	}

	n.mu.Lock()
	if n.permission != PermissionGranted {
		n.mu.Unlock()
		return false
	}
	now := n.now()
	if n.sent && now.Sub(n.lastSent) < n.minGap {
		n.mu.Unlock()
		if n.metrics != nil {
			n.metrics.NotificationsSuppressed.Add(1)
		}
		return false
	}
	n.lastSent = now
	n.sent = true
	n.mu.Unlock()

	if err := n.dispatcher.Send(n.title, body); err != nil {
		log.Warn("Notification failed: %v", err)
		return false
	}
	if n.metrics != nil {
		n.metrics.NotificationsSent.Add(1)
	}
	return true
}
