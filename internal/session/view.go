package session

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dj-oyu/posture-guard/pkg/types"
)

// View is the UI model published after every transition.
type View struct {
	CameraOn    bool  `json:"camera_on"`
	Streaming   bool  `json:"streaming"`
	PrivacyOn   bool  `json:"privacy_on"`
	SkeletonOn  bool  `json:"skeleton_on"`
	Calibrating bool  `json:"calibrating"`
	IntervalMS  int64 `json:"interval_ms"`

	Posture      string `json:"posture"`
	PostureClass string `json:"posture_class"`
	PostureType  string `json:"posture_type,omitempty"`
	Score        string `json:"score"`
	Message      string `json:"message"`
	Status       string `json:"status"`

	CameraButton   string `json:"camera_button"`
	StartButton    string `json:"start_button"`
	StartVisible   bool   `json:"start_visible"`
	PrivacyButton  string `json:"privacy_button"`
	SkeletonButton string `json:"skeleton_button"`

	Width    int                `json:"width"`
	Height   int                `json:"height"`
	Baseline map[string]float64 `json:"baseline,omitempty"`

	Notifications string    `json:"notifications"`
	SessionID     string    `json:"session_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// clone copies the view so published values never alias loop state.
func (v View) clone() View {
	if v.Baseline != nil {
		b := make(map[string]float64, len(v.Baseline))
		for k, val := range v.Baseline {
			b[k] = val
		}
		v.Baseline = b
	}
	return v
}

// FormatScore renders metrics with each angle floored to an integer.
func FormatScore(m types.Metrics) string {
	return fmt.Sprintf("Torso:%d  Neck:%d  Tilt:%d",
		int(math.Floor(m.TorsoAngle)),
		int(math.Floor(m.NeckAngle)),
		int(math.Floor(m.ShoulderTilt)),
	)
}

func postureLabel(v types.Verdict) string {
	return strings.ToUpper(string(v))
}

func postureClass(v types.Verdict) string {
	if v == types.VerdictUnknown {
		return "posture"
	}
	return "posture " + string(v)
}
