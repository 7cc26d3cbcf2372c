package types

import (
	"encoding/json"
	"strings"
)

// Verdict is the server classification of a single analyzed frame.
type Verdict string

const (
	VerdictGood    Verdict = "good"
	VerdictBad     Verdict = "bad"
	VerdictUnknown Verdict = "unknown"
)

// ParseVerdict maps a wire value onto a Verdict. Anything that is not
// "good" or "bad" is treated as unknown.
func ParseVerdict(s string) Verdict {
	switch Verdict(strings.ToLower(strings.TrimSpace(s))) {
	case VerdictGood:
		return VerdictGood
	case VerdictBad:
		return VerdictBad
	default:
		return VerdictUnknown
	}
}

// Metrics are the posture angles reported by the analysis service, in degrees.
type Metrics struct {
	TorsoAngle   float64 `json:"torso_angle"`
	NeckAngle    float64 `json:"neck_angle"`
	ShoulderTilt float64 `json:"shoulder_tilt"`
}

// Landmark is one body keypoint. X and Y are normalized to 0..1 of the frame.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
	Presence   float64 `json:"presence"`
}

// Connection is a pair of landmark indices describing an edge to draw.
// It is encoded on the wire as a two element array.
type Connection [2]int

// InvalidConnection marks a wire entry that does not name two landmarks.
var InvalidConnection = Connection{-1, -1}

// UnmarshalJSON decodes a wire pair. Entries with fewer than two indices,
// including null, become InvalidConnection; extra indices are ignored.
func (c *Connection) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) < 2 {
		*c = InvalidConnection
		return nil
	}
	*c = Connection{pair[0], pair[1]}
	return nil
}

// AnalysisResult is the decoded response of the analyze endpoint.
type AnalysisResult struct {
	Posture     Verdict      `json:"posture"`
	PostureType string       `json:"posture_type,omitempty"`
	Metrics     *Metrics     `json:"metrics,omitempty"`
	Landmarks   []Landmark   `json:"landmarks,omitempty"`
	Connections []Connection `json:"connections,omitempty"`
}

// Unknown is the degraded result used whenever analysis could not happen.
func Unknown() AnalysisResult {
	return AnalysisResult{Posture: VerdictUnknown}
}

// HasLandmarks reports whether there is anything to draw.
func (r AnalysisResult) HasLandmarks() bool {
	return len(r.Landmarks) > 0
}

// CalibrationStatusOK is the status the calibrate endpoint returns on success.
const CalibrationStatusOK = "calibrated"

// CalibrationResult is the decoded response of the calibrate endpoint.
type CalibrationResult struct {
	Status   string             `json:"status"`
	Baseline map[string]float64 `json:"baseline,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// OK reports whether the service stored the baseline.
func (c CalibrationResult) OK() bool {
	return c.Status == CalibrationStatusOK
}
