package types

import "time"

// Frame is a single still delivered by a camera stream. Data is always a
// complete JPEG image (SOI..EOI).
type Frame struct {
	Data      []byte    // JPEG bytes
	Timestamp time.Time // When the frame was received
	Seq       uint64    // Sequential frame number
	Width     int       // Native width in pixels
	Height    int       // Native height in pixels
}

// Resolution is a native pixel size. The zero value means "not known yet".
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Known reports whether both dimensions are available.
func (r Resolution) Known() bool {
	return r.Width > 0 && r.Height > 0
}

// CameraConfig holds configuration for the capture device.
type CameraConfig struct {
	Source      string        // "ffmpeg" or "snapshot"
	Device      string        // Capture device (e.g., "/dev/video0")
	InputFormat string        // ffmpeg input format (v4l2, avfoundation, dshow)
	SnapshotURL string        // IP camera still URL for the snapshot source
	Width       int           // Ideal capture width
	Height      int           // Ideal capture height
	FPS         int           // Capture rate
	Quality     int           // JPEG quality used for stills sent to the analysis service
	Timeout     time.Duration // Acquisition timeout
}
