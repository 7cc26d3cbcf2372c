package web

import "time"

// Config defines the runtime configuration for the control panel.
type Config struct {
	Addr             string
	PreviewInterval  time.Duration
	PreviewMaxWidth  int
	PreviewQuality   int
	KeepAlive        time.Duration
	HistoryWindow    time.Duration
	HistoryPageSpan  time.Duration
	HistoryMinSpread time.Duration
}

// DefaultConfig returns the control panel defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:8090",
		PreviewInterval:  100 * time.Millisecond,
		PreviewMaxWidth:  960,
		PreviewQuality:   75,
		KeepAlive:        30 * time.Second,
		HistoryWindow:    24 * time.Hour,
		HistoryPageSpan:  5 * time.Minute,
		HistoryMinSpread: 2500 * time.Millisecond,
	}
}
