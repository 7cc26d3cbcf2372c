package i18n

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys. The English and Japanese catalogs register every key.
const (
	PostureOff     = "posture.off"
	PostureOn      = "posture.on"
	PostureUnknown = "posture.unknown"

	MessageCameraOff = "message.camera_off"
	MessageCameraOn  = "message.camera_on"
	MessageUnknown   = "message.unknown"
	MessageGood      = "message.good"
	MessageBad       = "message.bad"
	NotifyBad        = "notify.bad"

	CalibratePending = "calibrate.pending"
	CalibrateOK      = "calibrate.ok"
	CalibrateFailed  = "calibrate.failed"

	StatusIdle               = "status.idle"
	StatusReady              = "status.ready"
	StatusMeasuring          = "status.measuring"
	StatusSkeletonNeedsStart = "status.skeleton_needs_start"
	StatusCameraFailed       = "status.camera_failed"

	ButtonCameraOn    = "button.camera_on"
	ButtonCameraOff   = "button.camera_off"
	ButtonStart       = "button.start"
	ButtonCalibrate   = "button.calibrate"
	ButtonPrivacyOn   = "button.privacy_on"
	ButtonPrivacyOff  = "button.privacy_off"
	ButtonSkeletonOn  = "button.skeleton_on"
	ButtonSkeletonOff = "button.skeleton_off"
)

var supportedTags = []language.Tag{
	language.English,
	language.Japanese,
}

var tagMatcher = language.NewMatcher(supportedTags)

// Supported returns the list of supported language tags.
func Supported() []language.Tag {
	tags := make([]language.Tag, len(supportedTags))
	copy(tags, supportedTags)
	return tags
}

// Default returns the default language tag.
func Default() language.Tag {
	return language.English
}

// Resolve maps a configured language ("ja", "en-US", "ja-JP") onto a
// supported tag, falling back to English.
func Resolve(value string) language.Tag {
	value = strings.TrimSpace(value)
	if value == "" {
		return Default()
	}
	parsed, err := language.Parse(value)
	if err != nil {
		return Default()
	}
	_, index, conf := tagMatcher.Match(parsed)
	if conf == language.No {
		return Default()
	}
	return supportedTags[index]
}

// Printer returns a message printer for the supplied language.
func Printer(value string) *message.Printer {
	return message.NewPrinter(Resolve(value))
}
