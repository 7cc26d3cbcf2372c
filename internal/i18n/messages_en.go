package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	// Posture label
	message.SetString(lang, PostureOff, "OFF")
	message.SetString(lang, PostureOn, "ON")
	message.SetString(lang, PostureUnknown, "UNKNOWN")

	// Message line
	message.SetString(lang, MessageCameraOff, "Camera is off")
	message.SetString(lang, MessageCameraOn, "Camera is on")
	message.SetString(lang, MessageUnknown, "Cannot detect posture")
	message.SetString(lang, MessageGood, "Good posture 👍")
	message.SetString(lang, MessageBad, "Posture is slipping ⚠️")
	message.SetString(lang, NotifyBad, "Your posture is slipping. Sit up straight!")

	// Calibration
	message.SetString(lang, CalibratePending, "Saving your correct posture…")
	message.SetString(lang, CalibrateOK, "Calibration complete ✅")
	message.SetString(lang, CalibrateFailed, "Calibration failed ❌")

	// Status line
	message.SetString(lang, StatusIdle, "Turn the camera on to begin")
	message.SetString(lang, StatusReady, "Camera ready")
	message.SetString(lang, StatusMeasuring, "Measuring every %d ms")
	message.SetString(lang, StatusSkeletonNeedsStart, "The skeleton overlay needs \"Start measuring\"")
	message.SetString(lang, StatusCameraFailed, "Could not open the camera. Check your settings and permissions.")

	// Controls
	message.SetString(lang, ButtonCameraOn, "Turn camera on")
	message.SetString(lang, ButtonCameraOff, "Turn camera off")
	message.SetString(lang, ButtonStart, "Start measuring")
	message.SetString(lang, ButtonCalibrate, "Calibrate")
	message.SetString(lang, ButtonPrivacyOn, "Privacy mode ON")
	message.SetString(lang, ButtonPrivacyOff, "Privacy mode OFF")
	message.SetString(lang, ButtonSkeletonOn, "Skeleton ON")
	message.SetString(lang, ButtonSkeletonOff, "Skeleton OFF")
}
