package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.Japanese

	message.SetString(lang, PostureOff, "OFF")
	message.SetString(lang, PostureOn, "ON")
	message.SetString(lang, PostureUnknown, "UNKNOWN")

	message.SetString(lang, MessageCameraOff, "カメラはオフです")
	message.SetString(lang, MessageCameraOn, "カメラはオンです")
	message.SetString(lang, MessageUnknown, "姿勢を検出できません")
	message.SetString(lang, MessageGood, "良い姿勢です 👍")
	message.SetString(lang, MessageBad, "姿勢が崩れています ⚠️")
	message.SetString(lang, NotifyBad, "姿勢が崩れています。気をつけてください！")

	message.SetString(lang, CalibratePending, "正しい姿勢を保存中…")
	message.SetString(lang, CalibrateOK, "キャリブレーション完了 ✅")
	message.SetString(lang, CalibrateFailed, "キャリブレーション失敗 ❌")

	message.SetString(lang, StatusIdle, "カメラをオンにしてください")
	message.SetString(lang, StatusReady, "カメラ準備完了")
	message.SetString(lang, StatusMeasuring, "計測中（%d ms ごと）")
	message.SetString(lang, StatusSkeletonNeedsStart, "骨格表示には『計測開始』が必要です")
	message.SetString(lang, StatusCameraFailed, "カメラを開けませんでした。設定や権限を確認してください。")

	message.SetString(lang, ButtonCameraOn, "カメラをオン")
	message.SetString(lang, ButtonCameraOff, "カメラをオフ")
	message.SetString(lang, ButtonStart, "計測開始")
	message.SetString(lang, ButtonCalibrate, "キャリブレーション")
	message.SetString(lang, ButtonPrivacyOn, "プライバシーモード ON")
	message.SetString(lang, ButtonPrivacyOff, "プライバシーモード OFF")
	message.SetString(lang, ButtonSkeletonOn, "骨格表示 ON")
	message.SetString(lang, ButtonSkeletonOff, "骨格表示 OFF")
}
