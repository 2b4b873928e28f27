package camera

import "math"

// V4L2 の exposure_time_absolute は100µs単位
const v4l2ExposureUnit = 100.0

// ExposureToV4L2Units は露出時間(µs)をV4L2の100µs単位に変換する
// 0以下は自動露出を意味するので0を返す。それ以外は最低1単位。
func ExposureToV4L2Units(us float64) int {
	if us <= 0 {
		return 0
	}
	units := int(math.Round(us / v4l2ExposureUnit))
	if units < 1 {
		units = 1
	}
	return units
}

// ExposureToLog2Seconds は露出時間(µs)をOpenCVの露出スケール(log2秒)に変換する
// 例: 1/64秒(15625µs) は -6。
func ExposureToLog2Seconds(us float64) float64 {
	if us <= 0 {
		return 0
	}
	return math.Round(math.Log2(us / 1e6))
}
