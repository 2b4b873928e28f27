// Package composite 物理カメラの映像を1枚に並べて合成カメラに流す
//
// 各カメラの最新フレーム（処理済みがあればそれ）を格子状に配置し、
// 合成カメラの CompositeVideoWidth x CompositeVideoHeight に収める。
// どのカメラの変更カウンタも進んでいなければ合成しない。
package composite
