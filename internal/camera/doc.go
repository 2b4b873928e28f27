// Package camera 蛍光ヘッドセットのカメラ入力を担う
//
// # 責務
// - 映像ソース（V4L2デバイス、ネットワークストリーム、静止画、外部注入）の抽象化
// - カメラごとの専用ゴルーチンによるフレーム取得と再接続
// - 閾値処理と蛍光領域の重ね合わせ
// - 静止画・録画リクエストの受付と完了通知
//
// # 構成
// - Backend: 映像ソースの実装。BackendFactory で種類ごとに作成する
// - CameraSource: Backend のライフサイクル（初期化・起動・停止・終了）と反転処理
// - ManagedCamera: ポーリングゴルーチン、最新フレーム、変更カウンタ、リクエスト一覧
// - StreamManager: 全カメラの起動・停止とカメラ番号による操作
// - Discovery: V4L2デバイスの検出
//
// # スレッド安全性
// ManagedCamera の公開メソッドはどのゴルーチンから呼んでもよい。
// バックエンドの入出力はポーリングゴルーチンだけが行い、ロックを保持したまま待たない。
// 公開された Frame は変更されない。
//
// # 前提要件
//   - ffmpeg: デバイスとネットワークストリームの取得、mp4/avi の録画に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: デバイス名の取得と露出設定に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
//   - gocv ビルドタグ: OpenCV でデバイスを開く場合のみ
package camera
