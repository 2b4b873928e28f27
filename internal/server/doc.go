// Package server はカメラ操作用のHTTP APIとフレーム配信を提供します。
//
// 責務:
//   - カメラ一覧・状態・デバイス検出結果の取得
//   - 静止画・録画リクエストの受付と、IDによる状態確認・取り消し
//   - 処理モードとパラメータの変更
//   - 最新フレームのJPEG取得、MJPEGストリーム、WebSocket配信
//
// 仕様:
//   - ルーティングは gin、WebSocket は gorilla/websocket を使用
//   - 配信は変更カウンタが進んだときだけ新しいフレームを送る
//   - グレースフルシャットダウンに対応
package server
