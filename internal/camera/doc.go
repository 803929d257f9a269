// Package camera はイメージセンサーからのフレーム取得を担う
//
// # 責務
// - センサーからのフレームバッファの取得と返却
// - 同時に貸し出すバッファを1つに制限する
// - ネットワークへ送信できるフレーム（完全なJPEG）の判定
// - V4L2デバイスの検出
//
// # 仕様
// - Source: Sensor をラップし、Acquire/Release の対応を管理する
//   - Release は冪等（nil や返却済みのバッファは無視）
//   - 未圧縮フレームや途中で切れたJPEGは送信不可と判定する
// - V4L2Sensor: ffmpeg経由でV4L2デバイスからJPEGを取得する
// - MockSensor: image/jpeg で合成したフレームを返す
// - Discovery: /dev/video* のスキャン
//
// # 前提要件
//   - ffmpeg: 画像キャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: デバイスのフォーマット判定に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
