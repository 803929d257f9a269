// Package stream はフレーム配信のスケジューリングと操作権の調停を担う
//
// # 責務
// - 定周期タイマーによるフレーム取得と、登録クライアントへのファンアウト
// - ストリーミング/静止画モードの状態遷移
// - 静止画撮影時のランプ点灯との連動
// - アクチュエーターを操作できるクライアント（コントロールセッション）の調停
//
// # 仕様
// - 状態は1つのミューテックスで保護し、「カウントを減らしてタイマーを止める」などの遷移は原子的に行う
// - フレームの取得から返却までは別のミューテックスで直列化し、センサーへの同時アクセスを防ぐ
// - 配信は状態ロックを保持したまま行うため、登録解除済みのクライアントへ送信されることはない
//   Broadcaster の実装はブロックしてはならない
// - ストリーミング中の静止画要求は次のティックのフレームを共有し、追加の取得は行わない
package stream
