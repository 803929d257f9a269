// Package pulse はPWM出力チャンネルとハードウェアタイマーの割り当てを担う
//
// # 責務
// - PWM対応ピンへのチャンネル割り当てと解放
// - タイマー共有ルールの強制（同一タイマー上のチャンネルは同じ周波数）
// - サーボ角度/マイクロ秒/生デューティ値の書き込み
// - 全チャンネルのデフォルト値へのリセット
//
// # 仕様
// - ハードウェア構成は Inventory で表現し、状態は Table に保持する
// - Table は Allocator に参照で渡され、テストごとに独立したテーブルを作成できる
// - 実際のレジスタ操作は Driver インターフェース経由で行う
//   - MemoryDriver: プロセス内のレジスタモデル（テスト・モック用）
//   - SerialDriver: シリアル接続されたPWMコプロセッサへ転送
// - 全ての変更操作は単一のミューテックスで排他される
package pulse
