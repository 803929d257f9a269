// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - WebSocketクライアントの管理と1バイトコマンドの処理
//   - MJPEGストリームと静止画の配信
//   - PWMチャンネル、ランプ、フレームレートの操作API
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - Hub がクライアントごとの送信キューを持ち、stream.Broadcaster を実装する
//     キューが一杯のクライアントへのフレームは破棄し、配信全体を止めない
//   - クライアントIDはUUID
//
// WebSocketコマンド（先頭1バイト）:
//   - 's': ストリーム開始（失敗した場合は接続を閉じる）
//   - 'p': 静止画1枚
//   - 'c': 操作権の取得
//   - 'w': PWM書き込み [w, pin, nparams, vlen, lo, hi]
//     nparams == 1 の場合はサーボ（角度/マイクロ秒）、それ以外は生の値
//   - 't': ストリーム停止
package server
