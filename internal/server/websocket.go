package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"camnode/internal/pulse"
	"camnode/internal/stream"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// WebSocketコマンド
const (
	cmdStartStream = 's'
	cmdStill       = 'p'
	cmdClaim       = 'c'
	cmdWrite       = 'w'
	cmdStopStream  = 't'
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket はWebSocket接続を受け付け、切断まで処理する
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocketのアップグレードに失敗")
		return
	}

	id := uuid.NewString()
	msgs, err := s.hub.Register(id)
	if err != nil {
		s.log.Error().Err(err).Str("client", id).Msg("クライアントの登録に失敗")
		_ = conn.Close()
		return
	}

	log := s.log.With().Str("client", id).Logger()
	log.Info().Str("remote", c.Request.RemoteAddr).Msg("WebSocket接続")

	go s.writePump(conn, msgs)

	defer func() {
		s.sched.DisconnectClient(id)
		// キューを閉じると writePump が残りを送ってから接続を閉じる
		s.hub.Unregister(id)
		log.Info().Msg("WebSocket切断")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("WebSocket読み取りエラー")
			}
			return
		}
		if !s.handleCommand(id, data) {
			return
		}
	}
}

// writePump はキューのメッセージを書き込み、定期的にpingを送る
// 接続への書き込みはこのゴルーチンだけが行う
func (s *Server) writePump(conn *websocket.Conn, msgs <-chan Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			kind := websocket.BinaryMessage
			if msg.Text {
				kind = websocket.TextMessage
			}
			if err := conn.WriteMessage(kind, msg.Data); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleCommand は1バイトコマンドを処理する
// 接続を閉じる必要がある場合は false を返す
func (s *Server) handleCommand(id string, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	log := s.log.With().Str("client", id).Logger()

	switch data[0] {
	case cmdStartStream:
		if r := s.sched.StartStream(id, stream.ModeStream); !r.OK() {
			log.Info().Stringer("result", r).Msg("ストリームを開始できません")
			_ = s.hub.SendText(id, r.String())
			return false
		}

	case cmdStill:
		if r := s.sched.StartStream(id, stream.ModeStill); !r.OK() {
			log.Warn().Stringer("result", r).Msg("静止画を撮影できません")
			_ = s.hub.SendText(id, r.String())
		}

	case cmdClaim:
		if err := s.sched.ClaimControl(id); err != nil {
			log.Info().Err(err).Msg("操作権を取得できません")
			return true
		}
		_ = s.hub.SendText(id, "Connected")

	case cmdWrite:
		pin, value, servo, ok := parseWriteCommand(data)
		if !ok {
			log.Debug().Bytes("data", data).Msg("不正な書き込みコマンド")
			return true
		}
		minBound, maxBound := 0, 0
		if servo {
			minBound, maxBound = pulse.MinPulseWidth, pulse.MaxPulseWidth
		}
		if err := s.sched.WritePulse(id, pin, value, minBound, maxBound); err != nil {
			if errors.Is(err, stream.ErrNotController) {
				log.Debug().Int("pin", pin).Msg("操作権のないクライアントの書き込みを無視")
			} else {
				log.Warn().Err(err).Int("pin", pin).Msg("PWM書き込みに失敗")
			}
		}

	case cmdStopStream:
		if r := s.sched.StopStream(id); !r.OK() {
			log.Debug().Stringer("result", r).Msg("ストリームを停止できません")
		}

	default:
		log.Debug().Bytes("data", data).Msg("不明なコマンド")
	}

	return true
}

// parseWriteCommand は [w, pin, nparams, vlen, lo, hi] を解析する
// vlen が2の場合はリトルエンディアンの16ビット値、それ以外は1バイト
func parseWriteCommand(data []byte) (pin, value int, servo, ok bool) {
	if len(data) < 5 {
		return 0, 0, false, false
	}
	pin = int(data[1])
	servo = data[2] == 1
	switch data[3] {
	case 2:
		if len(data) < 6 {
			return 0, 0, false, false
		}
		value = int(data[4]) | int(data[5])<<8
	default:
		value = int(data[4])
	}
	return pin, value, servo, true
}
