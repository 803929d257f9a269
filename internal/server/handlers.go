package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"camnode/internal/camera"
	"camnode/internal/lamp"
	"camnode/internal/pulse"
	"camnode/internal/stream"
)

// captureWait は静止画がストリームから届くまで待つ最大時間
const captureWait = 5 * time.Second

// httpClient はHTTP APIからの操作に使う匿名クライアントID
// WebSocketクライアントが操作権を持っている間は書き込めない
const httpClient = ""

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバーの情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// LampStatus はランプの状態
type LampStatus struct {
	Bound      bool `json:"bound"`
	Pin        int  `json:"pin"`
	Level      int  `json:"level"`
	AutoLamp   bool `json:"auto_lamp"`
	FlashLevel int  `json:"flash_level"`
}

// PWMStatus はPWMチャンネルとタイマーの状態
type PWMStatus struct {
	Channels []pulse.Channel    `json:"channels"`
	Timers   []pulse.TimerState `json:"timers"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status    string       `json:"status"`
	Server    ServerInfo   `json:"server"`
	Stream    stream.Stats `json:"stream"`
	Camera    camera.Stats `json:"camera"`
	Lamp      LampStatus   `json:"lamp"`
	PWM       PWMStatus    `json:"pwm"`
	Clients   int          `json:"clients"`
	Timestamp time.Time    `json:"timestamp"`
}

// AllocateRequest はPWMチャンネル割り当ての要求
type AllocateRequest struct {
	Pin        int     `json:"pin" binding:"required,min=1"`
	Frequency  float64 `json:"frequency" binding:"required,gt=0"`
	Resolution uint8   `json:"resolution" binding:"required,min=1,max=20"`
	Default    uint32  `json:"default"`
}

// WriteRequest はPWM書き込みの要求
type WriteRequest struct {
	Value *int `json:"value" binding:"required"`
	Servo bool `json:"servo"` // true の場合は角度/マイクロ秒として扱う
	Min   int  `json:"min" binding:"min=0"`
	Max   int  `json:"max" binding:"min=0"`
}

func errorResponse(code, message string) ErrorResponse {
	return ErrorResponse{Error: code, Message: message, Timestamp: time.Now()}
}

// handleRoot はルートパスのハンドラ
func (s *Server) handleRoot(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>camnode</title>
</head>
<body>
    <h1>camnode</h1>
    <p><img src="/stream" alt="stream"></p>
    <p>静止画: <a href="/capture">/capture</a></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`))
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Stream: s.sched.Stats(),
		Camera: s.source.Stats(),
		Lamp: LampStatus{
			Bound:      s.lamp.Bound(),
			Pin:        s.lamp.Pin(),
			Level:      s.lamp.Level(),
			AutoLamp:   s.lamp.AutoLamp(),
			FlashLevel: s.lamp.FlashLevel(),
		},
		PWM: PWMStatus{
			Channels: s.pulses.Channels(),
			Timers:   s.pulses.Timers(),
		},
		Clients:   s.hub.Count(),
		Timestamp: time.Now(),
	})
}

// handleControl は /control?var=&val= で設定を変更する
func (s *Server) handleControl(c *gin.Context) {
	variable := c.Query("var")
	val, err := strconv.Atoi(c.Query("val"))
	if variable == "" || err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_request", "var と数値の val が必要です"))
		return
	}

	switch variable {
	case "frame_rate":
		if err := s.sched.SetFrameRate(val); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid_value", err.Error()))
			return
		}
	case "lamp":
		s.lamp.SetBrightness(val)
	case "autolamp":
		s.lamp.SetAutoLamp(val != 0)
	case "flashlamp":
		s.lamp.SetFlashLevel(val)
	case "max_streams":
		if val < 1 || val > stream.MaxClients {
			c.JSON(http.StatusBadRequest, errorResponse("invalid_value", fmt.Sprintf("max_streams は 1-%d です", stream.MaxClients)))
			return
		}
		s.sched.SetMaxStreams(val)
	default:
		c.JSON(http.StatusBadRequest, errorResponse("unknown_variable", variable))
		return
	}

	s.log.Info().Str("var", variable).Int("val", val).Msg("設定を変更")
	c.Status(http.StatusOK)
}

// handleStream はMJPEGストリーミングエンドポイント
func (s *Server) handleStream(c *gin.Context) {
	id := uuid.NewString()
	frames, err := s.hub.Register(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("register_failed", err.Error()))
		return
	}

	if r := s.sched.StartStream(id, stream.ModeStream); !r.OK() {
		s.hub.Unregister(id)
		c.JSON(http.StatusServiceUnavailable, errorResponse(r.String(), "ストリームを開始できません"))
		return
	}
	defer func() {
		s.sched.DisconnectClient(id)
		s.hub.Unregister(id)
	}()

	s.streamMJPEG(c, frames)
}

// streamMJPEG はMJPEGストリームを配信する
func (s *Server) streamMJPEG(c *gin.Context, frames <-chan Message) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writer := c.Writer
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case msg, ok := <-frames:
			if !ok {
				return
			}
			if msg.Text {
				continue
			}

			header := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(msg.Data))
			if _, err := writer.WriteString(header); err != nil {
				return
			}
			if _, err := writer.Write(msg.Data); err != nil {
				return
			}
			if _, err := writer.WriteString("\r\n"); err != nil {
				return
			}
			writer.Flush()
		}
	}
}

// handleCapture は静止画を1枚返す
func (s *Server) handleCapture(c *gin.Context) {
	id := uuid.NewString()
	frames, err := s.hub.Register(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse("register_failed", err.Error()))
		return
	}
	defer func() {
		s.sched.DisconnectClient(id)
		s.hub.Unregister(id)
	}()

	if r := s.sched.StartStream(id, stream.ModeStill); !r.OK() {
		c.JSON(http.StatusInternalServerError, errorResponse(r.String(), "静止画を撮影できません"))
		return
	}

	timeout := time.NewTimer(captureWait)
	defer timeout.Stop()

	select {
	case msg, ok := <-frames:
		if !ok {
			c.JSON(http.StatusServiceUnavailable, errorResponse("shutting_down", "サーバーを停止しています"))
			return
		}
		c.Header("Content-Disposition", "inline; filename=capture.jpg")
		c.Data(http.StatusOK, "image/jpeg", msg.Data)
	case <-timeout.C:
		c.JSON(http.StatusGatewayTimeout, errorResponse("capture_timeout", "フレームが届きませんでした"))
	case <-c.Request.Context().Done():
	}
}

// handleListPWM はPWMチャンネル一覧を返す
func (s *Server) handleListPWM(c *gin.Context) {
	c.JSON(http.StatusOK, PWMStatus{
		Channels: s.pulses.Channels(),
		Timers:   s.pulses.Timers(),
	})
}

// handleAllocatePWM はPWMチャンネルを割り当てる
func (s *Server) handleAllocatePWM(c *gin.Context) {
	var req AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}

	ch, err := s.pulses.Allocate(pulse.Request{
		Pin:         req.Pin,
		Frequency:   req.Frequency,
		Resolution:  req.Resolution,
		DefaultDuty: req.Default,
	})
	if err != nil {
		s.pulseError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// handleWritePWM はPWMチャンネルへ書き込む
func (s *Server) handleWritePWM(c *gin.Context) {
	pin, ok := pinParam(c)
	if !ok {
		return
	}

	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
		return
	}

	minBound, maxBound := req.Min, req.Max
	if req.Servo && minBound == 0 {
		minBound, maxBound = pulse.MinPulseWidth, pulse.MaxPulseWidth
	}
	if minBound > 0 && maxBound < minBound {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_request", "max は min 以上である必要があります"))
		return
	}

	if err := s.sched.WritePulse(httpClient, pin, *req.Value, minBound, maxBound); err != nil {
		s.pulseError(c, err)
		return
	}

	ch, _ := s.pulses.Get(pin)
	c.JSON(http.StatusOK, ch)
}

// handleResetPWM はPWMチャンネルをデフォルト値に戻す
// ピン番号0は全チャンネル
func (s *Server) handleResetPWM(c *gin.Context) {
	pin, ok := pinParam(c)
	if !ok {
		return
	}
	if pin != pulse.ResetAll {
		if _, exists := s.pulses.Get(pin); !exists {
			s.pulseError(c, pulse.ErrPinNotFound)
			return
		}
	}

	if err := s.sched.ResetPulses(httpClient, pin); err != nil {
		s.pulseError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleReleasePWM はPWMチャンネルを解放する
func (s *Server) handleReleasePWM(c *gin.Context) {
	pin, ok := pinParam(c)
	if !ok {
		return
	}
	if _, held := s.sched.Controller(); held {
		s.pulseError(c, stream.ErrControlHeld)
		return
	}
	if s.lamp.Bound() && pin == s.lamp.Pin() {
		c.JSON(http.StatusConflict, errorResponse("lamp_pin", "ランプのチャンネルは解放できません"))
		return
	}

	if err := s.pulses.Release(pin); err != nil {
		s.pulseError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func pinParam(c *gin.Context) (int, bool) {
	pin, err := strconv.Atoi(c.Param("pin"))
	if err != nil || pin < 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid_pin", c.Param("pin")))
		return 0, false
	}
	return pin, true
}

// pulseError はPWM操作のエラーをHTTPステータスへ変換する
func (s *Server) pulseError(c *gin.Context, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, pulse.ErrPinNotSupported), errors.Is(err, pulse.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_pin"
	case errors.Is(err, pulse.ErrPinNotFound):
		status, code = http.StatusNotFound, "pin_not_found"
	case errors.Is(err, pulse.ErrPinInUse), errors.Is(err, pulse.ErrNoTimer), errors.Is(err, pulse.ErrNotAttached):
		status, code = http.StatusConflict, "resource_conflict"
	case errors.Is(err, pulse.ErrTableFull):
		status, code = http.StatusConflict, "table_full"
	case errors.Is(err, stream.ErrNotController), errors.Is(err, stream.ErrControlHeld):
		status, code = http.StatusForbidden, "control_held"
	default:
		status, code = http.StatusInternalServerError, "pwm_error"
	}

	s.log.Debug().Err(err).Int("status", status).Msg("PWM操作に失敗")
	c.JSON(status, errorResponse(code, err.Error()))
}

var _ stream.Broadcaster = (*Hub)(nil)
var _ stream.Lamp = (*lamp.Controller)(nil)
