package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camnode/internal/camera"
	"camnode/internal/lamp"
	"camnode/internal/logging"
)

const (
	// MaxClients はクライアント表のスロット数
	MaxClients = 5
	// DefaultMaxStreams は同時ストリーミング数の初期値
	DefaultMaxStreams = 2
	// DefaultFrameRate はフレームレートの初期値 (fps)
	DefaultFrameRate = 25
	// DefaultSettleDelay は静止画撮影前にランプを安定させる時間
	DefaultSettleDelay = 150 * time.Millisecond

	acquireTimeout = 2 * time.Second
)

// ErrInvalidFrameRate はフレームレートが0以下の場合のエラー
var ErrInvalidFrameRate = errors.New("frame rate must be positive")

// Broadcaster はクライアントへフレームを送る
// payload は呼び出し中のみ有効で、キューに積む場合は実装側でコピーする
// 実装はブロックしてはならない
type Broadcaster interface {
	SendFrame(clientID string, payload []byte) error
}

// FrameSource はフレームバッファの取得と返却
type FrameSource interface {
	Acquire(ctx context.Context) (*camera.Buffer, error)
	IsDeliverable(buf *camera.Buffer) bool
	Release(buf *camera.Buffer)
}

// Lamp はスケジューラーが使うランプの操作
type Lamp interface {
	SetBrightness(level int)
	Level() int
	AutoLamp() bool
}

// PulseWriter はコントロールセッションが使うPWM操作
type PulseWriter interface {
	Write(pin, value, minBound, maxBound int) error
	Reset(pin int)
	ResetAll()
}

// Config はスケジューラーの設定
type Config struct {
	MaxStreams  int
	FrameRate   int
	SettleDelay time.Duration
}

// Stats はスケジューラーの統計情報
type Stats struct {
	Streaming     int    `json:"streaming"`
	MaxStreams    int    `json:"max_streams"`
	Armed         bool   `json:"armed"`
	FrameRate     int    `json:"frame_rate"`
	StreamsServed uint64 `json:"streams_served"`
	ImagesServed  uint64 `json:"images_served"`
	FramesSent    uint64 `json:"frames_sent"`
	SendFailures  uint64 `json:"send_failures"`
	SkippedTicks  uint64 `json:"skipped_ticks"`
	LastFrameMs   int64  `json:"last_frame_ms"`
	Controller    string `json:"controller,omitempty"`
}

// Scheduler は定周期のフレーム取得と配信を管理する
type Scheduler struct {
	source FrameSource
	out    Broadcaster
	lamp   Lamp
	pulses PulseWriter
	clock  Clock

	// captureMu は取得から返却までを直列化する
	captureMu sync.Mutex

	mu          sync.Mutex
	timer       Timer
	cfg         Config
	slots       [MaxClients]string
	count       int
	armed       bool
	pending     map[string]struct{}
	controller  string
	controlHeld bool
	stats       Stats

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// New は新しいスケジューラーを作成する
// タイマーは InitTimer で作成するまで存在しない
func New(cfg Config, source FrameSource, out Broadcaster, lamp Lamp, pulses PulseWriter, clock Clock) *Scheduler {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = DefaultMaxStreams
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if clock == nil {
		clock = NewSystemClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		source:  source,
		out:     out,
		lamp:    lamp,
		pulses:  pulses,
		clock:   clock,
		cfg:     cfg,
		pending: make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.Get("stream"),
	}
}

// InitTimer はフレーム取得用のタイマーを作成する
func (s *Scheduler) InitTimer(factory TimerFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		return
	}
	s.timer = factory(framePeriod(s.cfg.FrameRate), s.OnTick)
	s.log.Debug().Dur("period", framePeriod(s.cfg.FrameRate)).Msg("フレームタイマーを作成")
}

func framePeriod(fps int) time.Duration {
	return time.Second / time.Duration(fps)
}

// StartStream はクライアントのキャプチャを開始する
func (s *Scheduler) StartStream(id string, mode Mode) Result {
	switch mode {
	case ModeStream:
		return s.register(id)
	case ModeStill:
		return s.CaptureOneShot(id)
	default:
		s.log.Warn().Str("client", id).Int("mode", int(mode)).Msg("未対応のキャプチャモード")
		return ModeNotSupported
	}
}

func (s *Scheduler) register(id string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		return TimerNotInitialized
	}
	if id == "" {
		return RegisterFailed
	}
	if s.slotOf(id) >= 0 {
		return AlreadyRegistered
	}
	if s.count+1 > s.cfg.MaxStreams {
		s.log.Info().Str("client", id).Int("max", s.cfg.MaxStreams).Msg("同時ストリーム数の上限に達しています")
		return NumExceeded
	}

	slot := s.slotOf("")
	if slot < 0 {
		s.log.Error().Str("client", id).Int("streaming", s.count).Msg("クライアント表に空きがありません")
		return RegisterFailed
	}
	s.slots[slot] = id

	if !s.armed {
		s.timer.Start()
		s.armed = true
		s.log.Info().Dur("period", framePeriod(s.cfg.FrameRate)).Msg("フレームタイマーを開始")
	}
	s.count++

	s.log.Info().Str("client", id).Int("streaming", s.count).Msg("ストリーム開始")
	return Success
}

// StopStream はクライアントのストリーミングを停止する
//
// 最後のクライアントが抜けてタイマーを止めた場合、次のティックを待っていた
// 静止画の要求はタイマーなしで撮影して届ける。
func (s *Scheduler) StopStream(id string) Result {
	r, orphaned := s.deregister(id)
	if len(orphaned) > 0 {
		s.log.Info().Strs("clients", orphaned).Msg("ストリーム停止で残った静止画の要求を撮影します")
		if cr := s.captureIdle(orphaned...); !cr.OK() {
			s.log.Warn().Strs("clients", orphaned).Stringer("result", cr).Msg("残った静止画の要求を撮影できませんでした")
		}
	}
	return r
}

// deregister はクライアントをスロットから外し、タイマーを止めた場合は
// 配信先を失った静止画の要求を返す
func (s *Scheduler) deregister(id string) (Result, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		return TimerNotInitialized, nil
	}
	slot := s.slotOf(id)
	if id == "" || slot < 0 {
		return NotFound, nil
	}
	s.slots[slot] = ""

	var orphaned []string
	if s.count == 1 && s.armed {
		s.timer.Stop()
		s.armed = false
		s.log.Info().Msg("フレームタイマーを停止")

		if s.lamp != nil && s.lamp.AutoLamp() && s.lamp.Level() > 0 {
			s.lamp.SetBrightness(0)
		}

		for pid := range s.pending {
			orphaned = append(orphaned, pid)
		}
		clear(s.pending)
	}

	s.count--
	s.stats.StreamsServed++
	s.log.Info().Str("client", id).Int("streaming", s.count).Msg("ストリーム停止")
	return Success, orphaned
}

// slotOf はクライアントのスロット番号を返す。空きスロットは "" で探す
func (s *Scheduler) slotOf(id string) int {
	for i, c := range s.slots {
		if c == id {
			return i
		}
	}
	return -1
}

// OnTick はタイマーの周期ごとに呼ばれ、1フレームを取得して配信する
func (s *Scheduler) OnTick() {
	// 静止画撮影中のティックは待たずに飛ばす
	if !s.captureMu.TryLock() {
		s.skip("capture busy")
		return
	}
	defer s.captureMu.Unlock()

	s.mu.Lock()
	armed := s.armed
	waiting := s.count > 0 || len(s.pending) > 0
	s.mu.Unlock()

	if !armed {
		return
	}
	if !waiting {
		s.log.Warn().Msg("クライアントがいない状態でティックが発生しました")
		s.skip("no clients")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, acquireTimeout)
	defer cancel()

	buf, err := s.source.Acquire(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("フレームを取得できませんでした")
		s.skip("no frame")
		return
	}
	defer s.source.Release(buf)

	if !s.source.IsDeliverable(buf) {
		s.skip("undeliverable")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.slots {
		if id == "" {
			continue
		}
		s.send(id, buf.Data)
	}
	for id := range s.pending {
		if s.slotOf(id) < 0 {
			s.send(id, buf.Data)
		}
		s.stats.ImagesServed++
		delete(s.pending, id)
	}
	s.stats.LastFrameMs = s.clock.Millis()
}

func (s *Scheduler) skip(reason string) {
	s.mu.Lock()
	s.stats.SkippedTicks++
	s.mu.Unlock()
	s.log.Trace().Str("reason", reason).Msg("ティックをスキップ")
}

// send は状態ロックを保持した状態で呼ぶこと
func (s *Scheduler) send(id string, payload []byte) bool {
	if err := s.out.SendFrame(id, payload); err != nil {
		s.stats.SendFailures++
		s.log.Warn().Err(err).Str("client", id).Msg("フレーム送信に失敗")
		return false
	}
	s.stats.FramesSent++
	return true
}

// CaptureOneShot は静止画を1枚撮影してクライアントへ送る
//
// ストリーミング中は次のティックで取得したフレームを共有する。
// 停止中はランプの自動点灯が有効ならフラッシュレベルで点灯し、
// 安定待ちの後に撮影して元の明るさに戻す。
func (s *Scheduler) CaptureOneShot(id string) Result {
	s.mu.Lock()
	if s.timer == nil {
		s.mu.Unlock()
		return TimerNotInitialized
	}
	if s.armed {
		s.pending[id] = struct{}{}
		s.mu.Unlock()
		s.log.Info().Str("client", id).Msg("静止画はストリームのフレームから取得します")
		return Success
	}
	s.mu.Unlock()

	return s.captureIdle(id)
}

// captureIdle はタイマーを使わずに1フレームを撮影し、全ての ids へ送る
func (s *Scheduler) captureIdle(ids ...string) Result {
	s.mu.Lock()
	settle := s.cfg.SettleDelay
	s.mu.Unlock()

	s.captureMu.Lock()
	defer s.captureMu.Unlock()

	if s.lamp != nil && s.lamp.AutoLamp() && s.lamp.Level() >= 0 {
		prev := s.lamp.Level()
		s.lamp.SetBrightness(lamp.UseFlashLevel)
		defer s.lamp.SetBrightness(prev)

		if settle > 0 {
			select {
			case <-time.After(settle):
			case <-s.ctx.Done():
				return CaptureFailed
			}
		}
	}

	if err := s.captureLocked(ids...); err != nil {
		s.log.Warn().Err(err).Strs("clients", ids).Msg("静止画の撮影に失敗")
		return CaptureFailed
	}
	return Success
}

// captureLocked は captureMu を保持した状態で呼ぶこと
// 送信に失敗したクライアントがあればエラーを返す
func (s *Scheduler) captureLocked(ids ...string) error {
	ctx, cancel := context.WithTimeout(s.ctx, acquireTimeout)
	defer cancel()

	buf, err := s.source.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.source.Release(buf)

	if !s.source.IsDeliverable(buf) {
		return fmt.Errorf("frame is not deliverable (%d bytes)", buf.Len())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.out.SendFrame(id, buf.Data); err != nil {
			s.stats.SendFailures++
			errs = append(errs, fmt.Errorf("send to %s: %w", id, err))
			continue
		}
		s.stats.FramesSent++
		s.stats.ImagesServed++
	}
	s.stats.LastFrameMs = s.clock.Millis()
	return errors.Join(errs...)
}

// SetFrameRate はフレームレートを変更する
// タイマーが動作中でも停止せずに周期だけを変更する
func (s *Scheduler) SetFrameRate(fps int) error {
	if fps <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidFrameRate, fps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.FrameRate = fps
	if s.timer != nil {
		s.timer.SetPeriod(framePeriod(fps))
	}
	s.log.Info().Int("fps", fps).Bool("armed", s.armed).Msg("フレームレートを変更")
	return nil
}

// FrameRate は現在のフレームレートを返す
func (s *Scheduler) FrameRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.FrameRate
}

// SetMaxStreams は同時ストリーム数の上限を変更する
// 既に配信中のクライアントには影響しない
func (s *Scheduler) SetMaxStreams(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.MaxStreams = n
}

// DisconnectClient は切断されたクライアントの状態を全て片付ける
func (s *Scheduler) DisconnectClient(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()

	if r := s.StopStream(id); r != Success && r != NotFound {
		s.log.Warn().Str("client", id).Stringer("result", r).Msg("切断時のストリーム停止に失敗")
	}

	s.ReleaseControl(id)
}

// Streaming はクライアントがストリーミング中かを返す
func (s *Scheduler) Streaming(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id != "" && s.slotOf(id) >= 0
}

// Stats は統計情報を返す
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Streaming = s.count
	st.MaxStreams = s.cfg.MaxStreams
	st.Armed = s.armed
	st.FrameRate = s.cfg.FrameRate
	if s.controlHeld {
		st.Controller = s.controller
	}
	return st
}

// Close はタイマーを止め、全クライアントを解除する
func (s *Scheduler) Close() {
	s.cancel()

	s.mu.Lock()
	if s.timer != nil && s.armed {
		s.timer.Stop()
	}
	s.armed = false
	s.slots = [MaxClients]string{}
	s.count = 0
	clear(s.pending)
	s.mu.Unlock()

	// 実行中の撮影が終わるのを待つ
	s.captureMu.Lock()
	defer s.captureMu.Unlock()
	s.log.Info().Msg("スケジューラーを停止しました")
}
