package pulse

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog"

	"camnode/internal/logging"
)

var (
	// ErrPinNotSupported はPWM非対応ピンが指定された場合のエラー
	ErrPinNotSupported = errors.New("pin does not support PWM")
	// ErrPinInUse はピンが既にチャンネルを所有している場合のエラー
	ErrPinInUse = errors.New("pin already owns a channel")
	// ErrTableFull は全チャンネルが使用中の場合のエラー
	ErrTableFull = errors.New("all PWM channels are allocated")
	// ErrNoTimer は周波数を収容できるタイマーがない場合のエラー
	ErrNoTimer = errors.New("no timer can accommodate the frequency")
	// ErrInvalidRequest は周波数や分解能が不正な場合のエラー
	ErrInvalidRequest = errors.New("invalid PWM request")
	// ErrPinNotFound はピンにチャンネルが割り当てられていない場合のエラー
	ErrPinNotFound = errors.New("pin has no channel")
	// ErrNotAttached はチャンネルが出力に接続されていない場合のエラー
	ErrNotAttached = errors.New("channel is not attached")
)

// Request はチャンネル割り当て要求
type Request struct {
	Pin         int
	Frequency   float64
	Resolution  uint8
	DefaultDuty uint32 // 0の場合はリセット時に0を書き込む
}

// Allocator はPWMチャンネルの割り当てと書き込みを管理する
type Allocator struct {
	mu     sync.Mutex
	table  *Table
	driver Driver
	log    zerolog.Logger
}

// NewAllocator は割り当て表とドライバーからAllocatorを作成する
func NewAllocator(table *Table, driver Driver) *Allocator {
	return &Allocator{
		table:  table,
		driver: driver,
		log:    logging.Get("pulse"),
	}
}

// Allocate はピンにチャンネルを割り当てる
func (a *Allocator) Allocate(req Request) (Channel, error) {
	if req.Frequency <= 0 || req.Resolution == 0 || req.Resolution > MaxResolution {
		return Channel{}, fmt.Errorf("%w: pin %d freq %.2f bits %d", ErrInvalidRequest, req.Pin, req.Frequency, req.Resolution)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ch, err := a.table.reserve(req)
	if err != nil {
		a.log.Warn().Err(err).Int("pin", req.Pin).Float64("freq", req.Frequency).Msg("PWMの割り当てに失敗")
		return Channel{}, fmt.Errorf("pin %d: %w", req.Pin, err)
	}

	if err := a.driver.Setup(ch.Index, ch.Frequency, ch.Resolution); err != nil {
		a.table.remove(req.Pin)
		return Channel{}, fmt.Errorf("チャンネル %d の設定に失敗: %w", ch.Index, err)
	}
	if err := a.driver.Attach(ch.Pin, ch.Index); err != nil {
		a.table.remove(req.Pin)
		return Channel{}, fmt.Errorf("ピン %d の接続に失敗: %w", ch.Pin, err)
	}

	if req.DefaultDuty > 0 {
		ch.DefaultDuty = min(req.DefaultDuty, ch.MaxDuty())
		if err := a.writeDuty(ch, ch.DefaultDuty); err != nil {
			a.log.Warn().Err(err).Int("pin", ch.Pin).Msg("デフォルト値の書き込みに失敗")
		}
	}

	a.log.Info().
		Int("pin", ch.Pin).
		Int("channel", ch.Index).
		Int("timer", ch.Timer).
		Float64("freq", ch.Frequency).
		Uint8("bits", ch.Resolution).
		Msg("PWMチャンネルを作成")

	return *ch, nil
}

// Write はピンに値を書き込む
//
// minBound > 0 の場合、MinPulseWidth 未満の値は角度 (0-180度) とみなして
// [minBound, maxBound] のパルス幅 (µs) に変換し、その後タイマーのティック数へ変換する。
// minBound <= 0 の場合は生のデューティ値として書き込む。
func (a *Allocator) Write(pin, value, minBound, maxBound int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, exists := a.table.get(pin)
	if !exists {
		a.log.Warn().Int("pin", pin).Msg("PWM書き込み失敗: ピンが見つかりません")
		return fmt.Errorf("pin %d: %w", pin, ErrPinNotFound)
	}
	if !ch.Attached {
		a.log.Warn().Int("pin", pin).Msg("PWM書き込み失敗: ピンが接続されていません")
		return fmt.Errorf("pin %d: %w", pin, ErrNotAttached)
	}

	var duty uint32
	if minBound > 0 {
		duty = uint32(usToTicks(pulseWidth(value, minBound, maxBound), ch.Frequency, ch.Resolution))
	} else {
		// 32ビットを超える値が折り返さないよう int のまま丸める
		duty = uint32(min(max(value, 0), int(ch.MaxDuty())))
	}
	duty = min(duty, ch.MaxDuty())

	a.log.Debug().
		Int("pin", pin).
		Int("channel", ch.Index).
		Int("value", value).
		Uint32("duty", duty).
		Int("min", minBound).
		Int("max", maxBound).
		Msg("PWM書き込み")

	return a.writeDuty(ch, duty)
}

// Reset はピンのチャンネルをデフォルト値に戻す
// pin が ResetAll の場合は全チャンネルが対象になる
func (a *Allocator) Reset(pin int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ch := range a.table.sorted() {
		if pin != ResetAll && ch.Pin != pin {
			continue
		}
		if !ch.Attached {
			continue
		}
		if err := a.writeDuty(ch, ch.DefaultDuty); err != nil {
			a.log.Warn().Err(err).Int("pin", ch.Pin).Msg("PWMリセットに失敗")
		}
	}
}

// ResetAll は全チャンネルをデフォルト値に戻す
func (a *Allocator) ResetAll() {
	a.Reset(ResetAll)
}

// Release はチャンネルを解放する
func (a *Allocator) Release(pin int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, exists := a.table.get(pin)
	if !exists {
		return fmt.Errorf("pin %d: %w", pin, ErrPinNotFound)
	}

	if ch.Attached {
		if err := a.driver.Detach(pin); err != nil {
			a.log.Warn().Err(err).Int("pin", pin).Msg("ピンの切断に失敗")
		}
		ch.Attached = false
	}

	a.table.remove(pin)
	a.log.Debug().Int("pin", pin).Int("channel", ch.Index).Int("timer", ch.Timer).Msg("PWMチャンネルを解放")
	return nil
}

// SetDefaultDuty はリセット時に書き込むデューティ値を設定する
func (a *Allocator) SetDefaultDuty(pin int, duty uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, exists := a.table.get(pin)
	if !exists {
		return fmt.Errorf("pin %d: %w", pin, ErrPinNotFound)
	}
	ch.DefaultDuty = min(duty, ch.MaxDuty())
	return nil
}

// Get はピンのチャンネル状態を返す
func (a *Allocator) Get(pin int) (Channel, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, exists := a.table.get(pin)
	if !exists {
		return Channel{}, false
	}
	return *ch, true
}

// Channels はピン番号順のチャンネル一覧を返す
func (a *Allocator) Channels() []Channel {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := a.table.sorted()
	out := make([]Channel, len(list))
	for i, ch := range list {
		out[i] = *ch
	}
	return out
}

// Timers はタイマーの使用状況を返す
func (a *Allocator) Timers() []TimerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.timers()
}

// Close はドライバーを閉じる
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.driver.Close()
}

func (a *Allocator) writeDuty(ch *Channel, duty uint32) error {
	if err := a.driver.Write(ch.Index, duty); err != nil {
		return fmt.Errorf("チャンネル %d への書き込みに失敗: %w", ch.Index, err)
	}
	ch.Duty = duty
	return nil
}

// pulseWidth は角度またはパルス幅を [minBound, maxBound] のパルス幅 (µs) に変換する
func pulseWidth(value, minBound, maxBound int) int {
	if value < MinPulseWidth {
		value = max(0, min(value, 180))
		value = mapRange(value, 0, 180, minBound, maxBound)
	}
	return max(minBound, min(value, maxBound))
}

// mapRange は整数の線形写像
func mapRange(x, inMin, inMax, outMin, outMax int) int {
	return (x-inMin)*(outMax-outMin)/(inMax-inMin) + outMin
}

// usToTicks はパルス幅 (µs) を周波数と分解能に応じたティック数へ変換する
func usToTicks(usec int, freq float64, bits uint8) int {
	ticksPerRefresh := float32(RefreshUsec) / float32(uint32(1)<<bits)
	return int(math32.Trunc(float32(usec) / ticksPerRefresh * (float32(freq) / 50)))
}

// MaxDuty はピンに割り当てられたチャンネルの最大デューティ値を返す
// ピンが見つからない場合は0を返す
func (a *Allocator) MaxDuty(pin int) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, exists := a.table.get(pin)
	if !exists {
		return 0
	}
	return ch.MaxDuty()
}
