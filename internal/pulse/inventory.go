package pulse

import (
	"fmt"
	"slices"
)

const (
	// DefaultFrequency はサーボ用のデフォルト周波数 (Hz)
	DefaultFrequency = 50
	// DefaultResolution はデフォルトのデューティ分解能 (bit)
	DefaultResolution = 10
	// MaxResolution はサポートする最大分解能 (bit)
	MaxResolution = 20

	// MinPulseWidth はサーボへ送る最短パルス幅 (µs)
	MinPulseWidth = 544
	// MaxPulseWidth はサーボへ送る最長パルス幅 (µs)
	MaxPulseWidth = 2400
	// RefreshUsec は50Hz時の1周期 (µs)
	RefreshUsec = 20000

	// ResetAll は Reset で全チャンネルを対象にするためのピン番号
	ResetAll = 0
)

// Inventory はプラットフォームのPWMハードウェア構成を表す
type Inventory struct {
	Pins             []int // PWM出力に使用可能なピン
	Timers           int   // 共有タイマーの数
	ChannelsPerTimer int   // タイマー1つあたりのチャンネル数
}

// DefaultInventory はESP32 LEDCの構成を返す
// 16チャンネル、4タイマー x 4チャンネル
func DefaultInventory() Inventory {
	return Inventory{
		Pins:             []int{2, 4, 5, 12, 13, 14, 15, 16, 17, 18, 19, 21, 22, 23, 25, 26, 27, 32, 33},
		Timers:           4,
		ChannelsPerTimer: 4,
	}
}

// Channels は総チャンネル数を返す
func (inv Inventory) Channels() int {
	return inv.Timers * inv.ChannelsPerTimer
}

// Supports はピンがPWM出力に対応しているかを返す
func (inv Inventory) Supports(pin int) bool {
	return slices.Contains(inv.Pins, pin)
}

// TimerOf はチャンネルが属するタイマー番号を返す
//
// チャンネル数が偶数の場合はLEDCと同じく2チャンネルずつ順番にタイマーへ割り当てる
//
//	ch 0,1 => timer 0, ch 2,3 => timer 1, ... ch 8,9 => timer 0
func (inv Inventory) TimerOf(channel int) int {
	if inv.ChannelsPerTimer%2 == 0 {
		return (channel / 2) % inv.Timers
	}
	return channel / inv.ChannelsPerTimer
}

// channelsOf はタイマーに属するチャンネルを昇順で返す
func (inv Inventory) channelsOf(timer int) []int {
	chs := make([]int, 0, inv.ChannelsPerTimer)
	for ch := 0; ch < inv.Channels(); ch++ {
		if inv.TimerOf(ch) == timer {
			chs = append(chs, ch)
		}
	}
	return chs
}

// Validate は構成の妥当性を検証する
func (inv Inventory) Validate() error {
	if inv.Timers <= 0 {
		return fmt.Errorf("無効なタイマー数: %d", inv.Timers)
	}
	if inv.ChannelsPerTimer <= 0 {
		return fmt.Errorf("無効なタイマーあたりチャンネル数: %d", inv.ChannelsPerTimer)
	}
	if len(inv.Pins) == 0 {
		return fmt.Errorf("PWM対応ピンが定義されていません")
	}
	return nil
}
