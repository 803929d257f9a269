package pulse

import (
	"fmt"
	"sync"
)

// Driver はPWMハードウェアの抽象化層
type Driver interface {
	// Setup はチャンネルの周波数と分解能を設定する
	Setup(channel int, freq float64, bits uint8) error
	// Attach はピンをチャンネルの出力に接続する
	Attach(pin, channel int) error
	// Detach はピンを出力から切り離す
	Detach(pin int) error
	// Write はチャンネルにデューティ値を書き込む
	Write(channel int, duty uint32) error
	// Close はドライバーを閉じる
	Close() error
}

// MemoryDriver はプロセス内のレジスタモデル
// 実機がない環境やテストで使用する
type MemoryDriver struct {
	mu       sync.RWMutex
	duty     map[int]uint32
	freq     map[int]float64
	bits     map[int]uint8
	attached map[int]int // pin -> channel
	writes   int
	closed   bool
}

// NewMemoryDriver は新しいMemoryDriverを作成する
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		duty:     make(map[int]uint32),
		freq:     make(map[int]float64),
		bits:     make(map[int]uint8),
		attached: make(map[int]int),
	}
}

func (d *MemoryDriver) Setup(channel int, freq float64, bits uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("driver closed")
	}
	d.freq[channel] = freq
	d.bits[channel] = bits
	d.duty[channel] = 0
	return nil
}

func (d *MemoryDriver) Attach(pin, channel int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("driver closed")
	}
	d.attached[pin] = channel
	return nil
}

func (d *MemoryDriver) Detach(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.attached, pin)
	return nil
}

func (d *MemoryDriver) Write(channel int, duty uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("driver closed")
	}
	d.duty[channel] = duty
	d.writes++
	return nil
}

func (d *MemoryDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}

// Duty はチャンネルに最後に書き込まれたデューティ値を返す
func (d *MemoryDriver) Duty(channel int) uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.duty[channel]
}

// Frequency はチャンネルに設定された周波数を返す
func (d *MemoryDriver) Frequency(channel int) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.freq[channel]
}

// AttachedTo はピンが接続されているチャンネルを返す
func (d *MemoryDriver) AttachedTo(pin int) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.attached[pin]
	return ch, ok
}

// Writes は書き込み回数を返す
func (d *MemoryDriver) Writes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.writes
}
