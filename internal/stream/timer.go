package stream

import (
	"sync"
	"time"
)

// Timer は定周期タイマーの基本操作
type Timer interface {
	Start()
	Stop()
	// SetPeriod は動作中でも停止せずに周期を変更する
	SetPeriod(d time.Duration)
	Active() bool
}

// TimerFactory は周期とコールバックからタイマーを作成する
type TimerFactory func(period time.Duration, fn func()) Timer

// Ticker は time.Ticker による Timer の実装
type Ticker struct {
	mu     sync.Mutex
	period time.Duration
	fn     func()
	ticker *time.Ticker
	stopCh chan struct{}
}

// NewTicker は停止状態の Ticker を作成する
func NewTicker(period time.Duration, fn func()) Timer {
	return &Ticker{period: period, fn: fn}
}

func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker != nil {
		return
	}
	t.ticker = time.NewTicker(t.period)
	t.stopCh = make(chan struct{})
	go t.loop(t.ticker, t.stopCh)
}

// Stop はタイマーを止める
// コールバックの中から呼ばれる可能性があるため、ループの終了は待たない
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.stopCh)
	t.ticker = nil
	t.stopCh = nil
}

func (t *Ticker) SetPeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.period = d
	if t.ticker != nil {
		t.ticker.Reset(d)
	}
}

func (t *Ticker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticker != nil
}

// Period は現在の周期を返す
func (t *Ticker) Period() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.period
}

func (t *Ticker) loop(ticker *time.Ticker, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			select {
			case <-stopCh:
				return
			default:
			}
			t.fn()
		}
	}
}

// Clock は単調増加するミリ秒時計
type Clock interface {
	Millis() int64
}

// SystemClock はプロセス起動からの経過時間を返す Clock
type SystemClock struct {
	start time.Time
}

// NewSystemClock は現在時刻を起点とする SystemClock を作成する
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Millis() int64 {
	return time.Since(c.start).Milliseconds()
}
