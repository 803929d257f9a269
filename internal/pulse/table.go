package pulse

import (
	"sort"
)

// Channel はピンに割り当てられたPWMチャンネルの状態を表す
type Channel struct {
	Pin         int     `json:"pin"`        // 出力ピン
	Index       int     `json:"channel"`    // ハードウェアチャンネル番号
	Timer       int     `json:"timer"`      // 所属タイマー番号
	Frequency   float64 `json:"frequency"`  // 周波数 (Hz)
	Resolution  uint8   `json:"resolution"` // デューティ分解能 (bit)
	Duty        uint32  `json:"duty"`       // 現在のデューティ値
	DefaultDuty uint32  `json:"default"`    // リセット時のデューティ値
	Attached    bool    `json:"attached"`   // ピンが出力に接続されているか
}

// MaxDuty は分解能から決まる最大デューティ値を返す
func (c Channel) MaxDuty() uint32 {
	return uint32(1)<<c.Resolution - 1
}

// TimerState はタイマーの使用状況を表す
type TimerState struct {
	Index     int     `json:"timer"`
	Frequency float64 `json:"frequency"` // 未使用の場合は0
	Channels  int     `json:"channels"`  // 稼働中のチャンネル数
}

// Table はPWMハードウェア資源の割り当て表
// ロックは持たないため、排他は所有する Allocator が行う
type Table struct {
	inv        Inventory
	timerCount []int
	timerFreq  []float64
	used       []bool
	byPin      map[int]*Channel
}

// NewTable は空の割り当て表を作成する
func NewTable(inv Inventory) *Table {
	return &Table{
		inv:        inv,
		timerCount: make([]int, inv.Timers),
		timerFreq:  make([]float64, inv.Timers),
		used:       make([]bool, inv.Channels()),
		byPin:      make(map[int]*Channel),
	}
}

// Inventory はハードウェア構成を返す
func (t *Table) Inventory() Inventory {
	return t.inv
}

// reserve はリクエストに対してタイマーとチャンネルを確保する
func (t *Table) reserve(req Request) (*Channel, error) {
	if !t.inv.Supports(req.Pin) {
		return nil, ErrPinNotSupported
	}
	if _, exists := t.byPin[req.Pin]; exists {
		return nil, ErrPinInUse
	}
	if len(t.byPin) >= t.inv.Channels() {
		return nil, ErrTableFull
	}

	timer := t.selectTimer(req.Frequency)
	if timer < 0 {
		return nil, ErrNoTimer
	}

	index := -1
	for _, ch := range t.inv.channelsOf(timer) {
		if !t.used[ch] {
			index = ch
			break
		}
	}
	if index < 0 {
		// タイマーの空き数とチャンネル使用状況が食い違っている
		return nil, ErrNoTimer
	}

	if t.timerCount[timer] == 0 {
		t.timerFreq[timer] = req.Frequency
	}
	t.timerCount[timer]++
	t.used[index] = true

	ch := &Channel{
		Pin:        req.Pin,
		Index:      index,
		Timer:      timer,
		Frequency:  req.Frequency,
		Resolution: req.Resolution,
		Attached:   true,
	}
	t.byPin[req.Pin] = ch
	return ch, nil
}

// selectTimer は周波数を収容できるタイマーを選ぶ
// 同じ周波数で動作中かつ空きのあるタイマーを優先し、なければ未使用のタイマーを使う
func (t *Table) selectTimer(freq float64) int {
	for i := range t.timerCount {
		if t.timerCount[i] > 0 && t.timerFreq[i] == freq && t.timerCount[i] < t.inv.ChannelsPerTimer {
			return i
		}
	}
	for i := range t.timerCount {
		if t.timerCount[i] == 0 {
			return i
		}
	}
	return -1
}

// remove はチャンネルを削除し、タイマーの参照数を減らす
// 参照数が0になったタイマーは周波数の拘束が解除される
func (t *Table) remove(pin int) (*Channel, bool) {
	ch, exists := t.byPin[pin]
	if !exists {
		return nil, false
	}

	t.used[ch.Index] = false
	t.timerCount[ch.Timer]--
	if t.timerCount[ch.Timer] == 0 {
		t.timerFreq[ch.Timer] = 0
	}
	delete(t.byPin, pin)
	return ch, true
}

func (t *Table) get(pin int) (*Channel, bool) {
	ch, exists := t.byPin[pin]
	return ch, exists
}

// sorted はピン番号順のチャンネル一覧を返す
func (t *Table) sorted() []*Channel {
	list := make([]*Channel, 0, len(t.byPin))
	for _, ch := range t.byPin {
		list = append(list, ch)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Pin < list[j].Pin })
	return list
}

func (t *Table) timers() []TimerState {
	states := make([]TimerState, len(t.timerCount))
	for i := range t.timerCount {
		states[i] = TimerState{
			Index:     i,
			Frequency: t.timerFreq[i],
			Channels:  t.timerCount[i],
		}
	}
	return states
}
