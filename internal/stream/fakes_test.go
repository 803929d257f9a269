package stream

import (
	"errors"
	"sync"
	"time"
)

type fakeTimer struct {
	mu      sync.Mutex
	period  time.Duration
	fn      func()
	active  bool
	starts  int
	stops   int
	periods []time.Duration
}

func newFakeTimerFactory() (*fakeTimer, TimerFactory) {
	ft := &fakeTimer{}
	return ft, func(period time.Duration, fn func()) Timer {
		ft.period = period
		ft.fn = fn
		return ft
	}
}

func (t *fakeTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = true
	t.starts++
}

func (t *fakeTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.stops++
}

func (t *fakeTimer) SetPeriod(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.period = d
	t.periods = append(t.periods, d)
}

func (t *fakeTimer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	frames map[string]int
	failOn map[string]bool
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{frames: make(map[string]int), failOn: make(map[string]bool)}
}

func (b *fakeBroadcaster) SendFrame(id string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn[id] {
		return errors.New("client queue full")
	}
	b.frames[id]++
	return nil
}

func (b *fakeBroadcaster) count(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames[id]
}

type fakeLamp struct {
	mu      sync.Mutex
	level   int
	auto    bool
	flash   int
	history []int
}

func (l *fakeLamp) SetBrightness(level int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level == 0xFF {
		level = l.flash
	}
	l.level = level
	l.history = append(l.history, level)
}

func (l *fakeLamp) Level() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *fakeLamp) AutoLamp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.auto
}

func (l *fakeLamp) calls() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.history...)
}

type pulseWrite struct {
	pin, value, min, max int
}

type fakePulses struct {
	mu       sync.Mutex
	writes   []pulseWrite
	resets   []int
	resetAll int
}

func (p *fakePulses) Write(pin, value, minBound, maxBound int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, pulseWrite{pin, value, minBound, maxBound})
	return nil
}

func (p *fakePulses) Reset(pin int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets = append(p.resets, pin)
}

func (p *fakePulses) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetAll++
}

type fixedClock int64

func (c fixedClock) Millis() int64 { return int64(c) }
