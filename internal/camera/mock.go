package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// MockSensor はテストやカメラのない環境で使う合成フレームのセンサー
type MockSensor struct {
	width  int
	height int

	mu          sync.Mutex
	seq         int
	failNext    int
	rawNext     int
	brokenNext  int
	delay       time.Duration
	grabs       int
	returns     int
	outstanding int
	maxOut      int
}

// NewMockSensor は新しいMockSensorを作成する
func NewMockSensor(width, height int) *MockSensor {
	if width <= 0 {
		width = 160
	}
	if height <= 0 {
		height = 120
	}
	return &MockSensor{width: width, height: height}
}

// FailNext は次の n 回の Grab を失敗させる
func (m *MockSensor) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// RawNext は次の n 回の Grab で未圧縮フレームを返す
func (m *MockSensor) RawNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawNext = n
}

// BrokenNext は次の n 回の Grab で途中で切れたJPEGを返す
func (m *MockSensor) BrokenNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokenNext = n
}

// SetDelay は Grab にかかる時間を設定する
func (m *MockSensor) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockSensor) Grab(ctx context.Context) (*Buffer, error) {
	m.mu.Lock()
	delay := m.delay
	m.grabs++
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext > 0 {
		m.failNext--
		return nil, errors.New("mock sensor: frame not ready")
	}

	m.seq++
	m.outstanding++
	m.maxOut = max(m.maxOut, m.outstanding)

	if m.rawNext > 0 {
		m.rawNext--
		return &Buffer{Data: make([]byte, m.width*m.height*2), Format: FormatRaw, Timestamp: time.Now()}, nil
	}

	data, err := m.encode()
	if err != nil {
		m.outstanding--
		return nil, err
	}
	if m.brokenNext > 0 {
		m.brokenNext--
		data = data[:len(data)/2]
	}
	return &Buffer{Data: data, Format: FormatJPEG, Timestamp: time.Now()}, nil
}

func (m *MockSensor) Return(*Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returns++
	m.outstanding--
}

// encode はフレーム番号に応じた色の画像をJPEGにする
func (m *MockSensor) encode() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, m.width, m.height))
	c := color.RGBA{R: uint8(m.seq * 16), G: uint8(m.seq * 32), B: uint8(m.seq * 8), A: 0xFF}
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Grabs は Grab が呼ばれた回数を返す
func (m *MockSensor) Grabs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grabs
}

// Returns は Return が呼ばれた回数を返す
func (m *MockSensor) Returns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.returns
}

// Outstanding は返却されていないフレーム数を返す
func (m *MockSensor) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// MaxOutstanding は同時に貸し出されたフレーム数の最大値を返す
func (m *MockSensor) MaxOutstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxOut
}
