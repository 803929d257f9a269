package camera

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"camnode/internal/logging"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// Source はセンサーのフレームバッファを管理する
// 同時に貸し出せるバッファは1つだけ
type Source struct {
	sensor Sensor

	mu    sync.Mutex
	held  *Buffer
	stats Stats
	log   zerolog.Logger
}

// NewSource は新しいSourceを作成する
func NewSource(sensor Sensor) *Source {
	return &Source{
		sensor: sensor,
		log:    logging.Get("camera"),
	}
}

// Acquire はセンサーからフレームを取得する
// 取得したバッファは必ず Release で返却すること
func (s *Source) Acquire(ctx context.Context) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held != nil {
		return nil, ErrBufferHeld
	}

	buf, err := s.sensor.Grab(ctx)
	if err != nil {
		s.stats.Failed++
		return nil, fmt.Errorf("%w: %w", ErrNoFrame, err)
	}
	if buf == nil {
		s.stats.Failed++
		return nil, ErrNoFrame
	}

	s.held = buf
	s.stats.Acquired++
	return buf, nil
}

// IsDeliverable はバッファをネットワーククライアントへ送信できるかを返す
// JPEGフォーマットかつ完全なJPEGデータの場合のみ true
func (s *Source) IsDeliverable(buf *Buffer) bool {
	ok := buf != nil &&
		buf.Format == FormatJPEG &&
		len(buf.Data) >= 4 &&
		bytes.HasPrefix(buf.Data, jpegSOI) &&
		bytes.HasSuffix(buf.Data, jpegEOI)

	if !ok {
		s.mu.Lock()
		s.stats.Undeliverable++
		s.mu.Unlock()
	}
	return ok
}

// Release はバッファをセンサーへ返却する
// nil、返却済み、他から取得したバッファは無視する
func (s *Source) Release(buf *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf == nil || s.held != buf {
		return
	}

	s.sensor.Return(buf)
	s.held = nil
	s.stats.Released++
}

// Held はバッファが貸し出し中かを返す
func (s *Source) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held != nil
}

// Stats は統計情報を返す
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
