package camera

import (
	"context"
	"errors"
	"time"
)

// Format はフレームバッファのフォーマット
type Format int

const (
	FormatJPEG Format = iota // 圧縮画像
	FormatRaw                // 未圧縮
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Buffer はセンサーから取得した1フレーム
// Acquire から Release までの間だけ Source が排他的に所有する
type Buffer struct {
	Data      []byte
	Format    Format
	Timestamp time.Time
}

// Len はペイロードの長さを返す
func (b *Buffer) Len() int {
	return len(b.Data)
}

// Sensor は物理センサーに対するフレーム取得・返却の基本操作
type Sensor interface {
	// Grab は準備済みのフレームを取得する。フレームがない場合はエラーを返す
	Grab(ctx context.Context) (*Buffer, error)
	// Return は Grab で取得したフレームをセンサーへ返す
	Return(buf *Buffer)
}

var (
	// ErrBufferHeld は前のバッファが返却される前に Acquire が呼ばれた場合のエラー
	ErrBufferHeld = errors.New("frame buffer is still held")
	// ErrNoFrame はセンサーにフレームが用意されていない場合のエラー
	ErrNoFrame = errors.New("no frame ready")
)

// Stats はフレーム取得の統計情報
type Stats struct {
	Acquired      uint64 `json:"acquired"`
	Released      uint64 `json:"released"`
	Undeliverable uint64 `json:"undeliverable"`
	Failed        uint64 `json:"failed"`
}
