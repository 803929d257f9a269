package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"camnode/internal/logging"
)

const (
	// DefaultWidth はキャプチャ幅の初期値
	DefaultWidth = 640
	// DefaultHeight はキャプチャ高さの初期値
	DefaultHeight = 480

	// frameMaxAge を過ぎたフレームは準備済みとみなさない
	frameMaxAge = 2 * time.Second
	readBufSize = 64 * 1024
)

var errStaleFrame = errors.New("latest frame is stale")

// V4L2Sensor はffmpeg経由でV4L2デバイスからJPEGフレームを取得する
//
// Start 後はffmpegを常駐させ、最新フレームを1枚だけ保持する。
// Start していない場合は Grab のたびに1フレームだけキャプチャする。
type V4L2Sensor struct {
	device string
	width  int
	height int
	fps    int

	mu      sync.Mutex
	latest  *Buffer
	served  *Buffer // 最後に Grab で渡したフレーム
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewV4L2Sensor は新しいV4L2Sensorを作成する
func NewV4L2Sensor(device string, width, height, fps int) *V4L2Sensor {
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &V4L2Sensor{
		device: device,
		width:  width,
		height: height,
		fps:    fps,
		log:    logging.Get("camera.v4l2").With().Str("device", device).Logger(),
	}
}

// Start はffmpegによる連続キャプチャを開始する
func (s *V4L2Sensor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("デバイス %s は既にキャプチャ中です", s.device)
	}

	ctx, cancel := context.WithCancel(ctx)
	args := []string{
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", s.width, s.height),
	}
	if s.fps > 0 {
		args = append(args, "-r", strconv.Itoa(s.fps))
	}
	args = append(args,
		"-i", s.device,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := splitJPEG(stdout, s.store)
		waitErr := cmd.Wait()
		if ctx.Err() == nil {
			s.log.Error().Err(errors.Join(err, waitErr)).Str("stderr", tail(stderr.String(), 512)).Msg("ffmpegが終了しました")
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.log.Info().Int("width", s.width).Int("height", s.height).Int("fps", s.fps).Msg("キャプチャを開始")
	return nil
}

// Stop は連続キャプチャを停止する
func (s *V4L2Sensor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Grab は最新のフレームを返す
// 前回の Grab 以降に新しいフレームが届いていない場合は ErrNoFrame を返す
func (s *V4L2Sensor) Grab(ctx context.Context) (*Buffer, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.snapshot(ctx)
	}
	defer s.mu.Unlock()

	latest := s.latest
	if latest == nil {
		return nil, fmt.Errorf("%w: フレームがまだ届いていません", ErrNoFrame)
	}
	if time.Since(latest.Timestamp) > frameMaxAge {
		return nil, errStaleFrame
	}
	if latest == s.served {
		return nil, fmt.Errorf("%w: 新しいフレームがありません", ErrNoFrame)
	}
	s.served = latest
	return latest, nil
}

// Return はフレームを返却する
// フレームは取得ごとに新しく確保されるため、返却時の処理はない
func (s *V4L2Sensor) Return(*Buffer) {}

func (s *V4L2Sensor) store(frame []byte) {
	buf := &Buffer{Data: frame, Format: FormatJPEG, Timestamp: time.Now()}
	s.mu.Lock()
	s.latest = buf
	s.mu.Unlock()
}

// snapshot は1フレームだけキャプチャする
func (s *V4L2Sensor) snapshot(ctx context.Context) (*Buffer, error) {
	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", s.width, s.height),
		"-i", s.device,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2",
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("JPEGフレームキャプチャに失敗: %w (stderr: %s)", err, tail(stderr.String(), 512))
	}
	return &Buffer{Data: stdout.Bytes(), Format: FormatJPEG, Timestamp: time.Now()}, nil
}

// splitJPEG はMJPEGのバイト列をSOI/EOIマーカーでフレームに分割する
func splitJPEG(r io.Reader, emit func([]byte)) error {
	chunk := make([]byte, readBufSize)
	var pending []byte

	for {
		n, err := r.Read(chunk)
		pending = append(pending, chunk[:n]...)

		for {
			start := bytes.Index(pending, jpegSOI)
			if start < 0 {
				// SOIの1バイト目だけ残す
				if len(pending) > 0 && pending[len(pending)-1] == 0xFF {
					pending = pending[len(pending)-1:]
				} else {
					pending = pending[:0]
				}
				break
			}
			end := bytes.Index(pending[start+2:], jpegEOI)
			if end < 0 {
				pending = pending[start:]
				break
			}
			end += start + 4

			frame := make([]byte, end-start)
			copy(frame, pending[start:end])
			emit(frame)
			pending = pending[end:]
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
