package stream

// Mode はキャプチャモード
type Mode int

const (
	ModeStill  Mode = iota // 静止画1枚
	ModeStream             // 連続配信
)

func (m Mode) String() string {
	switch m {
	case ModeStill:
		return "still"
	case ModeStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Result はストリーム操作の結果
type Result int

const (
	Success Result = iota
	NumExceeded
	RegisterFailed
	TimerNotInitialized
	ModeNotSupported
	CaptureFailed
	NotFound
	AlreadyRegistered
)

var resultNames = map[Result]string{
	Success:             "success",
	NumExceeded:         "num_exceeded",
	RegisterFailed:      "register_failed",
	TimerNotInitialized: "timer_not_initialized",
	ModeNotSupported:    "mode_not_supported",
	CaptureFailed:       "capture_failed",
	NotFound:            "not_found",
	AlreadyRegistered:   "already_registered",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "unknown"
}

// OK は操作が成功したかを返す
func (r Result) OK() bool {
	return r == Success
}
