package pulse

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"go.bug.st/serial"

	"camnode/internal/logging"
)

const (
	// DefaultBaudRate はコプロセッサとの標準ボーレート
	DefaultBaudRate = 115200

	// maxFrameSize はフレームの最大長 (byte)
	maxFrameSize = 0xFFFF
)

// Op はコプロセッサへ送るコマンド種別
type Op string

const (
	OpSetup  Op = "setup"
	OpAttach Op = "attach"
	OpDetach Op = "detach"
	OpWrite  Op = "write"
)

// Command はシリアル線上の1コマンド
// 2バイトのビッグエンディアン長に続いてmsgpackで送られる
type Command struct {
	Op        Op      `msgpack:"op"`
	Pin       int     `msgpack:"pin,omitempty"`
	Channel   int     `msgpack:"ch"`
	Frequency float64 `msgpack:"freq,omitempty"`
	Bits      uint8   `msgpack:"bits,omitempty"`
	Duty      uint32  `msgpack:"duty"`
}

// PortOpener はシリアルポートを開く関数
type PortOpener func(name string, baudRate int) (io.ReadWriteCloser, error)

// SerialDriver はシリアル接続されたPWMコプロセッサへHAL呼び出しを転送する
type SerialDriver struct {
	port     string
	baudRate int
	open     PortOpener

	mu   sync.Mutex
	conn io.ReadWriteCloser
	log  zerolog.Logger
}

// NewSerialDriver は新しいSerialDriverを作成する
// ポートは最初のコマンド送信時に開かれる
func NewSerialDriver(port string, baudRate int) *SerialDriver {
	return NewSerialDriverWithOpener(port, baudRate, openSerialPort)
}

// NewSerialDriverWithOpener はポートを開く関数を指定してSerialDriverを作成する
func NewSerialDriverWithOpener(port string, baudRate int, open PortOpener) *SerialDriver {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	return &SerialDriver{
		port:     port,
		baudRate: baudRate,
		open:     open,
		log:      logging.Get("pulse.serial"),
	}
}

func openSerialPort(name string, baudRate int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}

// Ports は利用可能なシリアルポートの一覧を返す
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

func (d *SerialDriver) Setup(channel int, freq float64, bits uint8) error {
	return d.send(Command{Op: OpSetup, Channel: channel, Frequency: freq, Bits: bits})
}

func (d *SerialDriver) Attach(pin, channel int) error {
	return d.send(Command{Op: OpAttach, Pin: pin, Channel: channel})
}

func (d *SerialDriver) Detach(pin int) error {
	return d.send(Command{Op: OpDetach, Pin: pin})
}

func (d *SerialDriver) Write(channel int, duty uint32) error {
	return d.send(Command{Op: OpWrite, Channel: channel, Duty: duty})
}

// Close はシリアルポートを閉じる
func (d *SerialDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *SerialDriver) send(cmd Command) error {
	frame, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		conn, err := d.open(d.port, d.baudRate)
		if err != nil {
			return err
		}
		d.conn = conn
		d.log.Info().Str("port", d.port).Int("baud", d.baudRate).Msg("シリアルポートを開きました")
	}

	if _, err := d.conn.Write(frame); err != nil {
		// 次回の送信で開き直す
		_ = d.conn.Close()
		d.conn = nil
		return fmt.Errorf("failed to send %s command: %w", cmd.Op, err)
	}
	return nil
}

// EncodeCommand はコマンドを長さ付きフレームへ変換する
func EncodeCommand(cmd Command) ([]byte, error) {
	body, err := msgpack.Marshal(&cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	if len(body) > maxFrameSize {
		return nil, fmt.Errorf("command too large: %d bytes", len(body))
	}

	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)
	return frame, nil
}

// DecodeCommand はストリームから1フレーム読み出してコマンドへ変換する
func DecodeCommand(r io.Reader) (Command, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Command{}, err
	}

	body := make([]byte, binary.BigEndian.Uint16(header[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return Command{}, fmt.Errorf("failed to read frame body: %w", err)
	}

	var cmd Command
	if err := msgpack.Unmarshal(body, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	return cmd, nil
}
