package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DotEnvFile は起動時に読み込む環境変数ファイル
var DotEnvFile = ".env"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	Camera CameraConfig `yaml:"camera"`
	Stream StreamConfig `yaml:"stream"`
	Lamp   LampConfig   `yaml:"lamp"`
	PWM    []PWMConfig  `yaml:"pwm" validate:"unique=Pin,dive"`
	Pulse  PulseConfig  `yaml:"pulse"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host" validate:"required"` // リッスンするホスト
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"min=0"` // ストリーミングのため0（無効）が既定
}

// CameraConfig はカメラの設定
type CameraConfig struct {
	Device string `yaml:"device"` // 空の場合は自動検出
	FPS    int    `yaml:"fps" validate:"min=1,max=60"`
	Width  int    `yaml:"width" validate:"min=0"`
	Height int    `yaml:"height" validate:"min=0"`
	Mock   bool   `yaml:"mock"` // 合成フレームを使う
}

// StreamConfig は配信の設定
type StreamConfig struct {
	MaxStreams  int           `yaml:"max_streams" validate:"min=1,max=5"`
	SettleDelay time.Duration `yaml:"settle_delay" validate:"min=0"` // 静止画撮影前のランプ安定待ち
	ClientQueue int           `yaml:"client_queue" validate:"min=1"` // クライアントごとの送信キュー長
}

// LampConfig はフラッシュランプの設定
type LampConfig struct {
	Enabled    bool `yaml:"enabled"`
	Pin        int  `yaml:"pin"`
	Level      int  `yaml:"level" validate:"min=-1,max=100"`
	FlashLevel int  `yaml:"flash_level" validate:"min=0,max=100"`
	AutoLamp   bool `yaml:"auto_lamp"`
}

// PWMConfig は起動時に割り当てるPWMチャンネル
type PWMConfig struct {
	Pin        int     `yaml:"pin" validate:"min=1"`
	Frequency  float64 `yaml:"frequency" validate:"gt=0"`
	Resolution uint8   `yaml:"resolution" validate:"min=1,max=20"`
	Default    uint32  `yaml:"default"`
}

// PulseConfig はPWMドライバーの設定
type PulseConfig struct {
	Driver     string `yaml:"driver" validate:"oneof=memory serial"`
	SerialPort string `yaml:"serial_port" validate:"required_if=Driver serial"`
	BaudRate   int    `yaml:"baud_rate" validate:"min=0"`
}

// LogConfig はログの設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Pretty bool   `yaml:"pretty"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0,
		},
		Camera: CameraConfig{
			FPS:    25,
			Width:  640,
			Height: 480,
		},
		Stream: StreamConfig{
			MaxStreams:  2,
			SettleDelay: 150 * time.Millisecond,
			ClientQueue: 4,
		},
		Lamp: LampConfig{
			Enabled:    true,
			Pin:        4,
			Level:      0,
			FlashLevel: 80,
		},
		PWM: []PWMConfig{
			{Pin: 4, Frequency: 5000, Resolution: 8},
		},
		Pulse: PulseConfig{
			Driver:   "memory",
			BaudRate: 115200,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
//
// デフォルト値の上にYAMLファイルを読み込み、最後に環境変数で上書きする。
// path が空、またはファイルが存在しない場合はデフォルト値を使う。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s の読み込みに失敗: %w", DotEnvFile, err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg.ensureDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// ensureDefaults は未設定の項目にデフォルト値を入れる
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Camera.FPS == 0 {
		c.Camera.FPS = def.Camera.FPS
	}
	if c.Stream.MaxStreams == 0 {
		c.Stream.MaxStreams = def.Stream.MaxStreams
	}
	if c.Stream.ClientQueue == 0 {
		c.Stream.ClientQueue = def.Stream.ClientQueue
	}
	if c.Pulse.Driver == "" {
		c.Pulse.Driver = def.Pulse.Driver
	}
	if c.Pulse.BaudRate == 0 {
		c.Pulse.BaudRate = def.Pulse.BaudRate
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Server.Port = getEnvAsIntOrDefault("SERVER_PORT", c.Server.Port)

	c.Camera.Device = getEnvOrDefault("CAMNODE_DEVICE", c.Camera.Device)
	c.Camera.FPS = getEnvAsIntOrDefault("CAMNODE_FPS", c.Camera.FPS)
	c.Camera.Mock = getEnvAsBoolOrDefault("CAMNODE_MOCK", c.Camera.Mock)
	c.Stream.MaxStreams = getEnvAsIntOrDefault("CAMNODE_MAX_STREAMS", c.Stream.MaxStreams)
	c.Pulse.Driver = getEnvOrDefault("CAMNODE_PULSE_DRIVER", c.Pulse.Driver)
	c.Pulse.SerialPort = getEnvOrDefault("CAMNODE_SERIAL_PORT", c.Pulse.SerialPort)
	c.Log.Level = getEnvOrDefault("CAMNODE_LOG_LEVEL", c.Log.Level)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("無効な設定 %s: %s=%v (%s)", fe.Namespace(), fe.Tag(), fe.Value(), fe.Param())
		}
		return err
	}

	if c.Lamp.Enabled && c.Lamp.Level >= 0 {
		if _, ok := c.PWMFor(c.Lamp.Pin); !ok {
			return fmt.Errorf("ランプのピン %d がPWM設定にありません", c.Lamp.Pin)
		}
	}

	return nil
}

// PWMFor はピンのPWM設定を返す
func (c *Config) PWMFor(pin int) (PWMConfig, bool) {
	for _, p := range c.PWM {
		if p.Pin == pin {
			return p, true
		}
	}
	return PWMConfig{}, false
}

// LampEnabled はランプを有効にするかを返す
// level が -1 の場合はランプを使わない
func (c *Config) LampEnabled() bool {
	return c.Lamp.Enabled && c.Lamp.Level >= 0
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Save は設定をYAMLファイルに書き出す
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("設定の変換に失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("設定ファイルの書き込みに失敗: %w", err)
	}

	return nil
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
