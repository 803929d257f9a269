// Package app は設定からカメラノードの各コンポーネントを組み立てて起動する
package app

import (
	"context"
	"errors"
	"fmt"

	"camnode/internal/camera"
	"camnode/internal/config"
	"camnode/internal/lamp"
	"camnode/internal/logging"
	"camnode/internal/pulse"
	"camnode/internal/server"
	"camnode/internal/stream"
)

// Options はコマンドラインから上書きする項目
type Options struct {
	ConfigPath string
	Host       string
	Port       int
	Mock       bool
	Watch      bool // 設定ファイルの変更を監視する
}

// Node は組み立て済みのコンポーネント一式
type Node struct {
	Config    *config.Config
	Pulses    *pulse.Allocator
	Lamp      *lamp.Controller
	Source    *camera.Source
	Hub       *server.Hub
	Scheduler *stream.Scheduler
	Server    *server.Server

	stopSensor func()
}

// Build は設定からノードを組み立てる
func Build(ctx context.Context, cfg *config.Config) (*Node, error) {
	log := logging.Get("app")

	var driver pulse.Driver
	switch cfg.Pulse.Driver {
	case "serial":
		driver = pulse.NewSerialDriver(cfg.Pulse.SerialPort, cfg.Pulse.BaudRate)
		log.Info().Str("port", cfg.Pulse.SerialPort).Int("baud", cfg.Pulse.BaudRate).Msg("シリアルPWMドライバーを使用")
	default:
		driver = pulse.NewMemoryDriver()
	}

	alloc := pulse.NewAllocator(pulse.NewTable(pulse.DefaultInventory()), driver)
	for _, p := range cfg.PWM {
		if _, err := alloc.Allocate(pulse.Request{
			Pin:         p.Pin,
			Frequency:   p.Frequency,
			Resolution:  p.Resolution,
			DefaultDuty: p.Default,
		}); err != nil {
			_ = alloc.Close()
			return nil, fmt.Errorf("ピン %d のPWM割り当てに失敗: %w", p.Pin, err)
		}
	}

	lc := lamp.New(alloc, cfg.Lamp.Pin, cfg.LampEnabled())
	applyLamp(lc, cfg)

	sensor, stopSensor, err := openSensor(ctx, cfg)
	if err != nil {
		_ = alloc.Close()
		return nil, err
	}
	source := camera.NewSource(sensor)

	hub := server.NewHub(cfg.Stream.ClientQueue)
	sched := stream.New(stream.Config{
		MaxStreams:  cfg.Stream.MaxStreams,
		FrameRate:   cfg.Camera.FPS,
		SettleDelay: cfg.Stream.SettleDelay,
	}, source, hub, lc, alloc, stream.NewSystemClock())
	sched.InitTimer(stream.NewTicker)

	srv := server.New(cfg, server.Deps{
		Scheduler: sched,
		Hub:       hub,
		Pulses:    alloc,
		Lamp:      lc,
		Source:    source,
	})

	return &Node{
		Config:     cfg,
		Pulses:     alloc,
		Lamp:       lc,
		Source:     source,
		Hub:        hub,
		Scheduler:  sched,
		Server:     srv,
		stopSensor: stopSensor,
	}, nil
}

func openSensor(ctx context.Context, cfg *config.Config) (camera.Sensor, func(), error) {
	log := logging.Get("app")

	if cfg.Camera.Mock {
		log.Info().Msg("モックカメラを使用")
		return camera.NewMockSensor(cfg.Camera.Width, cfg.Camera.Height), func() {}, nil
	}

	device := cfg.Camera.Device
	if device == "" {
		d, err := camera.DefaultDevice(ctx, camera.NewLinuxDiscovery())
		if err != nil {
			return nil, nil, fmt.Errorf("カメラデバイスの検出に失敗: %w", err)
		}
		device = d
	}

	sensor := camera.NewV4L2Sensor(device, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	if err := sensor.Start(ctx); err != nil {
		return nil, nil, err
	}
	return sensor, sensor.Stop, nil
}

func applyLamp(lc *lamp.Controller, cfg *config.Config) {
	lc.SetFlashLevel(cfg.Lamp.FlashLevel)
	lc.SetAutoLamp(cfg.Lamp.AutoLamp)
	lc.SetBrightness(cfg.Lamp.Level)
}

// Reload は変更された設定のうち再起動なしで反映できる項目を適用する
func (n *Node) Reload(cfg *config.Config) {
	log := logging.Get("app")

	if err := n.Scheduler.SetFrameRate(cfg.Camera.FPS); err != nil {
		log.Warn().Err(err).Msg("フレームレートを反映できません")
	}
	n.Scheduler.SetMaxStreams(cfg.Stream.MaxStreams)
	applyLamp(n.Lamp, cfg)
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().Int("fps", cfg.Camera.FPS).Int("max_streams", cfg.Stream.MaxStreams).Msg("設定を再読み込みしました")
}

// Close はノードの資源を解放する
func (n *Node) Close() error {
	n.Scheduler.Close()
	n.stopSensor()
	n.Lamp.Off()
	return n.Pulses.Close()
}

// Run は設定を読み込み、シグナルかコンテキストのキャンセルまでサーバーを動かす
func Run(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.Mock {
		cfg.Camera.Mock = true
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	log := logging.Get("app")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	node, err := Build(ctx, cfg)
	if err != nil {
		return err
	}

	if opts.Watch && opts.ConfigPath != "" {
		go func() {
			if err := config.Watch(ctx, opts.ConfigPath, node.Reload); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("path", opts.ConfigPath).Msg("設定ファイルの監視を終了")
			}
		}()
	}

	log.Info().Str("addr", cfg.ServerAddress()).Msg("camnode を起動します")
	runErr := node.Server.Start(ctx)
	cancel()

	if err := node.Close(); err != nil {
		log.Warn().Err(err).Msg("資源の解放に失敗")
	}
	return runErr
}
