package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"camnode/internal/camera"
	"camnode/internal/config"
	"camnode/internal/lamp"
	"camnode/internal/logging"
	"camnode/internal/pulse"
	"camnode/internal/stream"
)

// Deps はサーバーが操作するコンポーネント
type Deps struct {
	Scheduler *stream.Scheduler
	Hub       *Hub
	Pulses    *pulse.Allocator
	Lamp      *lamp.Controller
	Source    *camera.Source
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	sched      *stream.Scheduler
	hub        *Hub
	pulses     *pulse.Allocator
	lamp       *lamp.Controller
	source     *camera.Source
	engine     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	if cfg.Log.Level != "debug" && cfg.Log.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	s := &Server{
		config: cfg,
		sched:  deps.Scheduler,
		hub:    deps.Hub,
		pulses: deps.Pulses,
		lamp:   deps.Lamp,
		source: deps.Source,
		engine: engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		log: logging.Get("server"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery(), s.requestLogger())

	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/stream", s.handleStream)
	s.engine.GET("/capture", s.handleCapture)
	s.engine.GET("/control", s.handleControl)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/pwm", s.handleListPWM)
	api.POST("/pwm", s.handleAllocatePWM)
	api.POST("/pwm/:pin/write", s.handleWritePWM)
	api.POST("/pwm/:pin/reset", s.handleResetPWM)
	api.DELETE("/pwm/:pin", s.handleReleasePWM)
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLogger はリクエストをzerologで記録するミドルウェア
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.Info().Str("addr", s.config.ServerAddress()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.log.Info().Msg("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.log.Info().Stringer("signal", sig).Msg("シグナルを受信しました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.log.Info().Msg("サーバーをシャットダウンしています...")

	// ストリーミング中の接続を先に終わらせる
	s.hub.CloseAll()

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.log.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}
