package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"kiroku/internal/config"
	"kiroku/internal/lifecycle"
	"kiroku/internal/mqttin"
	"kiroku/internal/orchestrator"
	"kiroku/internal/registry"
)

// IngressStats は受信層の統計を提供する
// テストではスタブに差し替える
type IngressStats interface {
	Stats() mqttin.Stats
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	orch       *orchestrator.Orchestrator
	reg        *registry.Registry
	bus        *lifecycle.Bus
	ingress    IngressStats
	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, orch *orchestrator.Orchestrator, reg *registry.Registry, bus *lifecycle.Bus, ingress IngressStats) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:  cfg,
		orch:    orch,
		reg:     reg,
		bus:     bus,
		ingress: ingress,
		engine:  engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout.Std(),
			WriteTimeout: cfg.Server.WriteTimeout.Std(),
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	// APIエンドポイント
	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/machines", s.handleMachines)
		api.GET("/cameras", s.handleCameras)
		api.GET("/cameras/:id/current", s.handleCameraCurrent)
		api.GET("/cameras/:id/history", s.handleCameraHistory)
		api.POST("/cameras/:id/start", s.handleCameraStart)
		api.POST("/cameras/:id/stop", s.handleCameraStop)
		api.GET("/ingress/stats", s.handleIngressStats)
	}

	// ライフサイクルイベントのWebSocket配信
	s.engine.GET("/ws/events", s.handleWebSocket)
}

// Start はサーバーを起動し、停止シグナルを待つ
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		log.Printf("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}

// Handler はテスト用にHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}
