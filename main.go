package main

import (
	"context"
	"log"

	"kiroku/internal/config"
	"kiroku/internal/lifecycle"
	"kiroku/internal/mqttin"
	"kiroku/internal/orchestrator"
	"kiroku/internal/registry"
	"kiroku/internal/server"
	"kiroku/internal/timezone"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// 録画タイムスタンプ用の固定タイムゾーン
	tz, err := timezone.NewManager(cfg.Timezone)
	if err != nil {
		log.Fatalf("タイムゾーンの読み込みに失敗しました: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// セッション記録・イベント配信・オーケストレーター
	reg := registry.New()
	bus := lifecycle.NewBus(lifecycle.DefaultBufferSize)
	orch := orchestrator.New(cfg, reg, bus, tz, orchestrator.FFmpegDeviceFactory)

	// 中断録画の復旧とワーカーの開始
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("オーケストレーターの開始に失敗しました: %v", err)
	}

	// MQTT受信層の開始
	// 接続失敗時もバックグラウンドで再接続を続ける
	ingress := mqttin.New(cfg, tz, orch.Submit)
	if err := ingress.Start(ctx); err != nil {
		log.Printf("MQTTブローカーへの接続に失敗しました（再接続を続けます）: %v", err)
	}

	// HTTPサーバーを起動し、シグナルを待つ
	srv := server.New(cfg, orch, reg, bus, ingress)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}

	// 受信を止めてから録画セッションを閉じる
	ingress.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Recorder.StopTimeout.Std())
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)
}
