// Package main はKirokuサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"kiroku/internal/config"
	"kiroku/internal/lifecycle"
	"kiroku/internal/mqttin"
	"kiroku/internal/orchestrator"
	"kiroku/internal/registry"
	"kiroku/internal/server"
	"kiroku/internal/timezone"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		brokerHost = flag.String("broker-host", "", "MQTTブローカーのホスト (デフォルト: localhost)")
		brokerPort = flag.Int("broker-port", 0, "MQTTブローカーのポート (デフォルト: 1883)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Kiroku")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *brokerHost != "" {
		cfg.MQTT.BrokerHost = *brokerHost
	}
	if *brokerPort != 0 {
		cfg.MQTT.BrokerPort = *brokerPort
	}

	tz, err := timezone.NewManager(cfg.Timezone)
	if err != nil {
		log.Fatalf("タイムゾーンの読み込みに失敗しました: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	bus := lifecycle.NewBus(lifecycle.DefaultBufferSize)
	orch := orchestrator.New(cfg, reg, bus, tz, orchestrator.FFmpegDeviceFactory)

	if err := orch.Start(ctx); err != nil {
		log.Fatalf("オーケストレーターの開始に失敗しました: %v", err)
	}

	ingress := mqttin.New(cfg, tz, orch.Submit)
	if err := ingress.Start(ctx); err != nil {
		log.Printf("MQTTブローカーへの接続に失敗しました（再接続を続けます）: %v", err)
	}

	// サーバーを起動
	srv := server.New(cfg, orch, reg, bus, ingress)
	log.Printf("Kiroku サーバーを起動します: %s", cfg.ServerAddress())
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}

	ingress.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Recorder.StopTimeout.Std())
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)
}
