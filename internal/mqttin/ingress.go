package mqttin

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"kiroku/internal/config"
	"kiroku/internal/machine"
	"kiroku/internal/timezone"
)

// connectTimeout はブローカーへの初回接続の待機時間
const connectTimeout = 10 * time.Second

// Sink は正規化済みイベントの送り先
// 呼び出しをブロックしてはならない
type Sink func(machine.Event) error

// Stats は受信層の統計スナップショット
type Stats struct {
	Connected    bool   `json:"connected"`
	Received     uint64 `json:"received"`      // 受信したメッセージ数
	Malformed    uint64 `json:"malformed"`     // 解釈できなかったメッセージ数
	UnknownTopic uint64 `json:"unknown_topic"` // 未知のトピックからのメッセージ数
}

// Ingress はMQTTブローカーを購読してイベントを流し込む受信層
type Ingress struct {
	cfg    *config.Config
	tz     *timezone.Manager
	sink   Sink
	client mqtt.Client

	connected    atomic.Bool
	received     atomic.Uint64
	malformed    atomic.Uint64
	unknownTopic atomic.Uint64
}

// New は新しい受信層を作成する
// Startを呼ぶまでブローカーには接続しない
func New(cfg *config.Config, tz *timezone.Manager, sink Sink) *Ingress {
	in := &Ingress{cfg: cfg, tz: tz, sink: sink}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerAddress()).
		SetClientID(cfg.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	// 再接続のたびに購読し直す
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		in.connected.Store(true)
		log.Printf("MQTTブローカーに接続しました: %s", cfg.BrokerAddress())
		in.subscribeAll(client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		in.connected.Store(false)
		log.Printf("MQTTブローカーとの接続が切れました: %v", err)
	})

	in.client = mqtt.NewClient(opts)
	return in
}

// Start はブローカーへ接続する
// 接続後の購読はOnConnectハンドラが行う
func (in *Ingress) Start(ctx context.Context) error {
	token := in.client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("MQTTブローカーへの接続がタイムアウトしました: %s", in.cfg.BrokerAddress())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTTブローカーへの接続に失敗: %w", err)
	}
	return nil
}

// Stop はブローカーから切断する
func (in *Ingress) Stop() {
	in.client.Disconnect(250)
	in.connected.Store(false)
	log.Print("MQTTブローカーから切断しました")
}

// Stats は受信統計のスナップショットを返す
func (in *Ingress) Stats() Stats {
	return Stats{
		Connected:    in.connected.Load(),
		Received:     in.received.Load(),
		Malformed:    in.malformed.Load(),
		UnknownTopic: in.unknownTopic.Load(),
	}
}

// subscribeAll は設定された全マシンのトピックを購読する
func (in *Ingress) subscribeAll(client mqtt.Client) {
	for _, mc := range in.cfg.Machines {
		token := client.Subscribe(mc.Topic, 1, in.handleMessage)
		if token.Wait() && token.Error() != nil {
			log.Printf("トピック %s の購読に失敗しました: %v", mc.Topic, token.Error())
			continue
		}
		log.Printf("トピック %s を購読しました (マシン %s)", mc.Topic, mc.Name)
	}
}

// handleMessage は受信メッセージをイベントへ変換して流し込む
// ブローカーの配送スレッドを決してブロックしない
func (in *Ingress) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	in.received.Add(1)

	mc, ok := in.cfg.MachineByTopic(msg.Topic())
	if !ok {
		in.unknownTopic.Add(1)
		log.Printf("未知のトピックからのメッセージを破棄しました: %s", msg.Topic())
		return
	}

	parsed, err := ParsePayload(msg.Payload(), in.tz.Now())
	if err != nil {
		in.malformed.Add(1)
		log.Printf("トピック %s のペイロードを解釈できませんでした: %v", msg.Topic(), err)
		return
	}

	ev := machine.Event{
		MachineID:  mc.Name,
		Active:     parsed.Active,
		ObservedAt: parsed.ObservedAt,
		Sequence:   parsed.Sequence,
	}
	if err := in.sink(ev); err != nil {
		log.Printf("イベントの流し込みに失敗しました: %v", err)
	}
}
