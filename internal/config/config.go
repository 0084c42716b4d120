package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig    `json:"server"`
	MQTT     MQTTConfig      `json:"mqtt"`
	Ingress  IngressConfig   `json:"ingress"`
	Recorder RecorderConfig  `json:"recorder"`
	Machines []MachineConfig `json:"machines"`
	Cameras  []CameraBinding `json:"cameras"`

	// 録画タイムスタンプに使う固定タイムゾーン名
	Timezone string `json:"timezone"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `json:"host"` // リッスンするホスト
	Port int    `json:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  Duration `json:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout Duration `json:"write_timeout"` // 書き込みタイムアウト
}

// MQTTConfig はMQTTブローカーの接続設定
type MQTTConfig struct {
	BrokerHost string `json:"broker_host"` // ブローカーのホスト
	BrokerPort int    `json:"broker_port"` // ブローカーのポート番号
	Username   string `json:"username"`    // 認証ユーザー名（省略可）
	Password   string `json:"password"`    // 認証パスワード（省略可）
	ClientID   string `json:"client_id"`   // MQTTクライアントID
}

// IngressConfig はイベント受信層の設定
type IngressConfig struct {
	// これより古いイベントは順序乱れとして破棄する
	SkewTolerance Duration `json:"skew_tolerance"`

	// マシンごとのイベントキューの容量（あふれた場合は最古を破棄）
	QueueSize int `json:"queue_size"`
}

// RecorderConfig は録画セッション管理の設定
type RecorderConfig struct {
	OpenAttempts     int      `json:"open_attempts"`     // デバイス取得の最大試行回数
	RetryBackoff     Duration `json:"retry_backoff"`     // リトライの初期待機時間（指数的に倍増）
	OpenTimeout      Duration `json:"open_timeout"`      // デバイス取得1回あたりのタイムアウト
	StopTimeout      Duration `json:"stop_timeout"`      // 録画停止・ファイナライズのタイムアウト
	FaultCooldown    Duration `json:"fault_cooldown"`    // 障害後のクールダウン
	ExtendedCooldown Duration `json:"extended_cooldown"` // 連続障害後の延長クールダウン
	FailureThreshold int      `json:"failure_threshold"` // 延長クールダウンに入る連続デバイス障害数
	MaxDuration      Duration `json:"max_duration"`      // 1セッションの最大録画時間（0で無制限）
}

// MachineConfig は監視対象マシンの設定
type MachineConfig struct {
	Name  string `json:"name"`  // マシン名（一意）
	Topic string `json:"topic"` // 稼働状態が配信されるMQTTトピック
}

// CameraBinding はカメラとマシンの静的な紐付け設定
type CameraBinding struct {
	ID          string `json:"id"`           // カメラの一意識別子
	Machine     string `json:"machine"`      // 紐付くマシン名
	Device      string `json:"device"`       // デバイスパス（例: /dev/video0）
	StoragePath string `json:"storage_path"` // 録画ファイルの保存先
	Enabled     bool   `json:"enabled"`      // 無効なカメラはインテントを受け付けない
}

// Duration はJSONで "30s" のような文字列表記を受け付けるtime.Durationのラッパー
type Duration time.Duration

// UnmarshalJSON は文字列または秒数からDurationを復元する
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("無効な時間表記: %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value) * time.Second)
	default:
		return fmt.Errorf("無効な時間表記: %v", v)
	}

	return nil
}

// MarshalJSON はDurationを文字列表記で出力する
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std はtime.Durationに変換する
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load は設定を読み込む
// デフォルト値をベースに、CONFIG_FILEで指定されたJSONファイル、
// 環境変数の順で上書きする
func Load() (*Config, error) {
	cfg := Default()

	// 設定ファイルがあれば読み込む
	path := getEnvOrDefault("CONFIG_FILE", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の解析に失敗: %w", path, err)
		}
	}

	// 環境変数で上書き
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.MQTT.BrokerHost = getEnvOrDefault("MQTT_BROKER_HOST", cfg.MQTT.BrokerHost)
	cfg.MQTT.BrokerPort = getEnvAsIntOrDefault("MQTT_BROKER_PORT", cfg.MQTT.BrokerPort)
	cfg.MQTT.Username = getEnvOrDefault("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnvOrDefault("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.Timezone = getEnvOrDefault("RECORDING_TIMEZONE", cfg.Timezone)

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  Duration(10 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
		MQTT: MQTTConfig{
			BrokerHost: "127.0.0.1",
			BrokerPort: 1883,
			ClientID:   "kiroku",
		},
		Ingress: IngressConfig{
			SkewTolerance: Duration(2 * time.Second),
			QueueSize:     64,
		},
		Recorder: RecorderConfig{
			OpenAttempts:     3,
			RetryBackoff:     Duration(500 * time.Millisecond),
			OpenTimeout:      Duration(10 * time.Second),
			StopTimeout:      Duration(15 * time.Second),
			FaultCooldown:    Duration(30 * time.Second),
			ExtendedCooldown: Duration(5 * time.Minute),
			FailureThreshold: 3,
			MaxDuration:      Duration(60 * time.Minute),
		},
		Machines: []MachineConfig{
			{Name: "vibratory_conveyor", Topic: "vision/vibratory_conveyor/state"},
			{Name: "blower_separator", Topic: "vision/blower_separator/state"},
		},
		Cameras: []CameraBinding{
			{ID: "camera1", Machine: "vibratory_conveyor", Device: "/dev/video0", StoragePath: "/storage/camera1", Enabled: true},
			{ID: "camera2", Machine: "blower_separator", Device: "/dev/video1", StoragePath: "/storage/camera2", Enabled: true},
		},
		Timezone: "America/New_York",
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("MQTTブローカーのホストが設定されていません")
	}
	if c.MQTT.BrokerPort < 1 || c.MQTT.BrokerPort > 65535 {
		return fmt.Errorf("無効なMQTTブローカーポート: %d", c.MQTT.BrokerPort)
	}

	if c.Ingress.QueueSize < 1 {
		return fmt.Errorf("無効なキュー容量: %d", c.Ingress.QueueSize)
	}
	if c.Recorder.OpenAttempts < 1 {
		return fmt.Errorf("無効なデバイス取得試行回数: %d", c.Recorder.OpenAttempts)
	}
	if c.Recorder.FailureThreshold < 1 {
		return fmt.Errorf("無効な連続障害しきい値: %d", c.Recorder.FailureThreshold)
	}

	// マシン設定の検証
	if len(c.Machines) == 0 {
		return fmt.Errorf("マシンが設定されていません")
	}
	machineNames := make(map[string]bool, len(c.Machines))
	for _, m := range c.Machines {
		if m.Name == "" {
			return fmt.Errorf("マシン名が空です")
		}
		if m.Topic == "" {
			return fmt.Errorf("マシン %s のMQTTトピックが設定されていません", m.Name)
		}
		if machineNames[m.Name] {
			return fmt.Errorf("マシン名が重複しています: %s", m.Name)
		}
		machineNames[m.Name] = true
	}

	// カメラ設定の検証
	cameraIDs := make(map[string]bool, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("カメラIDが空です")
		}
		if cameraIDs[cam.ID] {
			return fmt.Errorf("カメラIDが重複しています: %s", cam.ID)
		}
		cameraIDs[cam.ID] = true

		if !machineNames[cam.Machine] {
			return fmt.Errorf("カメラ %s が未知のマシン %s を参照しています", cam.ID, cam.Machine)
		}
		if cam.StoragePath == "" {
			return fmt.Errorf("カメラ %s の保存先が設定されていません", cam.ID)
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BrokerAddress はMQTTブローカーの接続先を返す
func (c *Config) BrokerAddress() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTT.BrokerHost, c.MQTT.BrokerPort)
}

// CameraByID は指定されたIDのカメラ設定を返す
func (c *Config) CameraByID(id string) (CameraBinding, bool) {
	for _, cam := range c.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return CameraBinding{}, false
}

// CamerasForMachine は指定されたマシンに紐付く有効なカメラの一覧を返す
func (c *Config) CamerasForMachine(machine string) []CameraBinding {
	var bindings []CameraBinding
	for _, cam := range c.Cameras {
		if cam.Machine == machine && cam.Enabled {
			bindings = append(bindings, cam)
		}
	}
	return bindings
}

// MachineByTopic はMQTTトピックに対応するマシン設定を返す
func (c *Config) MachineByTopic(topic string) (MachineConfig, bool) {
	for _, m := range c.Machines {
		if m.Topic == topic {
			return m, true
		}
	}
	return MachineConfig{}, false
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
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
