package mqttin

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// statePayload はJSON形式のペイロード
// {"state": "running", "timestamp": "2026-08-28T10:00:00Z"}
type statePayload struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
	Sequence  string `json:"sequence"`
}

// ParsedEvent は正規化済みのペイロード解釈結果
type ParsedEvent struct {
	Active     bool
	ObservedAt time.Time
	Sequence   string
}

// 稼働・停止を表す語彙
// 配信側の実装差を吸収するため複数の表記を受け付ける
var (
	activeWords = map[string]bool{
		"on": true, "true": true, "1": true,
		"start": true, "running": true, "active": true,
	}
	inactiveWords = map[string]bool{
		"off": true, "false": true, "0": true,
		"stop": true, "stopped": true, "inactive": true,
	}
)

// ParsePayload は生のペイロードをイベントへ正規化する
// JSON形式を先に試し、だめなら全体を状態文字列として解釈する
// タイムスタンプがない場合は受信時刻を観測時刻とする
func ParsePayload(payload []byte, receivedAt time.Time) (ParsedEvent, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return ParsedEvent{}, fmt.Errorf("空のペイロード")
	}

	var sp statePayload
	if err := json.Unmarshal(payload, &sp); err == nil && sp.State != "" {
		active, err := normalizeState(sp.State)
		if err != nil {
			return ParsedEvent{}, err
		}
		observed := receivedAt
		if sp.Timestamp != "" {
			parsed, err := time.Parse(time.RFC3339, sp.Timestamp)
			if err != nil {
				return ParsedEvent{}, fmt.Errorf("無効なタイムスタンプ: %q: %w", sp.Timestamp, err)
			}
			observed = parsed
		}
		return ParsedEvent{Active: active, ObservedAt: observed, Sequence: sp.Sequence}, nil
	}

	active, err := normalizeState(raw)
	if err != nil {
		return ParsedEvent{}, err
	}
	return ParsedEvent{Active: active, ObservedAt: receivedAt}, nil
}

// normalizeState は状態文字列を稼働中かどうかへ正規化する
func normalizeState(state string) (bool, error) {
	normalized := strings.ToLower(strings.TrimSpace(state))
	if activeWords[normalized] {
		return true, nil
	}
	if inactiveWords[normalized] {
		return false, nil
	}
	return false, fmt.Errorf("解釈できない状態表記: %q", state)
}
