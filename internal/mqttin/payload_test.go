package mqttin

import (
	"testing"
	"time"
)

// TestParsePayloadRawStrings は文字列ペイロードの正規化をテストする
func TestParsePayloadRawStrings(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		active  bool
		wantErr bool
	}{
		{"on", "on", true, false},
		{"大文字のON", "ON", true, false},
		{"running", "running", true, false},
		{"start", "start", true, false},
		{"数値の1", "1", true, false},
		{"true", "true", true, false},
		{"active", "active", true, false},
		{"off", "off", false, false},
		{"stopped", "stopped", false, false},
		{"stop", "stop", false, false},
		{"数値の0", "0", false, false},
		{"false", "false", false, false},
		{"inactive", "inactive", false, false},
		{"前後の空白", "  on  ", true, false},
		{"解釈できない語", "maybe", false, true},
		{"空文字列", "", false, true},
		{"空白のみ", "   ", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := ParsePayload([]byte(tt.payload), now)
			if tt.wantErr {
				if err == nil {
					t.Error("エラーが期待されましたが、エラーが発生しませんでした")
				}
				return
			}
			if err != nil {
				t.Fatalf("解釈に失敗しました: %v", err)
			}
			if parsed.Active != tt.active {
				t.Errorf("稼働状態が一致しません: got %v, want %v", parsed.Active, tt.active)
			}
			if !parsed.ObservedAt.Equal(now) {
				t.Errorf("観測時刻が受信時刻になっていません: %v", parsed.ObservedAt)
			}
		})
	}
}

// TestParsePayloadJSON はJSONペイロードの解釈をテストする
func TestParsePayloadJSON(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	t.Run("タイムスタンプ付き", func(t *testing.T) {
		payload := `{"state": "running", "timestamp": "2026-08-28T09:59:30Z", "sequence": "42"}`
		parsed, err := ParsePayload([]byte(payload), now)
		if err != nil {
			t.Fatalf("解釈に失敗しました: %v", err)
		}
		if !parsed.Active {
			t.Error("稼働状態が一致しません")
		}
		want := time.Date(2026, 8, 28, 9, 59, 30, 0, time.UTC)
		if !parsed.ObservedAt.Equal(want) {
			t.Errorf("観測時刻が一致しません: got %v, want %v", parsed.ObservedAt, want)
		}
		if parsed.Sequence != "42" {
			t.Errorf("シーケンスが一致しません: %s", parsed.Sequence)
		}
	})

	t.Run("タイムスタンプなしは受信時刻", func(t *testing.T) {
		parsed, err := ParsePayload([]byte(`{"state": "off"}`), now)
		if err != nil {
			t.Fatalf("解釈に失敗しました: %v", err)
		}
		if parsed.Active {
			t.Error("稼働状態が一致しません")
		}
		if !parsed.ObservedAt.Equal(now) {
			t.Errorf("観測時刻が受信時刻になっていません: %v", parsed.ObservedAt)
		}
	})

	t.Run("無効なタイムスタンプ", func(t *testing.T) {
		payload := `{"state": "on", "timestamp": "昨日"}`
		if _, err := ParsePayload([]byte(payload), now); err == nil {
			t.Error("エラーが期待されましたが、エラーが発生しませんでした")
		}
	})

	t.Run("無効な状態", func(t *testing.T) {
		payload := `{"state": "exploded"}`
		if _, err := ParsePayload([]byte(payload), now); err == nil {
			t.Error("エラーが期待されましたが、エラーが発生しませんでした")
		}
	})

	t.Run("stateのないJSONは文字列として失敗", func(t *testing.T) {
		payload := `{"mode": "on"}`
		if _, err := ParsePayload([]byte(payload), now); err == nil {
			t.Error("エラーが期待されましたが、エラーが発生しませんでした")
		}
	})
}
